package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	promadapter "github.com/codewandler/estore/adapters/prometheus"
	"github.com/codewandler/estore/core/es"
	"github.com/codewandler/estore/internal/config"
)

// NOTE: run nats: docker run --net=host nats:latest -js
//       then: ESTORE_BACKEND=nats go run ./cmd/loadtest

// === Config ===

type loadConfig struct {
	Commits       int           `env:"N" envDefault:"20000"`
	Writers       int           `env:"WRITERS" envDefault:"8"`
	Streams       int           `env:"STREAMS" envDefault:"16"`
	BatchSize     int           `env:"B" envDefault:"2"`
	ReportEvery   int           `env:"REPORT_EVERY" envDefault:"1000"`
	SnapshotEvery int           `env:"SNAPSHOT_EVERY" envDefault:"100"`
	Retries       int           `env:"RETRIES" envDefault:"20"`
	Clear         bool          `env:"CLEAR" envDefault:"true"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"5m"`
	MetricsAddr   string        `env:"METRICS_ADDR"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var lc loadConfig
	if err := env.Parse(&lc); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if lc.Writers < 1 || lc.Streams < 1 || lc.BatchSize < 1 {
		return errors.New("WRITERS, STREAMS and B must be positive")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := cfg.Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, lc.Timeout)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if lc.MetricsAddr != "" {
		go serveMetrics(log, lc.MetricsAddr, reg)
	}

	var published atomic.Int64
	publisher := es.PublisherFunc(func(context.Context, es.Event) error {
		published.Add(1)
		return nil
	})

	s, err := config.Open(ctx, cfg, publisher, es.WithMetrics(promadapter.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.Background()) }()

	if lc.Clear {
		if err := s.Clear(ctx); err != nil {
			return err
		}
	}

	fmt.Printf("Backend: %s\n", cfg.Backend)
	fmt.Printf("Commits: %d x %d events, %d writers on %d streams\n", lc.Commits, lc.BatchSize, lc.Writers, lc.Streams)
	fmt.Println("==========================================")

	var (
		st       = &stats{startAt: time.Now()}
		next     atomic.Int64
		g, gctx  = errgroup.WithContext(ctx)
		reporter = newReporter(lc.ReportEvery, lc.BatchSize)
	)
	for w := 0; w < lc.Writers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= lc.Commits {
					return nil
				}
				user := newUser(fmt.Sprintf("user-%d", i%lc.Streams))
				if err := commitChange(gctx, s, st, lc, user, i); err != nil {
					return fmt.Errorf("commit %d: %w", i, err)
				}
				reporter.tick(st.commits.Add(1))
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pending, err := s.GetUndispatchedEvents(ctx)
	if err != nil {
		return err
	}

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(st.startAt)
	runtime.GC()
	events := st.commits.Load() * int64(lc.BatchSize)

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      commits: %d\n", st.commits.Load())
	fmt.Printf("    conflicts: %d\n", st.conflicts.Load())
	fmt.Printf("    snapshots: %d\n", st.snapshots.Load())
	fmt.Printf("    published: %d (%d pending)\n", published.Load(), len(pending))
	fmt.Printf("avg. events/s: %d\n", int(float64(events)/took.Seconds()))
	return nil
}

type stats struct {
	startAt   time.Time
	commits   atomic.Int64
	conflicts atomic.Int64
	snapshots atomic.Int64
}

// commitChange loads the user from its latest snapshot, changes the email
// BatchSize times and commits, retrying on conflicts.
func commitChange(ctx context.Context, s *es.Store, st *stats, lc loadConfig, user *User, i int) error {
	attempt := 0
	return es.RetryOnConflict(ctx, lc.Retries, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			st.conflicts.Add(1)
		}

		snap, stream, err := s.GetFromSnapshot(ctx, user.Query())
		if err != nil {
			return err
		}
		if err := user.Restore(snap, stream.Events()); err != nil {
			return err
		}
		for j := 0; j < lc.BatchSize; j++ {
			if err := user.ChangeEmail(stream, fmt.Sprintf("user@host-%d-%d.com", i, j)); err != nil {
				return err
			}
		}
		if stream, err = stream.Commit(ctx); err != nil {
			return err
		}

		rev := stream.CurrentRevision()
		if lc.SnapshotEvery > 0 && int(rev+1)/lc.SnapshotEvery != int(rev+1-es.Revision(lc.BatchSize))/lc.SnapshotEvery {
			data, err := json.Marshal(user)
			if err != nil {
				return err
			}
			if err := s.CreateSnapshot(ctx, user.Query(), rev, data, 1); err != nil {
				return err
			}
			st.snapshots.Add(1)
		}
		return nil
	})
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	log.Info("serving metrics", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", slog.Any("error", err))
	}
}

// === Reporting ===

type reporter struct {
	every     int64
	batchSize int
	lastAt    atomic.Int64
}

func newReporter(every, batchSize int) *reporter {
	r := &reporter{every: int64(max(every, 1)), batchSize: batchSize}
	r.lastAt.Store(time.Now().UnixNano())
	return r
}

func (r *reporter) tick(n int64) {
	if n%100 == 0 {
		print(".")
	}
	if n%r.every != 0 {
		return
	}
	now := time.Now()
	took := now.Sub(time.Unix(0, r.lastAt.Swap(now.UnixNano())))
	events := r.every * int64(r.batchSize)
	mu := getMemUsage()
	fmt.Printf(" | %6d events | %6d ms | %7d events/s | (%d / %d) MiB mem (sys) |\n",
		events, took.Milliseconds(), int(float64(events)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
}

// === stats helpers ===

type MemUsage struct {
	Alloc uint64 // bytes allocated and not yet freed (heap)
	Sys   uint64 // total bytes obtained from OS
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{Alloc: m.Alloc, Sys: m.Sys}
}
