// Package config loads the store configuration from the environment and
// builds a started es.Store from it.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	esnats "github.com/codewandler/estore/adapters/nats"
	pebblestore "github.com/codewandler/estore/adapters/pebble"
	"github.com/codewandler/estore/adapters/sqlite"
	"github.com/codewandler/estore/core/es"
)

const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

type Config struct {
	Backend string `env:"ESTORE_BACKEND" envDefault:"memory"`

	PebbleDir   string `env:"ESTORE_PEBBLE_DIR" envDefault:"data/pebble"`
	PebbleFsync string `env:"ESTORE_PEBBLE_FSYNC" envDefault:"interval"`

	SQLitePath        string        `env:"ESTORE_SQLITE_PATH" envDefault:"data/estore.db"`
	SQLiteBusyTimeout time.Duration `env:"ESTORE_SQLITE_BUSY_TIMEOUT" envDefault:"5s"`

	NatsURL     string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NatsStream  string `env:"ESTORE_NATS_STREAM" envDefault:"ESTORE"`
	NatsStorage string `env:"ESTORE_NATS_STORAGE" envDefault:"file"`

	ForkDispatching  bool          `env:"ESTORE_FORK_DISPATCHING"`
	DispatchInterval time.Duration `env:"ESTORE_DISPATCH_INTERVAL" envDefault:"1s"`

	SnapshotCacheSize int           `env:"ESTORE_SNAPSHOT_CACHE_SIZE"`
	SnapshotCacheTTL  time.Duration `env:"ESTORE_SNAPSHOT_CACHE_TTL"`

	LogLevel  string `env:"ESTORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ESTORE_LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads the configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendPebble, BackendSQLite, BackendNATS:
	default:
		return fmt.Errorf("%w: unknown backend %q", es.ErrConfiguration, c.Backend)
	}
	if _, err := pebblestore.ParseFsyncMode(c.PebbleFsync); err != nil {
		return fmt.Errorf("%w: %v", es.ErrConfiguration, err)
	}
	if _, err := c.natsStorage(); err != nil {
		return err
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	if c.SnapshotCacheSize < 0 {
		return fmt.Errorf("%w: negative snapshot cache size", es.ErrConfiguration)
	}
	return nil
}

func (c Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("%w: log level: %v", es.ErrConfiguration, err)
	}
	return level, nil
}

func (c Config) natsStorage() (esnats.StorageType, error) {
	switch strings.ToLower(c.NatsStorage) {
	case "", "file":
		return esnats.StorageFile, nil
	case "memory":
		return esnats.StorageMemory, nil
	}
	return 0, fmt.Errorf("%w: unknown nats storage %q", es.ErrConfiguration, c.NatsStorage)
}

// Logger returns a logger writing to stderr at the configured level.
func (c Config) Logger() *slog.Logger {
	level, _ := c.logLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// NewBackend creates the configured, not yet connected, backend.
func (c Config) NewBackend(log *slog.Logger) (es.Backend, error) {
	switch c.Backend {
	case BackendPebble:
		fsync, err := pebblestore.ParseFsyncMode(c.PebbleFsync)
		if err != nil {
			return nil, err
		}
		return pebblestore.New(pebblestore.Config{Dir: c.PebbleDir, Fsync: fsync, Log: log})
	case BackendSQLite:
		return sqlite.New(sqlite.Config{Path: c.SQLitePath, BusyTimeout: c.SQLiteBusyTimeout, Log: log})
	case BackendNATS:
		storage, err := c.natsStorage()
		if err != nil {
			return nil, err
		}
		return esnats.New(esnats.Config{
			Connect:    esnats.ConnectURL(c.NatsURL, esnats.LogConnectionEvents(log)),
			Log:        log,
			StreamName: c.NatsStream,
			Storage:    storage,
		})
	case BackendMemory:
		return es.NewInMemoryBackend(es.WithLog(log)), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", es.ErrConfiguration, c.Backend)
}

// StoreOptions translates the configuration into store options.
func (c Config) StoreOptions(log *slog.Logger) []es.StoreOption {
	opts := []es.StoreOption{
		es.WithLog(log),
		es.WithForkDispatching(c.ForkDispatching),
		es.WithDispatchInterval(c.DispatchInterval),
	}
	if c.SnapshotCacheSize > 0 {
		opts = append(opts, es.WithSnapshotCache(c.SnapshotCacheSize, c.SnapshotCacheTTL))
	}
	return opts
}

// Open builds the backend and store and starts the store. publisher may be
// nil. extra options are applied after the configured ones.
func Open(ctx context.Context, c Config, publisher es.Publisher, extra ...es.StoreOption) (*es.Store, error) {
	log := c.Logger()
	backend, err := c.NewBackend(log)
	if err != nil {
		return nil, err
	}

	s := es.New(append(c.StoreOptions(log), extra...)...)
	if err := s.Configure(func(setup *es.Setup) {
		setup.Use(backend)
		if publisher != nil {
			setup.UsePublisher(publisher)
		}
	}); err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
