package pebblestore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines when committed batches are synced to the WAL.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble. A crash may lose the most
	// recent commits.
	FsyncModeNever
)

const defaultFsyncInterval = 5 * time.Millisecond

// ParseFsyncMode maps "always", "interval" and "never" to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "interval":
		return FsyncModeInterval, nil
	case "always":
		return FsyncModeAlways, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, fmt.Errorf("pebble: unknown fsync mode %q", s)
}

func (m FsyncMode) String() string {
	switch m {
	case FsyncModeAlways:
		return "always"
	case FsyncModeInterval:
		return "interval"
	case FsyncModeNever:
		return "never"
	default:
		return "unspecified"
	}
}

// dbOptions configures the Pebble wrapper.
type dbOptions struct {
	dir           string
	fsync         FsyncMode
	fsyncInterval time.Duration
	pebbleOptions *pebble.Options
	log           *slog.Logger
}

// db wraps a Pebble instance with the configured fsync policy.
type db struct {
	inner     *pebble.DB
	writeSync bool
	log       *slog.Logger
}

func openDB(opts dbOptions) (*db, error) {
	if opts.dir == "" {
		return nil, errors.New("pebble: data directory is required")
	}

	po := opts.pebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		interval := opts.fsyncInterval
		if interval <= 0 {
			interval = defaultFsyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	inner, err := pebble.Open(opts.dir, po)
	if err != nil {
		return nil, err
	}
	opts.log.Debug("opened pebble", slog.String("dir", opts.dir), slog.String("fsync", opts.fsync.String()))

	return &db{
		inner:     inner,
		writeSync: opts.fsync == FsyncModeAlways,
		log:       opts.log,
	}, nil
}

func (d *db) close() error {
	if d == nil || d.inner == nil {
		return nil
	}
	return d.inner.Close()
}

// commit applies b with the configured fsync policy.
func (d *db) commit(b *pebble.Batch) error {
	start := time.Now()
	size := b.Len()

	syncMode := pebble.NoSync
	if d.writeSync {
		syncMode = pebble.Sync
	}
	if err := b.Commit(syncMode); err != nil {
		return err
	}
	d.log.Debug("batch committed", slog.Int("bytes", size), slog.Duration("took", time.Since(start)))
	return nil
}

// reader is implemented by *pebble.DB and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// get copies the value stored at key. A missing key yields (nil, false, nil).
func get(r reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

// scan calls fn for every key in [lower, upper) in key order, or in
// reverse order when reverse is set. fn returning false stops the scan.
func scan(r reader, lower, upper []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}

	var valid bool
	if reverse {
		valid = iter.Last()
	} else {
		valid = iter.First()
	}
	for valid {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			_ = iter.Close()
			return err
		}
		if !more {
			break
		}
		if reverse {
			valid = iter.Prev()
		} else {
			valid = iter.Next()
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return err
	}
	return iter.Close()
}
