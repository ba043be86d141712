package estests

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	esnats "github.com/codewandler/estore/adapters/nats"
	pebblestore "github.com/codewandler/estore/adapters/pebble"
	"github.com/codewandler/estore/adapters/sqlite"
	"github.com/codewandler/estore/core/es"
)

// backendFactory prepares shared fixtures once per backend and returns a
// constructor handing out isolated, unconnected backends.
type backendFactory struct {
	name  string
	setup func(t *testing.T) func(t *testing.T) es.Backend
}

var backendFactories = []backendFactory{
	{
		name: "memory",
		setup: func(*testing.T) func(*testing.T) es.Backend {
			return func(*testing.T) es.Backend { return es.NewInMemoryBackend() }
		},
	},
	{
		name: "pebble",
		setup: func(*testing.T) func(*testing.T) es.Backend {
			return func(t *testing.T) es.Backend {
				b, err := pebblestore.New(pebblestore.Config{Dir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
				require.NoError(t, err)
				return b
			}
		},
	},
	{
		name: "sqlite",
		setup: func(*testing.T) func(*testing.T) es.Backend {
			return func(t *testing.T) es.Backend {
				b, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "es.db")})
				require.NoError(t, err)
				return b
			}
		},
	},
	{
		name: "nats",
		setup: func(t *testing.T) func(*testing.T) es.Backend {
			connect := esnats.Shared(esnats.NewTestContainer(t))
			var n atomic.Int64
			return func(t *testing.T) es.Backend {
				name := fmt.Sprintf("c%d", n.Add(1))
				b, err := esnats.New(esnats.Config{
					Connect:       connect,
					StreamName:    "ESTORE_" + name,
					SubjectPrefix: "estore." + name,
					BucketPrefix:  "estore_" + name,
					Storage:       esnats.StorageMemory,
				})
				require.NoError(t, err)
				return b
			}
		},
	},
}

// eachBackend runs fn against a fresh backend of every kind.
func eachBackend(t *testing.T, fn func(t *testing.T, newBackend func(t *testing.T) es.Backend)) {
	for _, f := range backendFactories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.setup(t))
		})
	}
}

// startStore starts a store on a fresh backend.
func startStore(t *testing.T, newBackend func(t *testing.T) es.Backend, opts ...es.StoreOption) *es.Store {
	t.Helper()
	return es.StartTestStore(t, newBackend(t), opts...)
}
