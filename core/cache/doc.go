// Package cache provides a small key-value cache interface with an LRU
// implementation supporting per-entry TTLs.
//
// The store uses it to keep the latest snapshot per stream address:
//
//	lru := cache.NewLRU(cache.LRUOpts{Size: 1000, TTL: time.Minute})
//	defer lru.Close()
//
//	snapshots := cache.NewTyped[*es.Snapshot](lru)
//	snapshots.Put("user/user-1", snap)
//	if snap, ok := snapshots.Get("user/user-1"); ok {
//	    // use snap
//	}
//
// [Nop] satisfies [Cache] without storing anything and is used when caching
// is disabled.
package cache
