// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// If several goroutines call [Singleflight.Do] with the same key while a
// call is in flight, only the first executes the function and the others
// receive its result. The store uses this to collapse concurrent snapshot
// lookups for the same stream address:
//
//	loads := sf.New[es.Snapshot]()
//	snap, shared, err := loads.Do("user/user-1", func() (*es.Snapshot, error) {
//	    return backend.GetSnapshot(ctx, q, es.NoRevision)
//	})
//
// [Singleflight.Forget] detaches a key from its in-flight call, e.g. after
// a newer value was written.
package sf
