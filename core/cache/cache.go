package cache

import "time"

// Cache stores values by string key. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
	// Purge drops every entry.
	Purge()
}

type putOptions struct {
	ttl    time.Duration
	hasTTL bool
}

type PutOption func(*putOptions)

// WithTTL overrides the cache's default time-to-live for one entry. Zero
// keeps the entry until it is evicted.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) {
		o.ttl, o.hasTTL = ttl, true
	}
}

func applyPutOptions(defaultTTL time.Duration, opts []PutOption) time.Duration {
	o := putOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hasTTL {
		return o.ttl
	}
	return defaultTTL
}

// Typed narrows a Cache to values of type T. Values of another type read
// as misses.
type Typed[T any] struct {
	c Cache
}

func NewTyped[T any](c Cache) *Typed[T] { return &Typed[T]{c: c} }

func (t *Typed[T]) Get(key string) (out T, ok bool) {
	v, found := t.c.Get(key)
	if !found {
		return out, false
	}
	out, ok = v.(T)
	return out, ok
}

func (t *Typed[T]) Put(key string, val T, opts ...PutOption) { t.c.Put(key, val, opts...) }
func (t *Typed[T]) Delete(key string)                        { t.c.Delete(key) }
func (t *Typed[T]) Purge()                                   { t.c.Purge() }
