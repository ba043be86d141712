package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	// Size is the maximum number of entries, 128 if unset.
	Size int
	// TTL is the default time-to-live of entries. Zero keeps entries until
	// they are evicted.
	TTL time.Duration
	// Now is used for expiry checks, time.Now if nil.
	Now func() time.Time
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

// LRU is a size bounded cache evicting the least recently used entry.
// Expired entries are dropped lazily on access. It is safe for concurrent
// use; after Close it behaves like an empty cache.
type LRU struct {
	mu     sync.Mutex
	size   int
	ttl    time.Duration
	now    func() time.Time
	ll     *list.List
	items  map[string]*list.Element
	closed bool
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU{
		size:  opts.Size,
		ttl:   opts.TTL,
		now:   opts.Now,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ele, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := ele.Value.(*entry)
	if !e.expiresAt.IsZero() && !l.now().Before(e.expiresAt) {
		l.removeElement(ele)
		return nil, false
	}
	l.ll.MoveToFront(ele)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	ttl := applyPutOptions(l.ttl, opts)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = l.now().Add(ttl)
	}

	if ele, ok := l.items[key]; ok {
		l.ll.MoveToFront(ele)
		e := ele.Value.(*entry)
		e.val = val
		e.expiresAt = expiresAt
		return
	}

	l.items[key] = l.ll.PushFront(&entry{key: key, val: val, expiresAt: expiresAt})
	if l.ll.Len() > l.size {
		if last := l.ll.Back(); last != nil {
			l.removeElement(last)
		}
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ele, ok := l.items[key]; ok {
		l.removeElement(ele)
	}
}

func (l *LRU) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ll.Init()
	clear(l.items)
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

// Close drops all entries; later Puts are ignored.
func (l *LRU) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.ll.Init()
	clear(l.items)
}

func (l *LRU) removeElement(ele *list.Element) {
	l.ll.Remove(ele)
	delete(l.items, ele.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)
