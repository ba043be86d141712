package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLRU_Eviction(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("b", 2)

	// promote a, so b is the least recently used entry
	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	l.Put("c", 3)

	_, ok = l.Get("b")
	require.False(t, ok, "b must be evicted")
	_, ok = l.Get("a")
	require.True(t, ok)
	v, ok = l.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, v)
	require.Equal(t, 2, l.Len())
}

func TestLRU_UpdateAndDelete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	defer l.Close()

	l.Put("a", 1)
	l.Put("a", 2)
	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)

	l.Delete("a")
	l.Delete("missing")
	_, ok = l.Get("a")
	require.False(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLRU(LRUOpts{Size: 4, TTL: time.Minute, Now: clock.Now})
	defer l.Close()

	l.Put("default", 1)
	l.Put("short", 2, WithTTL(time.Second))
	l.Put("forever", 3, WithTTL(0))

	clock.Advance(2 * time.Second)
	_, ok := l.Get("short")
	require.False(t, ok)
	_, ok = l.Get("default")
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = l.Get("default")
	require.False(t, ok)
	_, ok = l.Get("forever")
	require.True(t, ok)
}

func TestLRU_PutRefreshesTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLRU(LRUOpts{Size: 2, Now: clock.Now})
	defer l.Close()

	l.Put("a", 1, WithTTL(50*time.Millisecond))
	clock.Advance(30 * time.Millisecond)
	l.Put("a", 2, WithTTL(100*time.Millisecond))
	clock.Advance(30 * time.Millisecond)

	v, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRU_PurgeAndClose(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 8})
	for i := 0; i < 5; i++ {
		l.Put(strconv.Itoa(i), i)
	}
	l.Purge()
	require.Equal(t, 0, l.Len())

	l.Put("a", 1)
	l.Close()
	_, ok := l.Get("a")
	require.False(t, ok)

	l.Put("b", 2)
	_, ok = l.Get("b")
	require.False(t, ok, "puts after close are ignored")
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})
	defer l.Close()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				key := strconv.Itoa(j % 32)
				l.Put(key, j)
				l.Get(key)
				if j%7 == 0 {
					l.Delete(key)
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 16)
}

func TestTyped(t *testing.T) {
	l := NewLRU(LRUOpts{})
	defer l.Close()

	typed := NewTyped[string](l)
	typed.Put("a", "x")
	v, ok := typed.Get("a")
	require.True(t, ok)
	require.Equal(t, "x", v)

	// values of another type are treated as misses
	l.Put("b", 42)
	_, ok = typed.Get("b")
	require.False(t, ok)

	typed.Purge()
	_, ok = typed.Get("a")
	require.False(t, ok)
}
