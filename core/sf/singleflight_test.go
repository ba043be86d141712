package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleflight_Dedup(t *testing.T) {
	s := New[int]()

	var (
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
		results = make([]*int, 5)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := s.Do("k", func() (*int, error) {
				calls.Add(1)
				<-release
				n := 42
				return &n, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.NotNil(t, v)
		require.Equal(t, 42, *v)
	}
}

func TestSingleflight_NilAndError(t *testing.T) {
	s := New[string]()

	v, _, err := s.Do("nil", func() (*string, error) { return nil, nil })
	require.NoError(t, err)
	require.Nil(t, v)

	boom := errors.New("boom")
	_, _, err = s.Do("err", func() (*string, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}

func TestSingleflight_Forget(t *testing.T) {
	s := New[int]()

	var (
		started = make(chan struct{})
		release = make(chan struct{})
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		_, _, _ = s.Do("k", func() (*int, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	s.Forget("k")
	n := 7
	v, shared, err := s.Do("k", func() (*int, error) { return &n, nil })
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 7, *v)

	close(release)
	<-done
}
