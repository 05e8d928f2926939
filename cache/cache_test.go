package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waiters[V any](c *Cache[V], key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		return e.waiting
	}
	return 0
}

func TestGetDeduplicates(t *testing.T) {
	c := New[string](10)
	var calls int32
	release := make(chan struct{})
	supplier := func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "value:" + key, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", supplier)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	require.Eventually(t, func() bool { return waiters(c, "k") == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"value:k", "value:k"}, results)

	v, err := c.Get(context.Background(), "k", supplier)
	require.NoError(t, err)
	assert.Equal(t, "value:k", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAllCallersCancel(t *testing.T) {
	c := New[int](10)
	var calls int32
	canceled := make(chan struct{})
	supplier := func(ctx context.Context, key string) (int, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			return 2, nil
		}
		<-ctx.Done()
		close(canceled)
		return 0, ctx.Err()
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, ctx := range []context.Context{ctx1, ctx2} {
		go func(ctx context.Context) {
			_, err := c.Get(ctx, "k", supplier)
			errs <- err
		}(ctx)
	}
	require.Eventually(t, func() bool { return waiters(c, "k") == 2 }, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-canceled:
		t.Fatal("shared computation canceled while a caller still waits")
	case <-time.After(20 * time.Millisecond):
	}

	cancel2()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("shared computation not canceled")
	}
	assert.Equal(t, 0, c.Size())

	v, err := c.Get(context.Background(), "k", supplier)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestOneCallerCancels(t *testing.T) {
	c := New[int](10)
	release := make(chan struct{})
	var sharedErr error
	supplier := func(ctx context.Context, key string) (int, error) {
		<-release
		sharedErr = ctx.Err()
		return 42, nil
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx1, "k", supplier)
		errs <- err
	}()
	result := make(chan int, 1)
	go func() {
		v, err := c.Get(context.Background(), "k", supplier)
		assert.NoError(t, err)
		result <- v
	}()
	require.Eventually(t, func() bool { return waiters(c, "k") == 2 }, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-errs, context.Canceled)
	close(release)
	assert.Equal(t, 42, <-result)
	assert.NoError(t, sharedErr)
	assert.Equal(t, 1, c.Size())
}

func TestFailureIsNotCached(t *testing.T) {
	c := New[int](10)
	var calls int32
	boom := errors.New("boom")
	supplier := func(ctx context.Context, key string) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, boom
		}
		return 7, nil
	}

	_, err := c.Get(context.Background(), "k", supplier)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())

	v, err := c.Get(context.Background(), "k", supplier)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLeastRecentlyUsedEviction(t *testing.T) {
	c := New[string](2)
	var calls int32
	supplier := func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return key, nil
	}
	get := func(key string) {
		v, err := c.Get(context.Background(), key, supplier)
		require.NoError(t, err)
		assert.Equal(t, key, v)
	}

	get("a")
	get("b")
	get("a")
	get("c") // evicts b
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	get("a")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	get("b")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestEvictingPendingEntry(t *testing.T) {
	c := New[string](1)
	var calls int32
	release := make(chan struct{})
	slow := func(ctx context.Context, key string) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		<-release
		return key + "-" + strconv.Itoa(int(n)), nil
	}
	type result struct {
		v   string
		err error
	}
	get := func() <-chan result {
		out := make(chan result, 1)
		go func() {
			v, err := c.Get(context.Background(), "a", slow)
			out <- result{v, err}
		}()
		return out
	}

	first := get()
	require.Eventually(t, func() bool { return waiters(c, "a") == 1 }, time.Second, time.Millisecond)

	// a is still pending when b pushes it out
	v, err := c.Get(context.Background(), "b", func(ctx context.Context, key string) (string, error) { return key, nil })
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 0, waiters(c, "a"))

	second := get()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, time.Millisecond)
	close(release)

	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, "a-1", r.v)
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, "a-2", r.v)
}

func TestClear(t *testing.T) {
	c := New[int](4)
	_, err := c.Get(context.Background(), "k", func(ctx context.Context, key string) (int, error) { return 1, nil })
	require.NoError(t, err)
	c.Clear()
	assert.Equal(t, 0, c.Size())
}
