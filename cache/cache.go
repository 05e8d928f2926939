// Package cache deduplicates concurrent asynchronous computations by key.
//
// Every caller of Get waits on a shared computation with its own context.
// A caller giving up only drops its interest; the computation is canceled
// once every waiter has given up. Failed computations are never cached.
//
// Capacity is enforced by evicting the least recently used entry after each
// insertion. Eviction does not look at waiters: an entry that is still
// being waited on can be evicted, its current waiters still get the result,
// and a later Get for the same key starts a new computation.
package cache

import (
	"context"
	"sync"
)

// Supplier computes the value for key. ctx is canceled once no caller is
// interested in the result anymore.
type Supplier[V any] func(ctx context.Context, key string) (V, error)

type entry[V any] struct {
	done     chan struct{}
	value    V
	err      error
	cancel   context.CancelFunc
	lastUsed uint64
	waiting  int
}

//Cache 异步去重缓存
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	maxSize int
	clock   uint64
}

//New 新建缓存, maxSize 为最大条目数
func New[V any](maxSize int) *Cache[V] {
	return &Cache[V]{items: make(map[string]*entry[V]), maxSize: maxSize}
}

// Size returns the number of entries, pending ones included.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops every entry without canceling running computations.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
}

// Get returns the value for key, starting supplier if no computation for key
// is cached. It returns ctx.Err() if ctx is done first.
func (c *Cache[V]) Get(ctx context.Context, key string, supplier Supplier[V]) (V, error) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		c.clock++
		e.lastUsed = c.clock
		e.waiting++
	} else {
		shared, cancel := context.WithCancel(context.Background())
		c.clock++
		e = &entry[V]{
			done:     make(chan struct{}),
			cancel:   cancel,
			lastUsed: c.clock,
			waiting:  1,
		}
		c.items[key] = e
		c.prune()
		go c.run(shared, key, e, supplier)
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
	}

	// the result may have arrived at the same time
	select {
	case <-e.done:
		return e.value, e.err
	default:
	}
	c.mu.Lock()
	e.waiting--
	if e.waiting <= 0 {
		e.cancel()
		if c.items[key] == e {
			delete(c.items, key)
		}
	}
	c.mu.Unlock()
	var zero V
	return zero, ctx.Err()
}

func (c *Cache[V]) run(ctx context.Context, key string, e *entry[V], supplier Supplier[V]) {
	value, err := supplier(ctx, key)
	e.cancel()
	c.mu.Lock()
	e.value, e.err = value, err
	if err != nil && c.items[key] == e {
		delete(c.items, key)
	}
	c.mu.Unlock()
	close(e.done)
}

// prune evicts the least recently used entry while over capacity. Called
// with c.mu held.
func (c *Cache[V]) prune() {
	if len(c.items) <= c.maxSize {
		return
	}
	var oldestKey string
	var oldest *entry[V]
	for k, e := range c.items {
		if oldest == nil || e.lastUsed < oldest.lastUsed {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.items, oldestKey)
	}
}
