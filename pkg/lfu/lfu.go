// Package lfu provides a bounded least-frequently-used cache with O(1) get and put.
// Entries are grouped into per-frequency lists; eviction takes the oldest entry
// of the lowest frequency.
package lfu

import (
	"container/list"
	"sync"
)

// Stats holds cache counters
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

type entry[K comparable, V any] struct {
	key   K
	value V
	freq  int
	elem  *list.Element
}

// Cache is a fixed-capacity LFU cache safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*entry[K, V]
	buckets  map[int]*list.List
	minFreq  int

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache holding at most capacity entries.
// A capacity of zero or less yields a cache that stores nothing.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], capacity),
		buckets:  make(map[int]*list.List),
	}
}

// Get returns the value for key and bumps its access frequency.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.touch(e)
	return e.value, true
}

// Put inserts or replaces the value for key. Inserting into a full cache
// evicts exactly one entry first.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity == 0 {
		return
	}

	if e, ok := c.items[key]; ok {
		e.value = value
		c.touch(e)
		return
	}

	if len(c.items) >= c.capacity {
		c.evict()
	}

	e := &entry[K, V]{key: key, value: value, freq: 1}
	e.elem = c.bucket(1).PushBack(e)
	c.items[key] = e
	c.minFreq = 1
}

// Contains reports whether key is cached without counting an access.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Frequency returns the access frequency recorded for key, or 0 if absent.
func (c *Cache[K, V]) Frequency(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		return e.freq
	}
	return 0
}

// Len returns the number of cached entries
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the configured capacity
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the cache counters
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		Capacity:  c.capacity,
	}
}

// touch moves e from its frequency list to the next one.
func (c *Cache[K, V]) touch(e *entry[K, V]) {
	old := c.buckets[e.freq]
	old.Remove(e.elem)
	if old.Len() == 0 {
		delete(c.buckets, e.freq)
		if c.minFreq == e.freq {
			c.minFreq = e.freq + 1
		}
	}
	e.freq++
	e.elem = c.bucket(e.freq).PushBack(e)
}

func (c *Cache[K, V]) evict() {
	b, ok := c.buckets[c.minFreq]
	if !ok {
		return
	}
	front := b.Front()
	if front == nil {
		return
	}
	victim := b.Remove(front).(*entry[K, V])
	if b.Len() == 0 {
		delete(c.buckets, c.minFreq)
	}
	delete(c.items, victim.key)
	c.evictions++
}

func (c *Cache[K, V]) bucket(freq int) *list.List {
	b, ok := c.buckets[freq]
	if !ok {
		b = list.New()
		c.buckets[freq] = b
	}
	return b
}
