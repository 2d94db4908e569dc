package concept

import (
	"github.com/drfirst/go-rxrecon/pkg/lfu"
)

// DefaultCacheCapacity is the number of entries kept across both keyspaces
const DefaultCacheCapacity = 100

// Cache keyspaces, also used as metric labels
const (
	KeyspaceNDC     = "ndc"
	KeyspaceConcept = "concept"
)

// CacheObserver receives cache hit and miss events
type CacheObserver interface {
	CacheHit(keyspace string)
	CacheMiss(keyspace string)
}

type nopCacheObserver struct{}

func (nopCacheObserver) CacheHit(string)  {}
func (nopCacheObserver) CacheMiss(string) {}

type cacheEntry struct {
	rxcui   string
	concept *Concept
}

// Cache is a bounded LFU store of NDC to RxCUI and RxCUI to Concept results.
// Both keyspaces share one capacity. An NDC cached with an empty RxCUI records
// a definitive "no mapping" answer.
type Cache struct {
	entries  *lfu.Cache[string, cacheEntry]
	observer CacheObserver
}

// NewCache creates a Cache. observer may be nil.
func NewCache(capacity int, observer CacheObserver) *Cache {
	if observer == nil {
		observer = nopCacheObserver{}
	}
	return &Cache{
		entries:  lfu.New[string, cacheEntry](capacity),
		observer: observer,
	}
}

// RxCUI returns the cached mapping of ndc
func (c *Cache) RxCUI(ndc string) (string, bool) {
	e, ok := c.entries.Get(KeyspaceNDC + ":" + ndc)
	c.observe(KeyspaceNDC, ok)
	return e.rxcui, ok
}

// PutRxCUI records the mapping of ndc
func (c *Cache) PutRxCUI(ndc, rxcui string) {
	c.entries.Put(KeyspaceNDC+":"+ndc, cacheEntry{rxcui: rxcui})
}

// Concept returns the cached concept of rxcui. A hit with a nil concept
// records that rxcui is unknown upstream.
func (c *Cache) Concept(rxcui string) (*Concept, bool) {
	e, ok := c.entries.Get(KeyspaceConcept + ":" + rxcui)
	c.observe(KeyspaceConcept, ok)
	return e.concept, ok
}

// PutConcept caches concept under its RxCUI
func (c *Cache) PutConcept(concept *Concept) {
	if concept == nil {
		return
	}
	c.entries.Put(KeyspaceConcept+":"+concept.RxCUI, cacheEntry{concept: concept})
}

// PutMissingConcept records that rxcui has no concept
func (c *Cache) PutMissingConcept(rxcui string) {
	c.entries.Put(KeyspaceConcept+":"+rxcui, cacheEntry{})
}

// Stats returns the underlying cache statistics
func (c *Cache) Stats() lfu.Stats {
	return c.entries.Stats()
}

func (c *Cache) observe(keyspace string, hit bool) {
	if hit {
		c.observer.CacheHit(keyspace)
		return
	}
	c.observer.CacheMiss(keyspace)
}
