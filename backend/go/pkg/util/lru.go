package util

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// CacheConfig configures an LRUCache.
type CacheConfig struct {
	// Capacity is the maximum number of entries. Required.
	Capacity int
	// TTL expires entries this long after their last write. Zero disables expiry.
	TTL time.Duration
	// Now replaces time.Now. Used by tests.
	Now func() time.Time
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	expiration time.Time
}

// LRUCache is a generic, thread-safe LRU cache with optional TTL.
type LRUCache[K comparable, V any] struct {
	config CacheConfig
	ll     *list.List
	cache  map[K]*list.Element
	lock   sync.Mutex
}

// NewWithConfig creates an LRUCache.
func NewWithConfig[K comparable, V any](config CacheConfig) (*LRUCache[K, V], error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", config.Capacity)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &LRUCache[K, V]{
		config: config,
		ll:     list.New(),
		cache:  make(map[K]*list.Element),
	}, nil
}

// Get returns the value for key and marks it most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	element, ok := c.lookup(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(element)
	return element.Value.(*entry[K, V]).value, true
}

// Put stores value under key.
func (c *LRUCache[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.store(key, value)
}

// Update replaces the value under key with fn(old, found) atomically.
func (c *LRUCache[K, V]) Update(key K, fn func(old V, found bool) V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var old V
	element, found := c.lookup(key)
	if found {
		old = element.Value.(*entry[K, V]).value
	}
	c.store(key, fn(old, found))
}

// Len returns the number of live entries, expired ones included until touched.
func (c *LRUCache[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ll.Len()
}

// lookup finds a live element, dropping it if expired. Caller holds the lock.
func (c *LRUCache[K, V]) lookup(key K) (*list.Element, bool) {
	element, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	e := element.Value.(*entry[K, V])
	if c.config.TTL > 0 && c.config.Now().After(e.expiration) {
		c.removeElement(element)
		return nil, false
	}
	return element, true
}

// store inserts or updates key. Caller holds the lock.
func (c *LRUCache[K, V]) store(key K, value V) {
	var expiration time.Time
	if c.config.TTL > 0 {
		expiration = c.config.Now().Add(c.config.TTL)
	}

	if element, ok := c.cache[key]; ok {
		e := element.Value.(*entry[K, V])
		e.value = value
		e.expiration = expiration
		c.ll.MoveToFront(element)
		return
	}

	c.cache[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value, expiration: expiration})
	for c.ll.Len() > c.config.Capacity {
		c.removeElement(c.ll.Back())
	}
}

func (c *LRUCache[K, V]) removeElement(element *list.Element) {
	c.ll.Remove(element)
	delete(c.cache, element.Value.(*entry[K, V]).key)
}
