// Package cache provides the in-memory read cache for API responses and
// derived view models.
//
// The cache is a convenience layer only. Clearing it never touches the
// replica, the outbox, or any sync bookkeeping; a cold cache just means the
// next read goes back to the replica.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wrapshop/fieldsync/errs"
)

// Key identifies a cached value inside a namespace. The namespace keeps
// unrelated callers from colliding on short ids.
type Key struct {
	Namespace string
	ID        string
}

// Validate ensures both key parts are present.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Namespace) == "" {
		return errs.New("cache/key", errs.CodeInvalid, errs.WithMessage("namespace required"))
	}
	if strings.TrimSpace(k.ID) == "" {
		return errs.New("cache/key", errs.CodeInvalid, errs.WithMessage("id required"))
	}
	return nil
}

func (k Key) String() string {
	return k.Namespace + ":" + k.ID
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"maxBytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
}

type item struct {
	key       Key
	value     []byte
	size      int64
	expiresAt time.Time
	element   *list.Element
}

// Cache is a byte-budgeted LRU with per-entry TTL.
type Cache struct {
	mu         sync.Mutex
	items      map[Key]*item
	order      *list.List // front = most recently used
	bytes      int64
	maxBytes   int64
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
	evictions  uint64
	shutdown   chan struct{}
	closeOnce  sync.Once
}

// New creates a cache bounded to maxBytes. Entries stored without an explicit
// TTL expire after defaultTTL; a non-positive defaultTTL means no expiry.
func New(maxBytes int64, defaultTTL time.Duration) *Cache {
	c := &Cache{
		items:      make(map[Key]*item),
		order:      list.New(),
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		shutdown:   make(chan struct{}),
	}
	go c.sweepExpired()
	return c
}

// Get returns the cached bytes for key, or a not-found error. Expired entries
// are removed on access.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cache get context: %w", ctx.Err())
		default:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, errs.New("cache/get", errs.CodeNotFound, errs.WithMessage("cache miss"))
	}
	if !it.expiresAt.IsZero() && it.expiresAt.Before(time.Now().UTC()) {
		c.removeLocked(it)
		c.misses++
		return nil, errs.New("cache/get", errs.CodeNotFound, errs.WithMessage("cache miss"))
	}
	c.order.MoveToFront(it.element)
	c.hits++
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores value under key. A zero ttl uses the cache default. Values
// larger than the whole budget are refused.
func (c *Cache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("cache set context: %w", ctx.Err())
		default:
		}
	}
	size := int64(len(value)) + int64(len(key.Namespace)+len(key.ID))
	if c.maxBytes > 0 && size > c.maxBytes {
		return errs.New("cache/set", errs.CodeInvalid, errs.WithMessage("value exceeds cache budget"))
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok {
		c.bytes -= existing.size
		existing.value = stored
		existing.size = size
		existing.expiresAt = expiresAt
		c.bytes += size
		c.order.MoveToFront(existing.element)
	} else {
		it := &item{key: key, value: stored, size: size, expiresAt: expiresAt}
		it.element = c.order.PushFront(it)
		c.items[key] = it
		c.bytes += size
	}
	c.evictOverBudgetLocked()
	return nil
}

// Invalidate removes one entry. Missing keys are not an error.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

// Clear drops entries. With no namespaces it empties the whole cache;
// otherwise only the named namespaces are dropped. Counters survive a clear
// so hit-rate history stays meaningful.
func (c *Cache) Clear(namespaces ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(namespaces) == 0 {
		n := len(c.items)
		c.items = make(map[Key]*item)
		c.order.Init()
		c.bytes = 0
		return n
	}
	wanted := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		wanted[ns] = struct{}{}
	}
	removed := 0
	for key, it := range c.items {
		if _, ok := wanted[key.Namespace]; ok {
			c.removeLocked(it)
			removed++
		}
	}
	return removed
}

// Stats returns a point-in-time snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Entries:   len(c.items),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Close stops background maintenance routines.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
}

func (c *Cache) removeLocked(it *item) {
	c.order.Remove(it.element)
	delete(c.items, it.key)
	c.bytes -= it.size
}

func (c *Cache) evictOverBudgetLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for c.bytes > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*item))
		c.evictions++
	}
}

func (c *Cache) sweepExpired() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.pruneExpired()
		}
	}
}

func (c *Cache) pruneExpired() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if !it.expiresAt.IsZero() && it.expiresAt.Before(now) {
			c.removeLocked(it)
		}
	}
}
