package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemCache returns an in-memory Cache for tests and single-process
// deployments.
func NewMemCache() Cache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (c *memCache) live(e memEntry) bool {
	return e.expires.IsZero() || time.Now().Before(e.expires)
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.live(e) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (c *memCache) GetPrefix(_ context.Context, prefix string) ([]KV, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kvs []KV
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) && c.live(e) {
			kvs = append(kvs, KV{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}
