// Package cache provides the external key-value store used for identity,
// checkpoint, manual-input and masking-secret state.  Entries are scoped to a
// privacy request through the key builders in keys.go; nothing outside this
// package constructs raw key strings.
//
// The production implementation is backed by etcd (leases provide TTL expiry
// and prefix scans provide the get-by-prefix contract); an in-memory
// implementation backs tests and single-process deployments.
package cache

import (
	"context"
	"time"
)

// KV is a single cached entry.
type KV struct {
	Key   string
	Value []byte
}

// Cache is a key-value store supporting TTL expiry and prefix scans.  All
// implementations must be safe for concurrent use.
type Cache interface {
	// Set stores value under key.  A zero ttl stores the entry without
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetPrefix returns all entries whose key starts with prefix, sorted by
	// key.
	GetPrefix(ctx context.Context, prefix string) ([]KV, error)
	// Delete removes key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
