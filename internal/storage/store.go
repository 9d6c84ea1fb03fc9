// Package storage provides the durable key-value store behind session
// persistence. The gateway core only needs get/put/delete with expiry; the
// concrete backend (in-memory or SQLite) is selected by configuration.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("key not found")

// Store is keyed persistence with per-entry TTL.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Pruner is implemented by stores that can reclaim expired entries eagerly.
// Reads already treat expired entries as absent; pruning only reclaims space.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}
