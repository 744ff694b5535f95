// Package blobstore stores serialized partitions under opaque keys. Keys
// are written once: every publish writes a fresh key and the previous one is
// deleted only after the catalog points at the new key.
package blobstore

import (
	"context"
)

// Store is a key/bytes store. Get returns an error matching
// errors.ErrNotFound for unknown keys. Backend failures match
// errors.ErrStorage. Delete of a missing key succeeds.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by stores that can check their backend for
// readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
