// Package kvstore persists named JSON collections in a durable key/value table.
package kvstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found in store")

// Store holds whole collections by key. Callers read-modify-write the full
// value; no partial updates are offered.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Mode() string
	Close() error
}
