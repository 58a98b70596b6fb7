// Package storage provides the persistent key-value state store the delivery
// engine keeps session artifacts in: queued actions, cached responses and
// extended session state all live under (owner, key) entries.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no value exists for an (owner, key) pair.
var ErrNotFound = errors.New("state entry not found")

// Store is the narrow persistence interface the engine depends on. Values
// are opaque bytes; callers own serialization.
type Store interface {
	Get(ctx context.Context, owner, key string) ([]byte, error)
	Set(ctx context.Context, owner, key string, value []byte) error
	Has(ctx context.Context, owner, key string) (bool, error)
	Delete(ctx context.Context, owner, key string) error
}
