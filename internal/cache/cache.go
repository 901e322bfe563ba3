// Package cache defines the key-value contract shared by resource locks and
// the job ledger, plus an embedded badger implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds the lifetime of every lock and job entry. Abandoned
// entries disappear after this period.
const DefaultTTL = 24 * time.Hour

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache closed")

// Cache is a key-value store with per-key time-to-live.
//
// Implementations must be safe for concurrent use. A missing or expired key
// is never an error: Get reports found=false and MGet leaves a nil slot.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// CompareAndSwap replaces the value of key with next only if its current
	// value equals prev. A nil prev requires the key to be absent; a nil next
	// deletes the key. It returns false, nil when the precondition fails.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)

	Close() error
}
