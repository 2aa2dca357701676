// Package cache provides the key/value store used for dedup fingerprints,
// short-lived metadata, and credential caching.
//
// Two implementations are provided:
//   - Memory: thread-safe in-process store with per-entry TTL and a
//     background sweeper.
//   - Noop: a disabled variant whose operations are all safe no-ops, so
//     callers never branch on whether caching is enabled.
package cache

import (
	"context"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/errors"
)

// DefaultTTL is applied when a Set is issued with ttl == 0.
const DefaultTTL = 2 * time.Hour

// Store is the contract the rest of the system depends on. All methods are
// safe for concurrent use by many tenants.
type Store interface {
	// Get retrieves a value by key. Returns false on a miss or expired entry.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value under key. ttl == 0 applies DefaultTTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Has reports whether key exists and has not expired.
	Has(ctx context.Context, key string) bool

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// HGet retrieves a single field from the hash stored at key.
	HGet(ctx context.Context, key, field string) ([]byte, bool)

	// HSet stores a single field in the hash at key, refreshing the
	// entry's TTL.
	HSet(ctx context.Context, key, field string, value []byte, ttl time.Duration) error

	// HDelete removes a field from the hash at key.
	HDelete(ctx context.Context, key, field string) (bool, error)

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// DeleteAll removes every key with the given prefix and returns the
	// number of entries removed.
	DeleteAll(ctx context.Context, prefix string) (int, error)

	// Close releases background resources.
	Close() error
}

// validateKey rejects keys the store cannot represent.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
