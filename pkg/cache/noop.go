package cache

import (
	"context"
	"time"
)

// Noop is the disabled cache variant. Every operation succeeds and does
// nothing; reads always miss. Callers treat it exactly like a real store.
type Noop struct{}

// NewNoop returns the disabled cache variant.
func NewNoop() *Noop { return &Noop{} }

// Get always misses.
func (*Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

// Set discards the value.
func (*Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Has always reports false.
func (*Noop) Has(context.Context, string) bool { return false }

// Delete reports nothing was removed.
func (*Noop) Delete(context.Context, string) (bool, error) { return false, nil }

// HGet always misses.
func (*Noop) HGet(context.Context, string, string) ([]byte, bool) { return nil, false }

// HSet discards the value.
func (*Noop) HSet(context.Context, string, string, []byte, time.Duration) error { return nil }

// HDelete reports nothing was removed.
func (*Noop) HDelete(context.Context, string, string) (bool, error) { return false, nil }

// Keys returns no keys.
func (*Noop) Keys(context.Context, string) ([]string, error) { return nil, nil }

// DeleteAll reports nothing was removed.
func (*Noop) DeleteAll(context.Context, string) (int, error) { return 0, nil }

// Close is a no-op.
func (*Noop) Close() error { return nil }

var _ Store = (*Noop)(nil)
var _ Store = (*Memory)(nil)
