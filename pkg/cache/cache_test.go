package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(context.Background(), WithCleanupInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	got, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, m.Has(ctx, "k"))

	_, ok = m.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestMemoryRejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	assert.Error(t, m.Set(ctx, "", []byte("v"), time.Minute))
	_, err := m.Delete(ctx, "")
	assert.Error(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 15*time.Millisecond))
	assert.True(t, m.Has(ctx, "k"))

	time.Sleep(30 * time.Millisecond)

	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, m.Has(ctx, "k"))
}

func TestMemorySweeperRemovesExpired(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 5*time.Millisecond))

	assert.Eventually(t, func() bool {
		return m.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	ok, err := m.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryHashFields(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.HSet(ctx, "groups", "g1", []byte("snapshot"), time.Minute))
	require.NoError(t, m.HSet(ctx, "groups", "g2", []byte("other"), time.Minute))

	got, ok := m.HGet(ctx, "groups", "g1")
	require.True(t, ok)
	assert.Equal(t, []byte("snapshot"), got)

	removed, err := m.HDelete(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok = m.HGet(ctx, "groups", "g1")
	assert.False(t, ok)

	// Removing an absent field is a no-op
	removed, err = m.HDelete(ctx, "groups", "g1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryPrefixOperations(t *testing.T) {
	ctx := context.Background()
	m := newTestStore(t)

	require.NoError(t, m.Set(ctx, "acme:msg:1", []byte("a"), time.Minute))
	require.NoError(t, m.Set(ctx, "acme:msg:2", []byte("b"), time.Minute))
	require.NoError(t, m.Set(ctx, "other:msg:1", []byte("c"), time.Minute))

	keys, err := m.Keys(ctx, "acme:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme:msg:1", "acme:msg:2"}, keys)

	removed, err := m.DeleteAll(ctx, "acme:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, m.Has(ctx, "other:msg:1"))
}

func TestMemoryDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(context.Background(), WithDefaultTTL(10*time.Millisecond))
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(25 * time.Millisecond)
	assert.False(t, m.Has(ctx, "k"))
}

func TestNoopIsTransparent(t *testing.T) {
	ctx := context.Background()
	var s Store = NewNoop()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, s.Has(ctx, "k"))

	require.NoError(t, s.HSet(ctx, "h", "f", []byte("v"), 0))
	_, ok = s.HGet(ctx, "h", "f")
	assert.False(t, ok)

	keys, err := s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	n, err := s.DeleteAll(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.Close())
}
