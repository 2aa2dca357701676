package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/pkg/cache"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// GroupFetcher is the protocol round-trip used on a cold cache entry.
type GroupFetcher interface {
	GroupMetadata(ctx context.Context, groupID string) (*protocol.GroupMetadata, error)
}

// groupEntry is the cached snapshot plus its capture time.
type groupEntry struct {
	Meta       protocol.GroupMetadata `json:"meta"`
	CapturedAt int64                  `json:"capturedAt"`
}

// GroupCache serves group metadata with a bounded staleness window.
// A fresh entry is served directly; a stale entry is refreshed first
// but still served when the refresh fails; only a cold entry forces a
// protocol round-trip.
type GroupCache struct {
	store     cache.Store
	staleness time.Duration
	now       func() time.Time
}

// NewGroupCache creates a group metadata cache.
func NewGroupCache(store cache.Store, staleness time.Duration) *GroupCache {
	if staleness <= 0 {
		staleness = time.Hour
	}
	return &GroupCache{store: store, staleness: staleness, now: time.Now}
}

func groupKey(instance, groupID string) string {
	return "group:" + instance + ":" + groupID
}

// Get returns the group snapshot, fetching through the engine only when
// unavoidable.
func (g *GroupCache) Get(ctx context.Context, instance, groupID string, fetch GroupFetcher) (*protocol.GroupMetadata, error) {
	entry, ok := g.lookup(ctx, instance, groupID)
	if ok && g.now().Unix()-entry.CapturedAt < int64(g.staleness.Seconds()) {
		return &entry.Meta, nil
	}

	if fetch == nil {
		if ok {
			return &entry.Meta, nil
		}
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "GroupCache", "Get", "group "+groupID)
	}

	meta, err := fetch.GroupMetadata(ctx, groupID)
	if err != nil {
		if ok {
			// Serve stale rather than fail the caller
			return &entry.Meta, nil
		}
		return nil, errors.WrapTransient(err, "GroupCache", "Get", "fetch group "+groupID)
	}

	g.Put(ctx, instance, *meta)
	return meta, nil
}

// Put stores a snapshot captured now.
func (g *GroupCache) Put(ctx context.Context, instance string, meta protocol.GroupMetadata) {
	entry := groupEntry{Meta: meta, CapturedAt: g.now().Unix()}
	// Entries outlive the staleness window so a failed refresh can still
	// serve the stale snapshot.
	if data, err := json.Marshal(entry); err == nil {
		g.store.Set(ctx, groupKey(instance, meta.ID), data, 0)
	}
}

// Invalidate drops the entry so the next read refreshes it.
func (g *GroupCache) Invalidate(ctx context.Context, instance, groupID string) {
	g.store.Delete(ctx, groupKey(instance, groupID))
}

func (g *GroupCache) lookup(ctx context.Context, instance, groupID string) (*groupEntry, bool) {
	data, ok := g.store.Get(ctx, groupKey(instance, groupID))
	if !ok {
		return nil, false
	}
	var entry groupEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}
