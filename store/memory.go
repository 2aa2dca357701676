package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/errors"
)

type messageKey struct {
	instance string
	id       string
}

// MemoryMessageRepo is the in-memory MessageRepo.
type MemoryMessageRepo struct {
	mu            sync.RWMutex
	records       map[messageKey]MessageRecord
	statusRecords []StatusRecord
}

// NewMemoryMessageRepo creates an empty in-memory message repository.
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		records: make(map[messageKey]MessageRecord),
	}
}

// Upsert inserts or replaces a record.
func (r *MemoryMessageRepo) Upsert(_ context.Context, rec MessageRecord) error {
	if rec.Instance == "" || rec.Key.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryMessageRepo", "Upsert", "instance and message id required")
	}

	r.mu.Lock()
	r.records[messageKey{rec.Instance, rec.Key.ID}] = rec
	r.mu.Unlock()
	return nil
}

// ByProtocolID looks up a record by protocol message id.
func (r *MemoryMessageRepo) ByProtocolID(_ context.Context, instance, id string) (*MessageRecord, bool, error) {
	r.mu.RLock()
	rec, ok := r.records[messageKey{instance, id}]
	r.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// UpdateStatus sets the canonical status for a record.
func (r *MemoryMessageRepo) UpdateStatus(_ context.Context, instance, id string, status MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := messageKey{instance, id}
	rec, ok := r.records[key]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryMessageRepo", "UpdateStatus", "message "+id)
	}
	rec.Status = status
	r.records[key] = rec
	return nil
}

// SetExternalRef stores a collaborator reference on a record.
func (r *MemoryMessageRepo) SetExternalRef(_ context.Context, instance, id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := messageKey{instance, id}
	rec, ok := r.records[key]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryMessageRepo", "SetExternalRef", "message "+id)
	}
	rec.ExternalRef = ref
	r.records[key] = rec
	return nil
}

// MarkDeleted applies a logical delete.
func (r *MemoryMessageRepo) MarkDeleted(_ context.Context, instance, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := messageKey{instance, id}
	rec, ok := r.records[key]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryMessageRepo", "MarkDeleted", "message "+id)
	}
	rec.Deleted = true
	r.records[key] = rec
	return nil
}

// InsertStatusRecord appends a status side record.
func (r *MemoryMessageRepo) InsertStatusRecord(_ context.Context, rec StatusRecord) error {
	r.mu.Lock()
	r.statusRecords = append(r.statusRecords, rec)
	r.mu.Unlock()
	return nil
}

// StatusRecords returns a copy of the accumulated side records. Test
// helper; the pipeline never reads these back.
func (r *MemoryMessageRepo) StatusRecords() []StatusRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.statusRecords)
}

// CountUnread counts inbound, non-deleted messages below DELIVERY_ACK.
func (r *MemoryMessageRepo) CountUnread(_ context.Context, instance, conversationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rec := range r.records {
		if rec.Instance == instance &&
			rec.Key.RemoteJID == conversationID &&
			!rec.Key.FromMe &&
			!rec.Deleted &&
			rec.Status < StatusDeliveryAck {
			count++
		}
	}
	return count, nil
}

// MarkConversationRead promotes inbound, non-deleted messages below READ
// to READ.
func (r *MemoryMessageRepo) MarkConversationRead(_ context.Context, instance, conversationID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for key, rec := range r.records {
		if rec.Instance == instance &&
			rec.Key.RemoteJID == conversationID &&
			!rec.Key.FromMe &&
			!rec.Deleted &&
			rec.Status < StatusRead {
			rec.Status = StatusRead
			r.records[key] = rec
			changed = append(changed, rec.Key.ID)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// ListSince returns records newer than cutoff ordered by (conversation,
// timestamp) ascending.
func (r *MemoryMessageRepo) ListSince(_ context.Context, instance string, cutoff time.Time) ([]MessageRecord, error) {
	r.mu.RLock()
	out := make([]MessageRecord, 0)
	for _, rec := range r.records {
		if rec.Instance == instance && !rec.Deleted && rec.Timestamp >= cutoff.Unix() {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.RemoteJID != out[j].Key.RemoteJID {
			return out[i].Key.RemoteJID < out[j].Key.RemoteJID
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out, nil
}

type chatKey struct {
	instance string
	id       string
}

// MemoryChatRepo is the in-memory ChatRepo.
type MemoryChatRepo struct {
	mu    sync.RWMutex
	chats map[chatKey]ChatRecord
}

// NewMemoryChatRepo creates an empty in-memory chat repository.
func NewMemoryChatRepo() *MemoryChatRepo {
	return &MemoryChatRepo{chats: make(map[chatKey]ChatRecord)}
}

// Upsert inserts or merges a chat record. An upsert never clobbers the
// derived unread counter with a zero value.
func (r *MemoryChatRepo) Upsert(_ context.Context, rec ChatRecord) error {
	if rec.Instance == "" || rec.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryChatRepo", "Upsert", "instance and chat id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey{rec.Instance, rec.ID}
	if existing, ok := r.chats[key]; ok {
		if rec.Name == "" {
			rec.Name = existing.Name
		}
		rec.UnreadCount = existing.UnreadCount
		rec.Labels = existing.Labels
	}
	r.chats[key] = rec
	return nil
}

// Get looks up a chat record.
func (r *MemoryChatRepo) Get(_ context.Context, instance, id string) (*ChatRecord, bool, error) {
	r.mu.RLock()
	rec, ok := r.chats[chatKey{instance, id}]
	r.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	rec.Labels = slices.Clone(rec.Labels)
	return &rec, true, nil
}

// SetUnread persists a recomputed unread counter.
func (r *MemoryChatRepo) SetUnread(_ context.Context, instance, id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey{instance, id}
	rec, ok := r.chats[key]
	if !ok {
		rec = ChatRecord{Instance: instance, ID: id}
	}
	rec.UnreadCount = count
	r.chats[key] = rec
	return nil
}

// Delete removes a chat record.
func (r *MemoryChatRepo) Delete(_ context.Context, instance, id string) error {
	r.mu.Lock()
	delete(r.chats, chatKey{instance, id})
	r.mu.Unlock()
	return nil
}

// AddLabel attaches a label. Adding a present label is a no-op.
func (r *MemoryChatRepo) AddLabel(_ context.Context, instance, id, label string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey{instance, id}
	rec, ok := r.chats[key]
	if !ok {
		rec = ChatRecord{Instance: instance, ID: id}
	}
	if slices.Contains(rec.Labels, label) {
		return false, nil
	}
	rec.Labels = append(slices.Clone(rec.Labels), label)
	r.chats[key] = rec
	return true, nil
}

// RemoveLabel detaches a label. Removing an absent label is a no-op.
func (r *MemoryChatRepo) RemoveLabel(_ context.Context, instance, id, label string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey{instance, id}
	rec, ok := r.chats[key]
	if !ok {
		return false, nil
	}
	idx := slices.Index(rec.Labels, label)
	if idx < 0 {
		return false, nil
	}
	rec.Labels = slices.Delete(slices.Clone(rec.Labels), idx, idx+1)
	r.chats[key] = rec
	return true, nil
}

// MemoryContactRepo is the in-memory ContactRepo.
type MemoryContactRepo struct {
	mu       sync.RWMutex
	contacts map[chatKey]ContactRecord
}

// NewMemoryContactRepo creates an empty in-memory contact repository.
func NewMemoryContactRepo() *MemoryContactRepo {
	return &MemoryContactRepo{contacts: make(map[chatKey]ContactRecord)}
}

// Upsert inserts or merges a contact record.
func (r *MemoryContactRepo) Upsert(_ context.Context, rec ContactRecord) error {
	if rec.Instance == "" || rec.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryContactRepo", "Upsert", "instance and contact id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey{rec.Instance, rec.ID}
	if existing, ok := r.contacts[key]; ok {
		if rec.Name == "" {
			rec.Name = existing.Name
		}
		if rec.ProfilePicURL == "" {
			rec.ProfilePicURL = existing.ProfilePicURL
		}
	}
	r.contacts[key] = rec
	return nil
}

// Get looks up a contact record.
func (r *MemoryContactRepo) Get(_ context.Context, instance, id string) (*ContactRecord, bool, error) {
	r.mu.RLock()
	rec, ok := r.contacts[chatKey{instance, id}]
	r.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

var (
	_ MessageRepo = (*MemoryMessageRepo)(nil)
	_ ChatRepo    = (*MemoryChatRepo)(nil)
	_ ContactRepo = (*MemoryContactRepo)(nil)
)
