package store

import (
	"context"
	"time"
)

// MessageRepo persists canonical message records.
type MessageRepo interface {
	// Upsert inserts or replaces a record keyed by (instance, message id).
	Upsert(ctx context.Context, rec MessageRecord) error

	// ByProtocolID looks up a record by its protocol message id.
	ByProtocolID(ctx context.Context, instance, protocolMessageID string) (*MessageRecord, bool, error)

	// UpdateStatus sets the canonical status for a record.
	UpdateStatus(ctx context.Context, instance, protocolMessageID string, status MessageStatus) error

	// SetExternalRef stores a collaborator's external reference alongside
	// the record.
	SetExternalRef(ctx context.Context, instance, protocolMessageID, ref string) error

	// MarkDeleted applies a logical delete. The record remains readable.
	MarkDeleted(ctx context.Context, instance, protocolMessageID string) error

	// InsertStatusRecord appends a status-update side record.
	InsertStatusRecord(ctx context.Context, rec StatusRecord) error

	// CountUnread returns the number of inbound, non-deleted messages in
	// the conversation whose status is strictly below DELIVERY_ACK.
	CountUnread(ctx context.Context, instance, conversationID string) (int, error)

	// MarkConversationRead promotes every inbound, non-deleted message in
	// the conversation with status below READ to READ. It returns the
	// protocol ids of the records it changed.
	MarkConversationRead(ctx context.Context, instance, conversationID string) ([]string, error)

	// ListSince returns non-deleted records newer than the cutoff,
	// ordered by (conversation, timestamp) ascending. Used for history
	// import.
	ListSince(ctx context.Context, instance string, cutoff time.Time) ([]MessageRecord, error)
}

// ChatRepo persists per-conversation metadata.
type ChatRepo interface {
	Upsert(ctx context.Context, rec ChatRecord) error
	Get(ctx context.Context, instance, id string) (*ChatRecord, bool, error)
	SetUnread(ctx context.Context, instance, id string, count int) error
	Delete(ctx context.Context, instance, id string) error

	// AddLabel and RemoveLabel are idempotent set operations. They return
	// true only when the label set actually changed.
	AddLabel(ctx context.Context, instance, id, label string) (bool, error)
	RemoveLabel(ctx context.Context, instance, id, label string) (bool, error)
}

// ContactRepo persists directory entries.
type ContactRepo interface {
	Upsert(ctx context.Context, rec ContactRecord) error
	Get(ctx context.Context, instance, id string) (*ContactRecord, bool, error)
}

// Repos bundles the repositories handed to the pipeline.
type Repos struct {
	Messages MessageRepo
	Chats    ChatRepo
	Contacts ContactRepo
}

// NewMemoryRepos returns a Repos backed entirely by in-memory stores.
func NewMemoryRepos() Repos {
	return Repos{
		Messages: NewMemoryMessageRepo(),
		Chats:    NewMemoryChatRepo(),
		Contacts: NewMemoryContactRepo(),
	}
}
