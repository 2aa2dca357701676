package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

func msg(instance, conv, id string, fromMe bool, status MessageStatus, ts int64) MessageRecord {
	return MessageRecord{
		Instance:  instance,
		Key:       protocol.MessageKey{RemoteJID: conv, FromMe: fromMe, ID: id},
		Type:      "conversation",
		Status:    status,
		Timestamp: ts,
	}
}

func TestMessageRepoUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepo()

	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "ABC", false, StatusPending, 100)))

	rec, ok, err := repo.ByProtocolID(ctx, "acme", "ABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123@net", rec.Key.RemoteJID)

	_, ok, err = repo.ByProtocolID(ctx, "acme", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessageRepoRejectsIncompleteRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepo()
	assert.Error(t, repo.Upsert(ctx, MessageRecord{Instance: "acme"}))
}

func TestMessageRepoStatusAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepo()
	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "ABC", false, StatusPending, 100)))

	require.NoError(t, repo.UpdateStatus(ctx, "acme", "ABC", StatusRead))
	rec, _, err := repo.ByProtocolID(ctx, "acme", "ABC")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, rec.Status)

	require.NoError(t, repo.MarkDeleted(ctx, "acme", "ABC"))
	rec, ok, err := repo.ByProtocolID(ctx, "acme", "ABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Deleted)

	assert.Error(t, repo.UpdateStatus(ctx, "acme", "missing", StatusRead))
}

func TestCountUnread(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepo()

	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "m1", false, StatusPending, 1)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "m2", false, StatusServerAck, 2)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "m3", false, StatusRead, 3)))
	// Outbound and other-conversation messages never count
	require.NoError(t, repo.Upsert(ctx, msg("acme", "123@net", "m4", true, StatusPending, 4)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "456@net", "m5", false, StatusPending, 5)))

	n, err := repo.CountUnread(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Reading m1 drops the counter
	require.NoError(t, repo.UpdateStatus(ctx, "acme", "m1", StatusRead))
	n, err = repo.CountUnread(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Deleted messages never count
	require.NoError(t, repo.MarkDeleted(ctx, "acme", "m2"))
	n, err = repo.CountUnread(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListSinceOrdering(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepo()

	require.NoError(t, repo.Upsert(ctx, msg("acme", "b@net", "m1", false, StatusPending, 300)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "a@net", "m2", false, StatusPending, 200)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "a@net", "m3", false, StatusPending, 100)))
	require.NoError(t, repo.Upsert(ctx, msg("acme", "a@net", "old", false, StatusPending, 10)))

	got, err := repo.ListSince(ctx, "acme", time.Unix(50, 0))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m3", got[0].Key.ID)
	assert.Equal(t, "m2", got[1].Key.ID)
	assert.Equal(t, "m1", got[2].Key.ID)
}

func TestChatRepoUpsertPreservesDerivedState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepo()

	require.NoError(t, repo.Upsert(ctx, ChatRecord{Instance: "acme", ID: "123@net", Name: "Ada"}))
	require.NoError(t, repo.SetUnread(ctx, "acme", "123@net", 3))
	_, err := repo.AddLabel(ctx, "acme", "123@net", "vip")
	require.NoError(t, err)

	// A metadata upsert must not clobber the unread counter or labels
	require.NoError(t, repo.Upsert(ctx, ChatRecord{Instance: "acme", ID: "123@net"}))

	rec, ok, err := repo.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", rec.Name)
	assert.Equal(t, 3, rec.UnreadCount)
	assert.Equal(t, []string{"vip"}, rec.Labels)
}

func TestLabelIdempotence(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryChatRepo()
	require.NoError(t, repo.Upsert(ctx, ChatRecord{Instance: "acme", ID: "123@net"}))

	changed, err := repo.AddLabel(ctx, "acme", "123@net", "vip")
	require.NoError(t, err)
	assert.True(t, changed)

	// Second add of the same label is a no-op
	changed, err = repo.AddLabel(ctx, "acme", "123@net", "vip")
	require.NoError(t, err)
	assert.False(t, changed)

	rec, _, err := repo.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, rec.Labels)

	// Removing an absent label is a no-op
	changed, err = repo.RemoveLabel(ctx, "acme", "123@net", "absent")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.RemoveLabel(ctx, "acme", "123@net", "vip")
	require.NoError(t, err)
	assert.True(t, changed)

	rec, _, err = repo.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Empty(t, rec.Labels)
}

func TestContactRepoMerges(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryContactRepo()

	require.NoError(t, repo.Upsert(ctx, ContactRecord{Instance: "acme", ID: "123@net", Name: "Ada", ProfilePicURL: "https://pic"}))
	require.NoError(t, repo.Upsert(ctx, ContactRecord{Instance: "acme", ID: "123@net"}))

	rec, ok, err := repo.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", rec.Name)
	assert.Equal(t, "https://pic", rec.ProfilePicURL)
}

func TestStatusFromProtocol(t *testing.T) {
	assert.Equal(t, StatusRead, StatusFromProtocol(protocol.StatusRead))
	assert.Equal(t, StatusDeliveryAck, StatusFromProtocol(protocol.StatusDeliveryAck))
	assert.Equal(t, StatusPending, StatusFromProtocol(protocol.StatusCode(42)))
}

func TestFingerprint(t *testing.T) {
	rec := msg("acme", "123@net", "ABC", false, StatusPending, 1)
	assert.Equal(t, "acme:ABC", rec.Fingerprint())
}
