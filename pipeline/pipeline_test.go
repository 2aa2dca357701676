package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/collab"
	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/pkg/cache"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
	"github.com/EvolutionAPI/evolution-gateway/store"
)

type published struct {
	event string
	data  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Dispatch(_ context.Context, _ config.Snapshot, event, _ string, data any) {
	f.mu.Lock()
	f.events = append(f.events, published{event: event, data: data})
	f.mu.Unlock()
}

func (f *fakePublisher) byEvent(event string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.events {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

type fakeOffers struct {
	mu     sync.Mutex
	offers []collab.Offer
}

func (f *fakeOffers) Offer(o collab.Offer) {
	f.mu.Lock()
	f.offers = append(f.offers, o)
	f.mu.Unlock()
}

func (f *fakeOffers) all() []collab.Offer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]collab.Offer(nil), f.offers...)
}

type fakeGroupFetcher struct {
	meta  *protocol.GroupMetadata
	err   error
	calls int
}

func (f *fakeGroupFetcher) GroupMetadata(context.Context, string) (*protocol.GroupMetadata, error) {
	f.calls++
	return f.meta, f.err
}

type fixture struct {
	pipeline  *Pipeline
	repos     store.Repos
	publisher *fakePublisher
	offers    *fakeOffers
	snap      config.Snapshot
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mem := cache.NewMemory(context.Background())
	t.Cleanup(func() { mem.Close() })

	repos := store.NewMemoryRepos()
	publisher := &fakePublisher{}
	offers := &fakeOffers{}
	return &fixture{
		pipeline:  New(repos, mem, publisher, offers, opts, nil, nil),
		repos:     repos,
		publisher: publisher,
		offers:    offers,
		snap:      config.Snapshot{InstanceName: "acme"},
	}
}

func inbound(id, conv string, status protocol.StatusCode, ts int64) protocol.Message {
	return protocol.Message{
		Key:       protocol.MessageKey{RemoteJID: conv, FromMe: false, ID: id},
		Type:      "conversation",
		Status:    status,
		Timestamp: ts,
	}
}

func (fx *fixture) handle(t *testing.T, cb protocol.Callback) {
	t.Helper()
	require.NoError(t, fx.pipeline.Handle(context.Background(), fx.snap, "owner@net", nil, cb))
}

func TestDedupExactlyOnce(t *testing.T) {
	fx := newFixture(t, Options{})
	msg := inbound("ABC", "123@net", protocol.StatusPending, 100)

	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{msg}})
	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{msg}})

	assert.Len(t, fx.publisher.byEvent("messages.upsert"), 1,
		"a replayed message must not produce a second dispatcher event")

	rec, ok, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "ABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusPending, rec.Status)
}

func TestStatusUpdatesNeverSuppressed(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("ABC", "123@net", protocol.StatusServerAck, 100),
	}})

	// Read receipt arrives while the dedup entry is still live
	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{
		{Key: protocol.MessageKey{RemoteJID: "123@net", ID: "ABC"}, Status: protocol.StatusRead},
	}})

	rec, _, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "ABC")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, rec.Status)
	assert.Len(t, fx.publisher.byEvent("messages.update"), 1)
}

func TestStatusMonotonic(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("ABC", "123@net", protocol.StatusServerAck, 100),
	}})

	key := protocol.MessageKey{RemoteJID: "123@net", ID: "ABC"}
	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{{Key: key, Status: protocol.StatusRead}}})
	// Replayed "sent" after "read" must not regress the canonical status
	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{{Key: key, Status: protocol.StatusServerAck}}})

	rec, _, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "ABC")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, rec.Status)

	// Both edits leave an audit side record
	mem := fx.repos.Messages.(*store.MemoryMessageRepo)
	assert.Len(t, mem.StatusRecords(), 2)
}

func TestUnreadCounterRecomputed(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("m1", "123@net", protocol.StatusPending, 1),
		inbound("m2", "123@net", protocol.StatusPending, 2),
	}})

	chat, ok, err := fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, chat.UnreadCount)

	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{
		{Key: protocol.MessageKey{RemoteJID: "123@net", ID: "m1"}, Status: protocol.StatusRead},
	}})

	chat, _, err = fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.UnreadCount)

	// An update that does not change the counter emits no chat event
	before := len(fx.publisher.byEvent("chats.update"))
	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{
		{Key: protocol.MessageKey{RemoteJID: "123@net", ID: "m1"}, Status: protocol.StatusPlayed},
	}})
	assert.Len(t, fx.publisher.byEvent("chats.update"), before)
}

func TestMarkReadClearsUnread(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("m1", "123@net", protocol.StatusPending, 1),
		inbound("m2", "123@net", protocol.StatusPending, 2),
	}})

	count, err := fx.pipeline.MarkRead(ctx, fx.snap, "123@net")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	chat, _, err := fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)

	rec, _, err := fx.repos.Messages.ByProtocolID(ctx, "acme", "m1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, rec.Status)

	// Already-read conversations are a no-op
	count, err = fx.pipeline.MarkRead(ctx, fx.snap, "123@net")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGroupsIgnoreSkipsGroupMessages(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.snap.Behavior.GroupsIgnore = true

	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("g1", "999@g.us", protocol.StatusPending, 1),
	}})

	assert.Empty(t, fx.publisher.byEvent("messages.upsert"))
	_, ok, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBotOnlyOfferedGenuineInbound(t *testing.T) {
	fx := newFixture(t, Options{})

	reaction := inbound("r1", "123@net", protocol.StatusPending, 1)
	reaction.Type = "reactionMessage"
	outbound := inbound("o1", "123@net", protocol.StatusPending, 2)
	outbound.Key.FromMe = true
	genuine := inbound("i1", "123@net", protocol.StatusPending, 3)

	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{reaction, outbound, genuine}})

	byID := map[string]bool{}
	for _, o := range fx.offers.all() {
		if o.Record != nil {
			byID[o.Record.Key.ID] = o.Inbound
		}
	}
	assert.False(t, byID["r1"])
	assert.False(t, byID["o1"])
	assert.True(t, byID["i1"])
}

func TestMessageDeletion(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("m1", "123@net", protocol.StatusPending, 1),
	}})

	fx.handle(t, protocol.MessagesUpdated{Updates: []protocol.MessageUpdate{
		{Key: protocol.MessageKey{RemoteJID: "123@net", ID: "m1"}, Deleted: true},
	}})

	rec, ok, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Deleted)
	assert.Len(t, fx.publisher.byEvent("messages.delete"), 1)

	// A deleted inbound message leaves the unread counter
	chat, _, err := fx.repos.Chats.Get(context.Background(), "acme", "123@net")
	require.NoError(t, err)
	assert.Zero(t, chat.UnreadCount)
}

func TestLabelAssociationIdempotent(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, fx.repos.Chats.Upsert(ctx, store.ChatRecord{Instance: "acme", ID: "123@net"}))

	add := protocol.LabelsAssociated{ConversationID: "123@net", LabelID: "vip", Added: true}
	fx.handle(t, add)
	fx.handle(t, add)

	chat, _, err := fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, chat.Labels)

	fx.handle(t, protocol.LabelsAssociated{ConversationID: "123@net", LabelID: "absent", Added: false})
	chat, _, err = fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, chat.Labels)
}

func TestChatAndContactEvents(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	fx.handle(t, protocol.ChatsUpserted{Chats: []protocol.Chat{{ID: "123@net", Name: "Ada"}}})
	fx.handle(t, protocol.ContactsUpserted{Contacts: []protocol.Contact{{ID: "123@net", Name: "Ada"}}})
	fx.handle(t, protocol.ChatsDeleted{IDs: []string{"123@net"}})

	assert.Len(t, fx.publisher.byEvent("chats.upsert"), 1)
	assert.Len(t, fx.publisher.byEvent("contacts.upsert"), 1)
	assert.Len(t, fx.publisher.byEvent("chats.delete"), 1)

	_, ok, err := fx.repos.Chats.Get(ctx, "acme", "123@net")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParticipantsUpdateRefreshesGroupCache(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	stale := protocol.GroupMetadata{ID: "g@g.us", Subject: "old", Participants: []string{"a"}}
	fx.handle(t, protocol.GroupsUpserted{Groups: []protocol.GroupMetadata{stale}})

	fetcher := &fakeGroupFetcher{meta: &protocol.GroupMetadata{ID: "g@g.us", Subject: "new", Participants: []string{"a", "b"}}}
	require.NoError(t, fx.pipeline.Handle(ctx, fx.snap, "owner@net", fetcher,
		protocol.ParticipantsUpdated{GroupID: "g@g.us", Action: "add", Participants: []string{"b"}}))

	assert.Equal(t, 1, fetcher.calls)

	meta, err := fx.pipeline.Groups().Get(ctx, "acme", "g@g.us", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", meta.Subject)
	assert.Len(t, fx.publisher.byEvent("group-participants.update"), 1)
}

func TestHistorySetImport(t *testing.T) {
	fx := newFixture(t, Options{CRMImportDayLimit: 60})
	fx.snap.CRMEnabled = true
	now := time.Now()

	old := inbound("old", "a@net", protocol.StatusRead, now.AddDate(0, 0, -90).Unix())
	recent1 := inbound("r1", "b@net", protocol.StatusRead, now.AddDate(0, 0, -1).Unix())
	recent2 := inbound("r2", "a@net", protocol.StatusRead, now.AddDate(0, 0, -2).Unix())

	fx.handle(t, protocol.HistorySet{
		Chats:    []protocol.Chat{{ID: "a@net"}, {ID: "b@net"}},
		Contacts: []protocol.Contact{{ID: "a@net", Name: "Ada"}},
		Messages: []protocol.Message{old, recent1, recent2},
	})

	ctx := context.Background()

	// Messages past the day limit are dropped before import
	_, ok, err := fx.repos.Messages.ByProtocolID(ctx, "acme", "old")
	require.NoError(t, err)
	assert.False(t, ok)

	// Import order is (conversation, timestamp) ascending
	events := fx.publisher.byEvent("messaging-history.set")
	require.Len(t, events, 1)
	payload := events[0].data.(map[string]any)
	imported := payload["messages"].([]store.MessageRecord)
	require.Len(t, imported, 2)
	assert.Equal(t, "r2", imported[0].Key.ID)
	assert.Equal(t, "r1", imported[1].Key.ID)
}

func TestHistorySetKeepsOldWithoutCRM(t *testing.T) {
	fx := newFixture(t, Options{CRMImportDayLimit: 60})
	// CRM disabled for this tenant; no cutoff applies
	old := inbound("old", "a@net", protocol.StatusRead, time.Now().AddDate(0, 0, -90).Unix())

	fx.handle(t, protocol.HistorySet{Messages: []protocol.Message{old}})

	_, ok, err := fx.repos.Messages.ByProtocolID(context.Background(), "acme", "old")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMessageByID(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.handle(t, protocol.MessagesUpserted{Messages: []protocol.Message{
		inbound("ABC", "123@net", protocol.StatusPending, 100),
	}})

	msg, err := fx.pipeline.MessageByID(context.Background(), "acme", "ABC")
	require.NoError(t, err)
	assert.Equal(t, "123@net", msg.Key.RemoteJID)

	_, err = fx.pipeline.MessageByID(context.Background(), "acme", "missing")
	assert.Error(t, err)
}

func TestLifecycleCallbacksRejected(t *testing.T) {
	fx := newFixture(t, Options{})
	err := fx.pipeline.Handle(context.Background(), fx.snap, "", nil, protocol.ConnectionUpdate{State: protocol.StateOpen})
	assert.Error(t, err)
}
