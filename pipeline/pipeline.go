// Package pipeline normalizes protocol callbacks into canonical records,
// enforces the dedup and unread-counter invariants, and hands the
// results to the dispatcher and the automation collaborators.
//
// One Pipeline instance serves every tenant; per-tenant ordering comes
// from the supervisor delivering each tenant's callbacks sequentially.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/collab"
	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pkg/cache"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
	"github.com/EvolutionAPI/evolution-gateway/store"
)

// Publisher is the dispatcher contract the pipeline publishes through.
type Publisher interface {
	Dispatch(ctx context.Context, snap config.Snapshot, event, sender string, data any)
}

// Offers is the collaborator intake the pipeline offers records to.
type Offers interface {
	Offer(offer collab.Offer)
}

// Options carries pipeline tunables.
type Options struct {
	// DedupTTL bounds the at-most-once ingestion window.
	DedupTTL time.Duration
	// GroupCacheTTL is the group metadata staleness window.
	GroupCacheTTL time.Duration
	// CRMImportDayLimit drops history messages older than this many days
	// when the CRM collaborator is enabled. Zero disables the cutoff.
	CRMImportDayLimit int
}

// Pipeline is the ingestion pipeline.
type Pipeline struct {
	repos     store.Repos
	dedup     cache.Store
	groups    *GroupCache
	publisher Publisher
	offers    Offers
	opts      Options
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates the pipeline. The offers sink may be nil when no
// collaborator is configured.
func New(repos store.Repos, dedup cache.Store, publisher Publisher, offers Offers, opts Options, metrics *metric.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 30 * time.Minute
	}
	return &Pipeline{
		repos:     repos,
		dedup:     dedup,
		groups:    NewGroupCache(dedup, opts.GroupCacheTTL),
		publisher: publisher,
		offers:    offers,
		opts:      opts,
		metrics:   metrics,
		logger:    logger.With("component", "pipeline"),
		now:       time.Now,
	}
}

// Groups exposes the group metadata cache for readers outside the
// callback path.
func (p *Pipeline) Groups() *GroupCache {
	return p.groups
}

// Handle processes one callback. Errors are returned for logging but the
// caller keeps its loop running; one malformed event never halts a
// tenant.
func (p *Pipeline) Handle(ctx context.Context, snap config.Snapshot, sender string, groups GroupFetcher, cb protocol.Callback) error {
	category := cb.Kind().String()
	start := p.now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordIngestDuration(category, time.Since(start))
		}
	}()
	if p.metrics != nil {
		p.metrics.RecordCallback(snap.InstanceName, category)
	}

	var err error
	switch c := cb.(type) {
	case protocol.MessagesUpserted:
		err = p.messagesUpserted(ctx, snap, sender, c)
	case protocol.MessagesUpdated:
		err = p.messagesUpdated(ctx, snap, sender, c)
	case protocol.ChatsUpserted:
		err = p.chatsUpserted(ctx, snap, sender, c.Chats, "chats.upsert")
	case protocol.ChatsUpdated:
		err = p.chatsUpserted(ctx, snap, sender, c.Chats, "chats.update")
	case protocol.ChatsDeleted:
		err = p.chatsDeleted(ctx, snap, sender, c)
	case protocol.ContactsUpserted:
		err = p.contactsUpserted(ctx, snap, sender, c.Contacts, "contacts.upsert")
	case protocol.ContactsUpdated:
		err = p.contactsUpserted(ctx, snap, sender, c.Contacts, "contacts.update")
	case protocol.GroupsUpserted:
		err = p.groupsUpserted(ctx, snap, sender, c.Groups, "groups.upsert")
	case protocol.GroupsUpdated:
		err = p.groupsUpserted(ctx, snap, sender, c.Groups, "groups.update")
	case protocol.ParticipantsUpdated:
		err = p.participantsUpdated(ctx, snap, sender, groups, c)
	case protocol.LabelsEdited:
		err = p.labelsEdited(ctx, snap, sender, c)
	case protocol.LabelsAssociated:
		err = p.labelsAssociated(ctx, snap, sender, c)
	case protocol.HistorySet:
		err = p.historySet(ctx, snap, sender, c)
	case protocol.ConnectionUpdate, protocol.QRIssued:
		// Lifecycle callbacks belong to the supervisor
		err = errors.WrapInvalid(errors.ErrInvalidData, "Pipeline", "Handle", "lifecycle callback "+category)
	}

	if err != nil && p.metrics != nil {
		p.metrics.RecordIngestError(snap.InstanceName, category)
	}
	return err
}

func isGroupConversation(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

func dedupKey(fingerprint string) string {
	return "dedup:" + fingerprint
}

func (p *Pipeline) messagesUpserted(ctx context.Context, snap config.Snapshot, sender string, cb protocol.MessagesUpserted) error {
	var firstErr error
	for _, msg := range cb.Messages {
		if snap.Behavior.GroupsIgnore && isGroupConversation(msg.Key.RemoteJID) {
			continue
		}

		fp := store.Fingerprint(snap.InstanceName, msg.Key.ID)
		if p.dedup.Has(ctx, dedupKey(fp)) {
			if p.metrics != nil {
				p.metrics.RecordDedupHit(snap.InstanceName)
			}
			continue
		}
		p.dedup.Set(ctx, dedupKey(fp), []byte{1}, p.opts.DedupTTL)

		rec := store.MessageRecord{
			Instance:  snap.InstanceName,
			Key:       msg.Key,
			PushName:  msg.PushName,
			Type:      msg.Type,
			Content:   msg.Content,
			Status:    store.StatusFromProtocol(msg.Status),
			Timestamp: msg.Timestamp,
		}
		if err := p.repos.Messages.Upsert(ctx, rec); err != nil {
			firstErr = coalesce(firstErr, err)
			continue
		}

		if err := p.reconcileChat(ctx, snap, sender, msg.Key.RemoteJID, msg.PushName); err != nil {
			firstErr = coalesce(firstErr, err)
		}

		p.publisher.Dispatch(ctx, snap, "messages.upsert", sender, rec)

		if p.offers != nil {
			p.offers.Offer(collab.Offer{
				Event:          "messages.upsert",
				Snapshot:       snap,
				ConversationID: msg.Key.RemoteJID,
				Payload:        rec,
				Record:         &rec,
				Inbound:        !msg.Key.FromMe && !msg.IsReaction(),
			})
		}
	}
	return firstErr
}

func (p *Pipeline) messagesUpdated(ctx context.Context, snap config.Snapshot, sender string, cb protocol.MessagesUpdated) error {
	var firstErr error
	for _, upd := range cb.Updates {
		rec, ok, err := p.repos.Messages.ByProtocolID(ctx, snap.InstanceName, upd.Key.ID)
		if err != nil {
			firstErr = coalesce(firstErr, err)
			continue
		}
		if !ok {
			p.logger.Debug("status update for unknown message",
				"instance", snap.InstanceName, "message", upd.Key.ID)
			continue
		}

		if upd.Deleted {
			if err := p.repos.Messages.MarkDeleted(ctx, snap.InstanceName, upd.Key.ID); err != nil {
				firstErr = coalesce(firstErr, err)
				continue
			}
			rec.Deleted = true
			p.publisher.Dispatch(ctx, snap, "messages.delete", sender, rec)
			if err := p.reconcileChat(ctx, snap, sender, rec.Key.RemoteJID, ""); err != nil {
				firstErr = coalesce(firstErr, err)
			}
			p.offerStatus(snap, "messages.delete", rec)
			continue
		}

		newStatus := store.StatusFromProtocol(upd.Status)

		// Side record is written for every status edit, regressions
		// included; the canonical status only moves forward.
		if err := p.repos.Messages.InsertStatusRecord(ctx, store.StatusRecord{
			Instance:  snap.InstanceName,
			MessageID: upd.Key.ID,
			Status:    newStatus,
			Timestamp: p.now().Unix(),
		}); err != nil {
			firstErr = coalesce(firstErr, err)
		}

		if newStatus > rec.Status {
			if err := p.repos.Messages.UpdateStatus(ctx, snap.InstanceName, upd.Key.ID, newStatus); err != nil {
				firstErr = coalesce(firstErr, err)
				continue
			}
			rec.Status = newStatus
		}

		p.publisher.Dispatch(ctx, snap, "messages.update", sender, rec)

		if !rec.Key.FromMe {
			if err := p.reconcileChat(ctx, snap, sender, rec.Key.RemoteJID, ""); err != nil {
				firstErr = coalesce(firstErr, err)
			}
		}
		p.offerStatus(snap, "messages.update", rec)
	}
	return firstErr
}

// offerStatus forwards status events to the CRM bridge only; the bot
// engine sees genuine inbound content exclusively.
func (p *Pipeline) offerStatus(snap config.Snapshot, event string, rec *store.MessageRecord) {
	if p.offers == nil {
		return
	}
	p.offers.Offer(collab.Offer{
		Event:          event,
		Snapshot:       snap,
		ConversationID: rec.Key.RemoteJID,
		Payload:        *rec,
		Record:         rec,
	})
}

// reconcileChat recomputes the conversation's unread counter from
// persisted state and emits a chat event only when something changed.
func (p *Pipeline) reconcileChat(ctx context.Context, snap config.Snapshot, sender, conversationID, name string) error {
	count, err := p.repos.Messages.CountUnread(ctx, snap.InstanceName, conversationID)
	if err != nil {
		return err
	}

	existing, found, err := p.repos.Chats.Get(ctx, snap.InstanceName, conversationID)
	if err != nil {
		return err
	}

	if !found {
		rec := store.ChatRecord{
			Instance:    snap.InstanceName,
			ID:          conversationID,
			Name:        name,
			UnreadCount: count,
		}
		if err := p.repos.Chats.Upsert(ctx, rec); err != nil {
			return err
		}
		p.publisher.Dispatch(ctx, snap, "chats.upsert", sender, rec)
		return nil
	}

	if existing.UnreadCount == count {
		return nil
	}
	if err := p.repos.Chats.SetUnread(ctx, snap.InstanceName, conversationID, count); err != nil {
		return err
	}
	existing.UnreadCount = count
	p.publisher.Dispatch(ctx, snap, "chats.update", sender, *existing)
	return nil
}

func (p *Pipeline) chatsUpserted(ctx context.Context, snap config.Snapshot, sender string, chats []protocol.Chat, event string) error {
	var firstErr error
	records := make([]store.ChatRecord, 0, len(chats))
	for _, chat := range chats {
		rec := store.ChatRecord{
			Instance: snap.InstanceName,
			ID:       chat.ID,
			Name:     chat.Name,
		}
		if err := p.repos.Chats.Upsert(ctx, rec); err != nil {
			firstErr = coalesce(firstErr, err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) > 0 {
		p.publisher.Dispatch(ctx, snap, event, sender, records)
	}
	return firstErr
}

func (p *Pipeline) chatsDeleted(ctx context.Context, snap config.Snapshot, sender string, cb protocol.ChatsDeleted) error {
	var firstErr error
	for _, id := range cb.IDs {
		if err := p.repos.Chats.Delete(ctx, snap.InstanceName, id); err != nil {
			firstErr = coalesce(firstErr, err)
		}
	}
	if len(cb.IDs) > 0 {
		p.publisher.Dispatch(ctx, snap, "chats.delete", sender, cb.IDs)
	}
	return firstErr
}

func (p *Pipeline) contactsUpserted(ctx context.Context, snap config.Snapshot, sender string, contacts []protocol.Contact, event string) error {
	var firstErr error
	records := make([]store.ContactRecord, 0, len(contacts))
	for _, contact := range contacts {
		rec := store.ContactRecord{
			Instance:      snap.InstanceName,
			ID:            contact.ID,
			Name:          contact.Name,
			ProfilePicURL: contact.ProfilePicURL,
		}
		if err := p.repos.Contacts.Upsert(ctx, rec); err != nil {
			firstErr = coalesce(firstErr, err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) > 0 {
		p.publisher.Dispatch(ctx, snap, event, sender, records)
		if p.offers != nil {
			p.offers.Offer(collab.Offer{Event: event, Snapshot: snap, Payload: records})
		}
	}
	return firstErr
}

func (p *Pipeline) groupsUpserted(ctx context.Context, snap config.Snapshot, sender string, groups []protocol.GroupMetadata, event string) error {
	for _, group := range groups {
		p.groups.Put(ctx, snap.InstanceName, group)
	}
	if len(groups) > 0 {
		p.publisher.Dispatch(ctx, snap, event, sender, groups)
	}
	return nil
}

func (p *Pipeline) participantsUpdated(ctx context.Context, snap config.Snapshot, sender string, fetch GroupFetcher, cb protocol.ParticipantsUpdated) error {
	// Membership changed; the cached snapshot is wrong. Refresh it now
	// when the engine is reachable, otherwise leave it cold.
	p.groups.Invalidate(ctx, snap.InstanceName, cb.GroupID)
	if fetch != nil {
		if meta, err := fetch.GroupMetadata(ctx, cb.GroupID); err == nil {
			p.groups.Put(ctx, snap.InstanceName, *meta)
		} else {
			p.logger.Debug("group refresh failed",
				"instance", snap.InstanceName, "group", cb.GroupID, "error", err)
		}
	}

	p.publisher.Dispatch(ctx, snap, "group-participants.update", sender, cb)
	return nil
}

func (p *Pipeline) labelsEdited(ctx context.Context, snap config.Snapshot, sender string, cb protocol.LabelsEdited) error {
	p.publisher.Dispatch(ctx, snap, "labels.edit", sender, cb)
	return nil
}

func (p *Pipeline) labelsAssociated(ctx context.Context, snap config.Snapshot, sender string, cb protocol.LabelsAssociated) error {
	var err error
	if cb.Added {
		_, err = p.repos.Chats.AddLabel(ctx, snap.InstanceName, cb.ConversationID, cb.LabelID)
	} else {
		_, err = p.repos.Chats.RemoveLabel(ctx, snap.InstanceName, cb.ConversationID, cb.LabelID)
	}
	if err != nil {
		return err
	}

	p.publisher.Dispatch(ctx, snap, "labels.association", sender, cb)
	return nil
}

func (p *Pipeline) historySet(ctx context.Context, snap config.Snapshot, sender string, cb protocol.HistorySet) error {
	var firstErr error

	for _, chat := range cb.Chats {
		err := p.repos.Chats.Upsert(ctx, store.ChatRecord{
			Instance: snap.InstanceName,
			ID:       chat.ID,
			Name:     chat.Name,
		})
		firstErr = coalesce(firstErr, err)
	}
	for _, contact := range cb.Contacts {
		err := p.repos.Contacts.Upsert(ctx, store.ContactRecord{
			Instance:      snap.InstanceName,
			ID:            contact.ID,
			Name:          contact.Name,
			ProfilePicURL: contact.ProfilePicURL,
		})
		firstErr = coalesce(firstErr, err)
	}

	messages := cb.Messages
	if snap.CRMEnabled && p.opts.CRMImportDayLimit > 0 {
		cutoff := p.now().AddDate(0, 0, -p.opts.CRMImportDayLimit).Unix()
		kept := messages[:0:0]
		for _, msg := range messages {
			if msg.Timestamp >= cutoff {
				kept = append(kept, msg)
			}
		}
		messages = kept
	}

	// Downstream import depends on deterministic ordering
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Key.RemoteJID != messages[j].Key.RemoteJID {
			return messages[i].Key.RemoteJID < messages[j].Key.RemoteJID
		}
		return messages[i].Timestamp < messages[j].Timestamp
	})

	imported := make([]store.MessageRecord, 0, len(messages))
	for _, msg := range messages {
		fp := store.Fingerprint(snap.InstanceName, msg.Key.ID)
		if p.dedup.Has(ctx, dedupKey(fp)) {
			if p.metrics != nil {
				p.metrics.RecordDedupHit(snap.InstanceName)
			}
			continue
		}
		p.dedup.Set(ctx, dedupKey(fp), []byte{1}, p.opts.DedupTTL)

		rec := store.MessageRecord{
			Instance:  snap.InstanceName,
			Key:       msg.Key,
			PushName:  msg.PushName,
			Type:      msg.Type,
			Content:   msg.Content,
			Status:    store.StatusFromProtocol(msg.Status),
			Timestamp: msg.Timestamp,
		}
		if err := p.repos.Messages.Upsert(ctx, rec); err != nil {
			firstErr = coalesce(firstErr, err)
			continue
		}
		imported = append(imported, rec)
	}

	p.publisher.Dispatch(ctx, snap, "messaging-history.set", sender, map[string]any{
		"chats":    len(cb.Chats),
		"contacts": len(cb.Contacts),
		"messages": imported,
	})

	if p.offers != nil && len(imported) > 0 {
		p.offers.Offer(collab.Offer{
			Event:    "messaging-history.set",
			Snapshot: snap,
			Payload:  imported,
		})
	}
	return firstErr
}

// MarkRead marks every inbound message in the conversation read on
// behalf of an administrative caller, writes a status side record per
// promoted message, and reconciles the conversation's unread counter.
// It returns the number of messages promoted.
func (p *Pipeline) MarkRead(ctx context.Context, snap config.Snapshot, conversationID string) (int, error) {
	ids, err := p.repos.Messages.MarkConversationRead(ctx, snap.InstanceName, conversationID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := p.now().Unix()
	for _, id := range ids {
		sr := store.StatusRecord{
			Instance:  snap.InstanceName,
			MessageID: id,
			Status:    store.StatusRead,
			Timestamp: now,
		}
		if err := p.repos.Messages.InsertStatusRecord(ctx, sr); err != nil {
			return len(ids), err
		}
	}

	if err := p.reconcileChat(ctx, snap, "", conversationID, ""); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// MessageByID implements protocol.MessageLookup for the engine boundary.
func (p *Pipeline) MessageByID(ctx context.Context, instance, protocolMessageID string) (*protocol.Message, error) {
	rec, ok, err := p.repos.Messages.ByProtocolID(ctx, instance, protocolMessageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "Pipeline", "MessageByID", "message "+protocolMessageID)
	}
	return &protocol.Message{
		Key:       rec.Key,
		PushName:  rec.PushName,
		Type:      rec.Type,
		Content:   rec.Content,
		Timestamp: rec.Timestamp,
	}, nil
}

func coalesce(current, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}

var _ protocol.MessageLookup = (*Pipeline)(nil)
