package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/pkg/cache"
	"github.com/EvolutionAPI/evolution-gateway/store"
)

// HTTPBotEngine forwards inbound messages to a conversational-flow
// service. Session continuity is tracked in the cache so the service
// sees which conversations already have an active flow.
type HTTPBotEngine struct {
	cfg      config.BotConfig
	client   *http.Client
	sessions *SessionStore
}

// NewHTTPBotEngine creates the engine.
func NewHTTPBotEngine(cfg config.BotConfig, sessions *SessionStore) *HTTPBotEngine {
	return &HTTPBotEngine{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		sessions: sessions,
	}
}

type botIntake struct {
	Instance       string          `json:"instance"`
	ConversationID string          `json:"conversationId"`
	Message        json.RawMessage `json:"message"`
	MessageType    string          `json:"messageType"`
	PushName       string          `json:"pushName,omitempty"`
	SessionActive  bool            `json:"sessionActive"`
}

// OnInboundMessage implements BotEngine.
func (e *HTTPBotEngine) OnInboundMessage(ctx context.Context, snap config.Snapshot, conversationID string, rec store.MessageRecord) error {
	if e.cfg.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "HTTPBotEngine", "OnInboundMessage", "bot url")
	}

	active := false
	if e.sessions != nil {
		active = e.sessions.Active(ctx, snap.InstanceName, conversationID)
	}

	body, err := json.Marshal(botIntake{
		Instance:       snap.InstanceName,
		ConversationID: conversationID,
		Message:        rec.Content,
		MessageType:    rec.Type,
		PushName:       rec.PushName,
		SessionActive:  active,
	})
	if err != nil {
		return errors.WrapInvalid(err, "HTTPBotEngine", "OnInboundMessage", "marshal intake")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "HTTPBotEngine", "OnInboundMessage", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPBotEngine", "OnInboundMessage", "send request")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// 410 is the flow service's completion signal for this conversation;
	// the next inbound message starts a fresh flow.
	if resp.StatusCode == http.StatusGone {
		if e.sessions != nil {
			e.sessions.End(ctx, snap.InstanceName, conversationID)
		}
		return nil
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return errors.WrapTransient(
			fmt.Errorf("%w: bot returned %d", errors.ErrPublishFailed, resp.StatusCode),
			"HTTPBotEngine", "OnInboundMessage", "intake")
	}

	if e.sessions != nil {
		e.sessions.Touch(ctx, snap.InstanceName, conversationID)
	}
	return nil
}

// SessionStore tracks active bot conversations in the cache. Sessions
// expire with the cache entry's TTL; an expired session simply starts a
// new flow.
type SessionStore struct {
	store cache.Store
	ttl   time.Duration
}

// NewSessionStore creates a session tracker over the given cache.
func NewSessionStore(store cache.Store, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &SessionStore{store: store, ttl: ttl}
}

func sessionKey(instance string) string {
	return "bot:sessions:" + instance
}

// Active reports whether the conversation has a live session.
func (s *SessionStore) Active(ctx context.Context, instance, conversationID string) bool {
	_, ok := s.store.HGet(ctx, sessionKey(instance), conversationID)
	return ok
}

// Touch marks the conversation's session as live and extends its TTL.
func (s *SessionStore) Touch(ctx context.Context, instance, conversationID string) {
	stamp := []byte(fmt.Sprintf("%d", time.Now().Unix()))
	s.store.HSet(ctx, sessionKey(instance), conversationID, stamp, s.ttl)
}

// End closes the conversation's session.
func (s *SessionStore) End(ctx context.Context, instance, conversationID string) {
	s.store.HDelete(ctx, sessionKey(instance), conversationID)
}

// Clear drops every session for the instance, used on logout.
func (s *SessionStore) Clear(ctx context.Context, instance string) {
	s.store.Delete(ctx, sessionKey(instance))
}

var _ BotEngine = (*HTTPBotEngine)(nil)
