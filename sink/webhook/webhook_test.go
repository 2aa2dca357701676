package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
)

func snapshotWithWebhook(url string, byEvents bool) config.Snapshot {
	return config.Snapshot{
		InstanceName: "acme",
		Webhook: config.WebhookSettings{
			Enabled:  true,
			URL:      url,
			ByEvents: byEvents,
			Headers:  map[string]string{"X-Custom": "yes"},
			Events:   []string{"messages.upsert"},
		},
	}
}

func deployWith(global config.GlobalWebhook) *config.SafeConfig {
	cfg := config.Default()
	cfg.Webhook = global
	return config.NewSafeConfig(cfg)
}

func envelope(event string) dispatch.Envelope {
	return dispatch.Envelope{Event: event, Instance: "acme", DateTime: "2025-06-01T12:00:00Z"}
}

func TestDeliverPostsEnvelope(t *testing.T) {
	var gotPath string
	var gotHeader string
	var gotBody dispatch.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Custom")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(nil, nil)
	err := s.Deliver(context.Background(), snapshotWithWebhook(srv.URL, false), envelope("messages.upsert"))

	require.NoError(t, err)
	assert.Equal(t, "/", gotPath)
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, "messages.upsert", gotBody.Event)
	assert.Equal(t, "acme", gotBody.Instance)
}

func TestDeliverByEventsAppendsPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	s := New(nil, nil)
	err := s.Deliver(context.Background(), snapshotWithWebhook(srv.URL, true), envelope("messages.upsert"))

	require.NoError(t, err)
	assert.Equal(t, "/messages-upsert", gotPath)
}

func TestDeliverSkipsDisallowedEvent(t *testing.T) {
	s := New(nil, nil)
	err := s.Deliver(context.Background(), snapshotWithWebhook("http://unused", false), envelope("chats.upsert"))
	assert.ErrorIs(t, err, errors.ErrSinkDisabled)
}

func TestDeliverGlobalEndpointIndependent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := New(deployWith(config.GlobalWebhook{
		Enabled: true,
		URL:     srv.URL,
		Events:  []string{"messages.upsert"},
	}), nil)

	// Tenant webhook disabled; the global endpoint still receives the event
	err := s.Deliver(context.Background(), config.Snapshot{InstanceName: "acme"}, envelope("messages.upsert"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverGlobalFollowsRuntimeUpdate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	deploy := deployWith(config.GlobalWebhook{})
	s := New(deploy, nil)

	err := s.Deliver(context.Background(), config.Snapshot{InstanceName: "acme"}, envelope("messages.upsert"))
	assert.ErrorIs(t, err, errors.ErrSinkDisabled)
	assert.Zero(t, calls.Load())

	next := *deploy.Get()
	next.Webhook = config.GlobalWebhook{Enabled: true, URL: srv.URL, Events: []string{"messages.upsert"}}
	require.NoError(t, deploy.Update(&next))

	err = s.Deliver(context.Background(), config.Snapshot{InstanceName: "acme"}, envelope("messages.upsert"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverPostsOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(nil, nil)
	err := s.Deliver(context.Background(), snapshotWithWebhook(srv.URL, false), envelope("messages.upsert"))

	// The failure is surfaced for the dispatcher to log; the endpoint
	// saw exactly one post.
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPublishFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliverPostsOnceOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := New(nil, nil)
	err := s.Deliver(context.Background(), snapshotWithWebhook(srv.URL, false), envelope("messages.upsert"))

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPublishFailed)
	assert.Equal(t, int32(1), calls.Load())
}
