package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
)

type fakeSink struct {
	name      string
	err       error
	delivered []Envelope
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Deliver(_ context.Context, _ config.Snapshot, env Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, env)
	return nil
}

func TestEnvelopeBuilder(t *testing.T) {
	b := NewEnvelopeBuilder("https://gw.example.com")
	b.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	env := b.Build("messages.upsert", "acme", "5511999@s.net", "token-1", map[string]string{"k": "v"})

	assert.Equal(t, "messages.upsert", env.Event)
	assert.Equal(t, "acme", env.Instance)
	assert.Equal(t, "https://gw.example.com", env.ServerURL)
	assert.Equal(t, "2025-06-01T12:00:00Z", env.DateTime)
	assert.Equal(t, "5511999@s.net", env.Sender)
	assert.Equal(t, "token-1", env.APIKey)
}

func TestDispatchFansOutToAllSinks(t *testing.T) {
	ok1 := &fakeSink{name: "webhook"}
	ok2 := &fakeSink{name: "websocket"}
	d := NewDispatcher(NewEnvelopeBuilder("http://x"), metric.NewMetrics(), nil, ok1, ok2)

	d.Dispatch(context.Background(), config.Snapshot{InstanceName: "acme"}, "chats.upsert", "", nil)

	require.Len(t, ok1.delivered, 1)
	require.Len(t, ok2.delivered, 1)
	assert.Equal(t, "chats.upsert", ok1.delivered[0].Event)
}

func TestDispatchIsolatesSinkFailures(t *testing.T) {
	failing := &fakeSink{name: "rabbitmq", err: errors.ErrPublishFailed}
	disabled := &fakeSink{name: "queue", err: errors.ErrSinkDisabled}
	healthy := &fakeSink{name: "webhook"}
	d := NewDispatcher(NewEnvelopeBuilder("http://x"), metric.NewMetrics(), nil, failing, disabled, healthy)

	d.Dispatch(context.Background(), config.Snapshot{InstanceName: "acme"}, "messages.upsert", "", nil)

	// The healthy sink still receives the event
	require.Len(t, healthy.delivered, 1)
}

func TestEventNameForms(t *testing.T) {
	assert.Equal(t, "messages-upsert", EventToken("messages.upsert"))
	assert.Equal(t, "group-participants-update", EventToken("group-participants.update"))
	assert.Equal(t, "messages_upsert", EventSubject("messages.upsert"))
}
