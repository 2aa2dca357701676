package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "evolution_acme", StreamName("evolution", "acme"))
	assert.Equal(t, "evolution.acme.messages_upsert", Subject("evolution", "acme", "messages.upsert"))
}

func TestDedupIDStableForSameEvent(t *testing.T) {
	a := DedupID("acme", "messages.upsert", "2025-06-01T12:00:00Z")
	b := DedupID("acme", "messages.upsert", "2025-06-01T12:00:00Z")
	c := DedupID("acme", "messages.upsert", "2025-06-01T12:00:01Z")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "acme:messages_upsert:2025-06-01T12:00:00Z", a)
}

func TestDeliverDisabled(t *testing.T) {
	s := New(config.QueueConfig{Enabled: false}, nil, nil)
	err := s.Deliver(context.Background(), config.Snapshot{InstanceName: "acme"}, dispatch.Envelope{Event: "messages.upsert"})
	assert.ErrorIs(t, err, errors.ErrSinkDisabled)
}

func TestDeliverRespectsTenantAllowList(t *testing.T) {
	s := New(config.QueueConfig{Enabled: true, URL: "nats://unused", StreamPrefix: "evolution"}, nil, nil)

	snap := config.Snapshot{
		InstanceName: "acme",
		Queue:        config.SinkSettings{Enabled: true, Events: []string{"chats.upsert"}},
	}
	err := s.Deliver(context.Background(), snap, dispatch.Envelope{Event: "messages.upsert"})
	assert.ErrorIs(t, err, errors.ErrSinkDisabled)
}

func TestStartNoopWhenDisabled(t *testing.T) {
	s := New(config.QueueConfig{Enabled: false}, nil, nil)
	assert.NoError(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}
