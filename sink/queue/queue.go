// Package queue publishes event envelopes to a managed JetStream queue.
// Streams are created lazily per tenant and publishes carry a message id
// so the server deduplicates redelivered events.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pkg/retry"
)

const (
	publishTimeout = 10 * time.Second
	dedupWindow    = 2 * time.Minute
)

// Sink is the managed-queue delivery adapter.
type Sink struct {
	cfg     config.QueueConfig
	metrics *metric.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	js      jetstream.JetStream
	streams map[string]bool
}

// New creates the queue sink. Start must be called before Deliver.
func New(cfg config.QueueConfig, metrics *metric.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "queue-sink"),
		streams: make(map[string]bool),
	}
}

// Name implements dispatch.Sink.
func (s *Sink) Name() string { return "queue" }

// Start connects to the queue server. The client library handles
// reconnection after the initial dial succeeds.
func (s *Sink) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	err := retry.Do(ctx, retry.Persistent(), func() error {
		nc, err := nats.Connect(s.cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if s.metrics != nil {
					s.metrics.RecordSinkConnected(s.Name(), false)
				}
				s.logger.Warn("queue disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				if s.metrics != nil {
					s.metrics.RecordSinkConnected(s.Name(), true)
				}
				s.logger.Info("queue reconnected")
			}),
		)
		if err != nil {
			return errors.WrapTransient(err, "QueueSink", "Start", "dial")
		}

		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return errors.WrapTransient(err, "QueueSink", "Start", "jetstream context")
		}

		s.mu.Lock()
		s.nc = nc
		s.js = js
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.WrapFatal(err, "QueueSink", "Start", "connect")
	}

	if s.metrics != nil {
		s.metrics.RecordSinkConnected(s.Name(), true)
	}
	s.logger.Info("queue connected")
	return nil
}

// Stop drains the connection.
func (s *Sink) Stop() error {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()

	if nc == nil {
		return nil
	}
	return nc.Drain()
}

// Connected reports whether the queue connection is live. Used by the
// health monitor.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

// Deliver publishes the envelope to the tenant stream with a dedup id
// derived from the event and its timestamp, so a replayed callback maps
// to the same id and the server drops the duplicate.
func (s *Sink) Deliver(ctx context.Context, snap config.Snapshot, env dispatch.Envelope) error {
	if !s.cfg.Enabled || !snap.Queue.Allows(env.Event) {
		return errors.ErrSinkDisabled
	}

	s.mu.Lock()
	js := s.js
	s.mu.Unlock()
	if js == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "QueueSink", "Deliver", "not connected")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "QueueSink", "Deliver", "marshal envelope")
	}

	if err := s.ensureStream(ctx, js, snap.InstanceName); err != nil {
		return err
	}

	subject := Subject(s.cfg.StreamPrefix, snap.InstanceName, env.Event)
	msgID := DedupID(snap.InstanceName, env.Event, env.DateTime)

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = js.Publish(pubCtx, subject, body, jetstream.WithMsgID(msgID))
	if err != nil {
		return errors.WrapTransient(err, "QueueSink", "Deliver", "publish "+subject)
	}
	return nil
}

// ensureStream creates the per-tenant stream on first use.
func (s *Sink) ensureStream(ctx context.Context, js jetstream.JetStream, instance string) error {
	s.mu.Lock()
	already := s.streams[instance]
	s.mu.Unlock()
	if already {
		return nil
	}

	name := StreamName(s.cfg.StreamPrefix, instance)
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{fmt.Sprintf("%s.%s.>", s.cfg.StreamPrefix, instance)},
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return errors.WrapTransient(err, "QueueSink", "ensureStream", "create "+name)
	}

	s.mu.Lock()
	s.streams[instance] = true
	s.mu.Unlock()
	return nil
}

// StreamName is the per-tenant stream name.
func StreamName(prefix, instance string) string {
	return fmt.Sprintf("%s_%s", prefix, instance)
}

// Subject is the per-event publish subject.
func Subject(prefix, instance, event string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, instance, dispatch.EventSubject(event))
}

// DedupID builds the server-side dedup id. Two publishes of the same
// event at the same timestamp collapse into one queued message.
func DedupID(instance, event, dateTime string) string {
	return fmt.Sprintf("%s:%s:%s", instance, dispatch.EventSubject(event), dateTime)
}

var _ dispatch.Sink = (*Sink)(nil)
