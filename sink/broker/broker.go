// Package broker publishes event envelopes to RabbitMQ. One connection
// is shared by all tenants; each tenant gets its own durable topic
// exchange, with an optional deployment-wide exchange alongside.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pkg/retry"
)

const publishTimeout = 10 * time.Second

// Sink is the RabbitMQ delivery adapter.
type Sink struct {
	cfg     config.BrokerConfig
	metrics *metric.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool

	shutdown chan struct{}
	done     chan struct{}
}

// New creates the broker sink. Start must be called before Deliver.
func New(cfg config.BrokerConfig, metrics *metric.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "broker-sink"),
		declared: make(map[string]bool),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name implements dispatch.Sink.
func (s *Sink) Name() string { return "rabbitmq" }

// Start dials the broker and begins watching for connection loss. The
// dial itself retries with backoff so a slow broker does not fail
// gateway startup.
func (s *Sink) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		close(s.done)
		return nil
	}

	if err := s.connect(ctx); err != nil {
		return errors.WrapFatal(err, "BrokerSink", "Start", "initial dial")
	}

	go s.watchConnection()
	return nil
}

// Stop closes the connection and waits for the watcher to exit.
func (s *Sink) Stop() error {
	if !s.cfg.Enabled {
		return nil
	}
	close(s.shutdown)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}

// Connected reports whether the broker connection is live. Used by the
// health monitor.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.IsClosed()
}

func (s *Sink) connect(ctx context.Context) error {
	return retry.Do(ctx, retry.Persistent(), func() error {
		conn, err := amqp.Dial(s.cfg.URL)
		if err != nil {
			return errors.WrapTransient(err, "BrokerSink", "connect", "dial")
		}
		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			return errors.WrapTransient(err, "BrokerSink", "connect", "open channel")
		}

		s.mu.Lock()
		s.conn = conn
		s.channel = channel
		s.declared = make(map[string]bool)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordSinkConnected(s.Name(), true)
		}
		s.logger.Info("broker connected")
		return nil
	})
}

// watchConnection reconnects with backoff when the broker drops the
// connection, until Stop is called.
func (s *Sink) watchConnection() {
	defer close(s.done)

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.shutdown:
			return
		case amqpErr := <-closed:
			if amqpErr == nil {
				// Clean close from our side
				return
			}
			if s.metrics != nil {
				s.metrics.RecordSinkConnected(s.Name(), false)
			}
			s.logger.Warn("broker connection lost", "error", amqpErr)

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-s.shutdown:
					cancel()
				case <-ctx.Done():
				}
			}()
			err := s.connect(ctx)
			cancel()
			if err != nil {
				s.logger.Error("broker reconnect exhausted", "error", err)
				return
			}
		}
	}
}

// Deliver publishes the envelope to the tenant exchange and, when
// configured, the deployment-wide exchange.
func (s *Sink) Deliver(ctx context.Context, snap config.Snapshot, env dispatch.Envelope) error {
	if !s.cfg.Enabled {
		return errors.ErrSinkDisabled
	}

	var firstErr error
	attempted := false

	if snap.Broker.Allows(env.Event) {
		attempted = true
		if err := s.publish(ctx, snap.InstanceName, env); err != nil {
			firstErr = err
		}
	}

	if s.cfg.GlobalEnabled && slices.Contains(s.cfg.GlobalEvents, env.Event) {
		attempted = true
		if err := s.publish(ctx, s.cfg.GlobalExchange, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !attempted {
		return errors.ErrSinkDisabled
	}
	return firstErr
}

func (s *Sink) publish(ctx context.Context, exchange string, env dispatch.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "BrokerSink", "publish", "marshal envelope")
	}

	routingKey := dispatch.EventSubject(env.Event)

	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		s.mu.Lock()
		channel := s.channel
		s.mu.Unlock()
		if channel == nil || channel.IsClosed() {
			return errors.WrapTransient(errors.ErrNoConnection, "BrokerSink", "publish", "channel unavailable")
		}

		if err := s.ensureExchange(channel, exchange); err != nil {
			return err
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()

		err := channel.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			return errors.WrapTransient(err, "BrokerSink", "publish", "publish to "+exchange)
		}
		return nil
	})
}

// ensureExchange declares the topic exchange once per connection.
func (s *Sink) ensureExchange(channel *amqp.Channel, exchange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.declared[exchange] {
		return nil
	}
	err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return errors.WrapTransient(err, "BrokerSink", "ensureExchange", "declare "+exchange)
	}
	s.declared[exchange] = true
	return nil
}

var _ dispatch.Sink = (*Sink)(nil)
