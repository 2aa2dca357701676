package dispatch

import (
	"context"
	"log/slog"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
)

// Sink delivers envelopes to one transport. Deliver returns
// errors.ErrSinkDisabled when the tenant's settings exclude the event;
// that is a skip, not a failure.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, snap config.Snapshot, env Envelope) error
}

// Dispatcher fans envelopes out to every registered sink.
type Dispatcher struct {
	sinks   []Sink
	builder *EnvelopeBuilder
	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the given sinks. Metrics may
// be nil.
func NewDispatcher(builder *EnvelopeBuilder, metrics *metric.Metrics, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		builder: builder,
		metrics: metrics,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Dispatch builds the envelope and offers it to every sink. Sink errors
// are logged and counted, never propagated; ingestion does not stall on
// delivery problems.
func (d *Dispatcher) Dispatch(ctx context.Context, snap config.Snapshot, event, sender string, data any) {
	env := d.builder.Build(event, snap.InstanceName, sender, snap.Token, data)

	for _, sink := range d.sinks {
		err := sink.Deliver(ctx, snap, env)
		switch {
		case err == nil:
			if d.metrics != nil {
				d.metrics.RecordDispatch(sink.Name(), event, "ok")
			}
		case errors.Is(err, errors.ErrSinkDisabled):
			// Not configured for this event; nothing to record.
		default:
			if d.metrics != nil {
				d.metrics.RecordDispatch(sink.Name(), event, "error")
				d.metrics.RecordDrop(sink.Name())
			}
			d.logger.Warn("sink delivery failed",
				"sink", sink.Name(),
				"event", event,
				"instance", snap.InstanceName,
				"error", err)
		}
	}
}
