// Package collab defines the automation collaborator contracts and the
// detached offer path the pipeline hands events to. Collaborator
// failures are logged and counted; they never reach the ingestion loop.
package collab

import (
	"context"
	"log/slog"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pkg/worker"
	"github.com/EvolutionAPI/evolution-gateway/store"
)

// CRMBridge receives normalized message, contact and status events.
// A non-empty return value is the collaborator's external reference for
// the record.
type CRMBridge interface {
	OnEvent(ctx context.Context, event string, snap config.Snapshot, payload any) (externalRef string, err error)
}

// BotEngine receives genuine inbound content messages.
type BotEngine interface {
	OnInboundMessage(ctx context.Context, snap config.Snapshot, conversationID string, rec store.MessageRecord) error
}

// Offer is one unit of collaborator work.
type Offer struct {
	Event          string
	Snapshot       config.Snapshot
	ConversationID string
	Payload        any

	// Record is set for message events; its external reference is
	// updated when the CRM bridge returns one.
	Record *store.MessageRecord

	// Inbound marks a genuine inbound content message eligible for the
	// bot engine.
	Inbound bool
}

// Offerer runs collaborator intake on a bounded worker pool.
type Offerer struct {
	crm      CRMBridge
	bot      BotEngine
	messages store.MessageRepo
	pool     *worker.Pool[Offer]
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// NewOfferer wires the collaborators. Either collaborator may be nil.
func NewOfferer(crm CRMBridge, bot BotEngine, messages store.MessageRepo, metrics *metric.Metrics, logger *slog.Logger) *Offerer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Offerer{
		crm:      crm,
		bot:      bot,
		messages: messages,
		metrics:  metrics,
		logger:   logger.With("component", "collab"),
	}

	opts := []worker.Option[Offer]{}
	if metrics != nil {
		opts = append(opts, worker.WithMetrics[Offer](metrics.Registry(), "gateway_collab"))
	}
	o.pool = worker.NewPool(4, 512, o.process, opts...)
	return o
}

// Start launches the offer workers.
func (o *Offerer) Start(ctx context.Context) error {
	return o.pool.Start(ctx)
}

// Stop drains pending offers.
func (o *Offerer) Stop(timeout time.Duration) error {
	return o.pool.Stop(timeout)
}

// Offer enqueues collaborator work without blocking the caller. A full
// queue drops the offer; collaborators are best-effort by contract.
func (o *Offerer) Offer(offer Offer) {
	if err := o.pool.Submit(offer); err != nil {
		o.logger.Warn("collaborator offer dropped",
			"event", offer.Event,
			"instance", offer.Snapshot.InstanceName,
			"error", err)
	}
}

func (o *Offerer) process(ctx context.Context, offer Offer) error {
	var firstErr error

	if o.crm != nil && offer.Snapshot.CRMEnabled {
		ref, err := o.crm.OnEvent(ctx, offer.Event, offer.Snapshot, offer.Payload)
		if err != nil {
			firstErr = err
			if o.metrics != nil {
				o.metrics.RecordCollaboratorError("crm")
			}
			o.logger.Warn("crm intake failed",
				"event", offer.Event,
				"instance", offer.Snapshot.InstanceName,
				"error", err)
		} else if ref != "" && offer.Record != nil {
			if err := o.messages.SetExternalRef(ctx, offer.Record.Instance, offer.Record.Key.ID, ref); err != nil {
				o.logger.Warn("storing external reference failed",
					"instance", offer.Record.Instance,
					"message", offer.Record.Key.ID,
					"error", err)
			}
		}
	}

	if o.bot != nil && offer.Snapshot.BotEnabled && offer.Inbound && offer.Record != nil {
		err := o.bot.OnInboundMessage(ctx, offer.Snapshot, offer.ConversationID, *offer.Record)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if o.metrics != nil {
				o.metrics.RecordCollaboratorError("bot")
			}
			o.logger.Warn("bot intake failed",
				"instance", offer.Snapshot.InstanceName,
				"conversation", offer.ConversationID,
				"error", err)
		}
	}

	return firstErr
}
