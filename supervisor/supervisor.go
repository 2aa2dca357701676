// Package supervisor drives each tenant's session lifecycle: bootstrap,
// pairing, reconnect policy, and lifecycle event emission. It is the
// only writer of connection state and the sole decision point for
// reconnect versus terminal close.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/instance"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pipeline"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// Ingestor receives content callbacks in protocol order.
type Ingestor interface {
	Handle(ctx context.Context, snap config.Snapshot, sender string, groups pipeline.GroupFetcher, cb protocol.Callback) error
}

// Publisher emits lifecycle events to the sinks.
type Publisher interface {
	Dispatch(ctx context.Context, snap config.Snapshot, event, sender string, data any)
}

// SessionJanitor drops collaborator session state for a tenant. It is
// invoked on logout, when the credentials behind those sessions stop
// existing.
type SessionJanitor interface {
	Clear(ctx context.Context, instance string)
}

// run is one connection cycle for one tenant.
type run struct {
	session protocol.Session
	opts    protocol.BootstrapOptions
	stopped atomic.Bool
}

// Supervisor owns every tenant's session state machine.
type Supervisor struct {
	engine   protocol.Engine
	registry *instance.Registry
	ingestor Ingestor
	events   Publisher
	janitor  SessionJanitor
	metrics  *metric.Metrics
	logger   *slog.Logger
	qrLimit  int

	mu   sync.Mutex
	runs map[string]*run
}

// New creates the supervisor. janitor may be nil when no collaborator
// keeps session state.
func New(engine protocol.Engine, registry *instance.Registry, ingestor Ingestor, events Publisher, janitor SessionJanitor, qrLimit int, metrics *metric.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if qrLimit <= 0 {
		qrLimit = 5
	}
	return &Supervisor{
		engine:   engine,
		registry: registry,
		ingestor: ingestor,
		events:   events,
		janitor:  janitor,
		metrics:  metrics,
		logger:   logger.With("component", "supervisor"),
		qrLimit:  qrLimit,
		runs:     make(map[string]*run),
	}
}

// Connect bootstraps a session for the instance. Bootstrap failures are
// returned to the caller and never retried automatically.
func (s *Supervisor) Connect(ctx context.Context, name string, opts protocol.BootstrapOptions) error {
	inst, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	// The guard and the transition to connecting happen under one lock
	// so concurrent calls for the same tenant cannot both bootstrap.
	s.mu.Lock()
	if state, _ := inst.State(); state == protocol.StateOpen || state == protocol.StateConnecting {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrInstanceConnected, "Supervisor", "Connect", name)
	}
	inst.ResetQR()
	s.setState(inst, protocol.StateConnecting, 0)
	s.mu.Unlock()

	snap := inst.Snapshot()
	if opts.Proxy == "" {
		opts.Proxy = snap.Proxy
	}
	opts.SyncFullHistory = opts.SyncFullHistory || snap.Behavior.SyncFullHistory

	session, err := s.engine.Connect(ctx, name, opts)
	if err != nil {
		s.setState(inst, protocol.StateClose, 0)
		return errors.WrapFatal(err, "Supervisor", "Connect", "bootstrap "+name)
	}

	r := &run{session: session, opts: opts}
	s.mu.Lock()
	s.runs[name] = r
	s.mu.Unlock()

	go s.loop(inst, snap, r)
	return nil
}

// Reconnect re-opens a closed session with its last bootstrap options.
func (s *Supervisor) Reconnect(ctx context.Context, name string) error {
	s.mu.Lock()
	r := s.runs[name]
	s.mu.Unlock()

	opts := protocol.BootstrapOptions{}
	if r != nil {
		opts = r.opts
	}
	return s.Connect(ctx, name, opts)
}

// Close tears down the instance's session without logging out. The
// terminal guard makes any in-flight reconnect abort before re-opening.
func (s *Supervisor) Close(name string) error {
	inst, err := s.registry.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	r := s.runs[name]
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.stopped.Store(true)
	if err := r.session.Close(); err != nil {
		return errors.WrapTransient(err, "Supervisor", "Close", name)
	}
	s.setState(inst, protocol.StateClose, 0)
	return nil
}

// Logout terminates the session server-side and invalidates its
// credentials. The instance ends in a terminal logged-out state.
func (s *Supervisor) Logout(ctx context.Context, name string) error {
	inst, err := s.registry.Get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	r := s.runs[name]
	s.mu.Unlock()
	if r == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Supervisor", "Logout", name)
	}

	r.stopped.Store(true)
	if err := r.session.Logout(ctx); err != nil {
		return errors.WrapTransient(err, "Supervisor", "Logout", name)
	}
	if s.janitor != nil {
		// Sessions built on the old credentials must not survive into a
		// re-pairing.
		s.janitor.Clear(ctx, name)
	}
	s.setState(inst, protocol.StateClose, protocol.ReasonLoggedOut)
	return nil
}

// RequestPairingCode asks the live session for a numeric pairing code.
func (s *Supervisor) RequestPairingCode(ctx context.Context, name, phone string) (string, error) {
	inst, err := s.registry.Get(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	r := s.runs[name]
	s.mu.Unlock()
	if r == nil {
		return "", errors.WrapInvalid(errors.ErrNotStarted, "Supervisor", "RequestPairingCode", name)
	}

	code, err := r.session.RequestPairingCode(ctx, phone)
	if err != nil {
		return "", errors.WrapTransient(err, "Supervisor", "RequestPairingCode", name)
	}
	inst.SetPairingCode(code)
	return code, nil
}

// ShouldSyncHistory implements protocol.HistorySyncPolicy.
func (s *Supervisor) ShouldSyncHistory(name string) bool {
	inst, err := s.registry.Get(name)
	if err != nil {
		return false
	}
	return inst.Snapshot().Behavior.SyncFullHistory
}

// loop consumes one session's callbacks sequentially until the channel
// closes. Content callbacks go to the ingestor; lifecycle callbacks are
// handled here.
func (s *Supervisor) loop(inst *instance.Instance, snap config.Snapshot, r *run) {
	ctx := context.Background()

	for cb := range r.session.Callbacks() {
		switch c := cb.(type) {
		case protocol.ConnectionUpdate:
			s.connectionUpdate(ctx, inst, snap, r, c)
		case protocol.QRIssued:
			s.qrIssued(ctx, inst, snap, r, c)
		default:
			sender, _, _ := inst.Profile()
			if err := s.ingestor.Handle(ctx, snap, sender, r.session, cb); err != nil {
				// One malformed event never halts the tenant's loop
				s.logger.Warn("callback processing failed",
					"instance", inst.Name,
					"category", cb.Kind().String(),
					"error", err)
			}
		}
	}
}

func (s *Supervisor) qrIssued(ctx context.Context, inst *instance.Instance, snap config.Snapshot, r *run, cb protocol.QRIssued) {
	count := inst.IssueQR(cb.Code)
	if s.metrics != nil {
		s.metrics.RecordQRIssued(inst.Name)
	}

	if count >= s.qrLimit {
		// Pairing budget exhausted: terminal refusal, caller must
		// explicitly restart.
		r.stopped.Store(true)
		s.setState(inst, protocol.StateRefused, protocol.ReasonUnauthorized)
		s.events.Dispatch(ctx, snap, "connection.update", "", map[string]any{
			"instance":     inst.Name,
			"state":        protocol.StateRefused.String(),
			"statusReason": int(protocol.ReasonUnauthorized),
		})
		if err := r.session.Close(); err != nil {
			s.logger.Warn("closing refused session failed", "instance", inst.Name, "error", err)
		}
		return
	}

	if r.opts.PhoneNumber != "" && count == 1 {
		if code, err := r.session.RequestPairingCode(ctx, r.opts.PhoneNumber); err == nil {
			inst.SetPairingCode(code)
		} else {
			s.logger.Warn("pairing code request failed", "instance", inst.Name, "error", err)
		}
	}

	s.events.Dispatch(ctx, snap, "qrcode.updated", "", map[string]any{
		"instance": inst.Name,
		"qrcode":   inst.QR(),
	})
}

func (s *Supervisor) connectionUpdate(ctx context.Context, inst *instance.Instance, snap config.Snapshot, r *run, cb protocol.ConnectionUpdate) {
	switch cb.State {
	case protocol.StateOpen:
		s.opened(ctx, inst, snap, r, cb)
	case protocol.StateClose:
		s.closed(ctx, inst, snap, r, cb)
	case protocol.StateConnecting:
		s.setState(inst, protocol.StateConnecting, 0)
	}
}

func (s *Supervisor) opened(ctx context.Context, inst *instance.Instance, snap config.Snapshot, r *run, cb protocol.ConnectionUpdate) {
	// Profile enrichment is best-effort; a failure leaves fields empty.
	name, err := r.session.ProfileName(ctx)
	if err != nil {
		s.logger.Debug("profile name fetch failed", "instance", inst.Name, "error", err)
	}
	picURL, err := r.session.ProfilePictureURL(ctx, cb.UserJID)
	if err != nil {
		s.logger.Debug("profile picture fetch failed", "instance", inst.Name, "error", err)
	}
	inst.SetProfile(cb.UserJID, name, picURL)
	inst.ResetQR()

	s.setState(inst, protocol.StateOpen, 0)
	s.events.Dispatch(ctx, snap, "connection.update", cb.UserJID, map[string]any{
		"instance":          inst.Name,
		"state":             protocol.StateOpen.String(),
		"wuid":              cb.UserJID,
		"profileName":       name,
		"profilePictureUrl": picURL,
	})
}

func (s *Supervisor) closed(ctx context.Context, inst *instance.Instance, snap config.Snapshot, r *run, cb protocol.ConnectionUpdate) {
	sender, _, _ := inst.Profile()
	s.setState(inst, protocol.StateClose, cb.Reason)
	s.events.Dispatch(ctx, snap, "connection.update", sender, map[string]any{
		"instance":     inst.Name,
		"state":        protocol.StateClose.String(),
		"statusReason": int(cb.Reason),
	})

	if !cb.Reason.Recoverable() {
		s.logger.Info("session closed terminally",
			"instance", inst.Name, "reason", cb.Reason.String())
		return
	}
	if r.stopped.Load() || inst.Deleted() {
		// Explicit close or deletion beat the reconnect
		return
	}

	if s.metrics != nil {
		s.metrics.RecordReconnect(inst.Name)
	}
	s.logger.Info("reconnecting", "instance", inst.Name, "reason", cb.Reason.String())

	reconnectCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Connect(reconnectCtx, inst.Name, r.opts); err != nil {
		s.logger.Error("automatic reconnect failed", "instance", inst.Name, "error", err)
	}
}

func (s *Supervisor) setState(inst *instance.Instance, state protocol.ConnectionState, reason protocol.ReasonCode) {
	inst.SetState(state, reason)
	if s.metrics != nil {
		s.metrics.RecordConnectionState(inst.Name, int(state))
	}
}

var (
	_ protocol.HistorySyncPolicy = (*Supervisor)(nil)
	_ Publisher                  = (*dispatch.Dispatcher)(nil)
)
