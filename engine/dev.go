package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

func init() {
	Register("dev", func(deps Deps) (protocol.Engine, error) {
		logger := deps.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &devEngine{
			logger:  logger.With("component", "dev-engine"),
			history: deps.History,
		}, nil
	})
}

// devEngine simulates the pairing handshake for local development and
// end-to-end testing: Connect issues one QR artifact, then reports the
// session open under a synthetic account. When the gateway's history
// policy asks for a replay, the session follows the open with an empty
// history batch, the way a real engine would. No traffic leaves the
// process.
type devEngine struct {
	logger  *slog.Logger
	history protocol.HistorySyncPolicy
}

// pairDelay spaces the QR and the open transition far enough apart that
// a human watching the dev flow sees both.
const pairDelay = 250 * time.Millisecond

func (e *devEngine) Connect(_ context.Context, instance string, opts protocol.BootstrapOptions) (protocol.Session, error) {
	syncHistory := opts.SyncFullHistory
	if e.history != nil {
		syncHistory = syncHistory || e.history.ShouldSyncHistory(instance)
	}

	s := &devSession{
		instance:    instance,
		syncHistory: syncHistory,
		cbs:         make(chan protocol.Callback, 8),
		done:        make(chan struct{}),
	}
	e.logger.Info("dev session bootstrapping", "instance", instance, "sync_full_history", syncHistory)

	go s.pair()
	return s, nil
}

type devSession struct {
	instance    string
	syncHistory bool
	cbs         chan protocol.Callback
	done        chan struct{}
	once        sync.Once
}

func (s *devSession) pair() {
	defer close(s.cbs)

	if !s.emit(protocol.QRIssued{Code: uuid.NewString()}) {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(pairDelay):
	}

	if !s.emit(protocol.ConnectionUpdate{
		State:   protocol.StateOpen,
		UserJID: s.instance + "@dev.local",
	}) {
		return
	}

	if s.syncHistory {
		if !s.emit(protocol.HistorySet{}) {
			return
		}
	}

	<-s.done
}

func (s *devSession) emit(cb protocol.Callback) bool {
	select {
	case <-s.done:
		return false
	case s.cbs <- cb:
		return true
	}
}

func (s *devSession) Callbacks() <-chan protocol.Callback {
	return s.cbs
}

func (s *devSession) RequestPairingCode(_ context.Context, phone string) (string, error) {
	if phone == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "devSession", "RequestPairingCode", "empty phone")
	}
	// Deterministic per phone so repeated requests agree.
	raw := strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(phone)).String(), "-", "")
	code := strings.ToUpper(raw[:8])
	return code[:4] + "-" + code[4:], nil
}

func (s *devSession) GroupMetadata(_ context.Context, groupID string) (*protocol.GroupMetadata, error) {
	return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "devSession", "GroupMetadata", "no group "+groupID)
}

func (s *devSession) ProfileName(context.Context) (string, error) {
	return "Dev Account " + s.instance, nil
}

func (s *devSession) ProfilePictureURL(context.Context, string) (string, error) {
	return "", nil
}

func (s *devSession) Logout(context.Context) error {
	s.close()
	return nil
}

func (s *devSession) Close() error {
	s.close()
	return nil
}

func (s *devSession) close() {
	s.once.Do(func() { close(s.done) })
}
