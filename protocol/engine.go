package protocol

import "context"

// BootstrapOptions carries everything a session needs to come up. The
// supervisor passes the same options into every automatic reconnect.
type BootstrapOptions struct {
	// PhoneNumber, when set, makes the supervisor request a numeric
	// pairing code in addition to rendering the QR artifact.
	PhoneNumber string
	// Proxy is an optional outbound proxy URL for this session.
	Proxy string
	// SyncFullHistory asks the engine for the complete history batch.
	SyncFullHistory bool
}

// Engine is the external protocol engine. Implementations own the
// handshake, encryption, and binary framing; the gateway only consumes
// typed callbacks.
type Engine interface {
	// Connect bootstraps a session for the named instance. Errors are
	// fatal to this call; the supervisor does not retry them.
	Connect(ctx context.Context, instance string, opts BootstrapOptions) (Session, error)
}

// Session is one live protocol connection.
type Session interface {
	// Callbacks delivers typed events in protocol order. The channel is
	// closed when the session ends.
	Callbacks() <-chan Callback

	// RequestPairingCode asks for a numeric pairing code for the phone.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// GroupMetadata fetches a group snapshot. Used only on a cold cache
	// entry.
	GroupMetadata(ctx context.Context, groupID string) (*GroupMetadata, error)

	// ProfileName resolves the connected account's display name.
	ProfileName(ctx context.Context) (string, error)

	// ProfilePictureURL resolves a profile picture for a JID.
	ProfilePictureURL(ctx context.Context, jid string) (string, error)

	// Logout terminates the session server-side and invalidates its
	// credentials.
	Logout(ctx context.Context) error

	// Close tears down the connection without logging out.
	Close() error
}

// MessageLookup is exposed back to the engine for edit and poll-aggregate
// resolution.
type MessageLookup interface {
	MessageByID(ctx context.Context, instance, protocolMessageID string) (*Message, error)
}

// HistorySyncPolicy is exposed back to the engine to decide whether a
// history batch should be requested for an instance.
type HistorySyncPolicy interface {
	ShouldSyncHistory(instance string) bool
}

// HistorySyncPolicyFunc adapts a plain function to HistorySyncPolicy.
type HistorySyncPolicyFunc func(instance string) bool

// ShouldSyncHistory calls f.
func (f HistorySyncPolicyFunc) ShouldSyncHistory(instance string) bool { return f(instance) }
