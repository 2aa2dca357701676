// Package protocol defines the boundary to the external chat-protocol
// engine: the typed callbacks it delivers, the session contract the
// supervisor drives, and the close-reason codes the reconnect policy
// keys on. The wire protocol itself lives behind the Engine interface.
package protocol

import "encoding/json"

// ConnectionState is the lifecycle state of a tenant's session.
type ConnectionState int

// Session lifecycle states. Transitions are driven only by the supervisor
// and are monotonic within a single reconnect cycle.
const (
	StateClose ConnectionState = iota
	StateConnecting
	StateOpen
	StateRefused
)

// String returns the wire representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClose:
		return "close"
	case StateRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// StatusCode is the protocol's numeric delivery status for a message.
type StatusCode int

// Protocol delivery status codes, in forward-progress order.
const (
	StatusError StatusCode = iota
	StatusPending
	StatusServerAck
	StatusDeliveryAck
	StatusRead
	StatusPlayed
)

// MessageKey uniquely identifies a message on the wire.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// Message is a raw protocol message as delivered by the engine.
type Message struct {
	Key       MessageKey      `json:"key"`
	PushName  string          `json:"pushName,omitempty"`
	Type      string          `json:"messageType"`
	Content   json.RawMessage `json:"message"`
	Timestamp int64           `json:"messageTimestamp"` // seconds
	Status    StatusCode      `json:"status"`
}

// IsReaction reports whether the message is a reaction rather than
// genuine content. Reactions are dispatched but never offered to the
// bot engine.
func (m Message) IsReaction() bool {
	return m.Type == "reactionMessage"
}

// MessageUpdate is a status or deletion edit for an existing message.
type MessageUpdate struct {
	Key     MessageKey `json:"key"`
	Status  StatusCode `json:"status"`
	Deleted bool       `json:"deleted,omitempty"`
}

// Chat is per-conversation metadata from the engine.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	UnreadCount int    `json:"unreadCount,omitempty"`
}

// Contact is a directory entry from the engine.
type Contact struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

// GroupMetadata is a group snapshot including its participant list.
type GroupMetadata struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Owner        string   `json:"owner,omitempty"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"creation,omitempty"`
}

// Label is a tenant-defined conversation label.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color int    `json:"color,omitempty"`
}
