// Package store defines the canonical, protocol-independent records the
// pipeline persists and the repository interfaces it persists them
// through. Persistence mechanics are deliberately opaque; the in-memory
// implementation here is the default wiring and the test double.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// MessageStatus is the canonical delivery status, in forward-progress
// order. A stored status never moves backwards.
type MessageStatus int

// Canonical statuses.
const (
	StatusError MessageStatus = iota
	StatusPending
	StatusServerAck
	StatusDeliveryAck
	StatusRead
	StatusPlayed
)

// String returns the wire representation of the status.
func (s MessageStatus) String() string {
	switch s {
	case StatusError:
		return "ERROR"
	case StatusPending:
		return "PENDING"
	case StatusServerAck:
		return "SERVER_ACK"
	case StatusDeliveryAck:
		return "DELIVERY_ACK"
	case StatusRead:
		return "READ"
	case StatusPlayed:
		return "PLAYED"
	default:
		return "UNKNOWN"
	}
}

// StatusFromProtocol maps the protocol's numeric status code to the
// canonical enum. Unknown codes map to PENDING rather than failing the
// whole callback.
func StatusFromProtocol(code protocol.StatusCode) MessageStatus {
	switch code {
	case protocol.StatusError:
		return StatusError
	case protocol.StatusPending:
		return StatusPending
	case protocol.StatusServerAck:
		return StatusServerAck
	case protocol.StatusDeliveryAck:
		return StatusDeliveryAck
	case protocol.StatusRead:
		return StatusRead
	case protocol.StatusPlayed:
		return StatusPlayed
	default:
		return StatusPending
	}
}

// MessageRecord is the normalized, persisted representation of a chat
// message.
type MessageRecord struct {
	Instance    string              `json:"instance"`
	Key         protocol.MessageKey `json:"key"`
	PushName    string              `json:"pushName,omitempty"`
	Type        string              `json:"messageType"`
	Content     json.RawMessage     `json:"message"`
	Status      MessageStatus       `json:"status"`
	Timestamp   int64               `json:"messageTimestamp"` // seconds
	ExternalRef string              `json:"externalRef,omitempty"`
	Deleted     bool                `json:"deleted,omitempty"`
}

// Fingerprint is the dedup cache key for this record.
func (r MessageRecord) Fingerprint() string {
	return Fingerprint(r.Instance, r.Key.ID)
}

// Fingerprint builds the dedup cache key for a tenant/message pair.
func Fingerprint(instance, protocolMessageID string) string {
	return fmt.Sprintf("%s:%s", instance, protocolMessageID)
}

// StatusRecord is the audit side record written for every status-update
// callback, including regressions that do not change the canonical
// status.
type StatusRecord struct {
	Instance  string        `json:"instance"`
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

// ChatRecord is per-conversation metadata. UnreadCount is derived: it is
// recomputed from message state, never incremented in place.
type ChatRecord struct {
	Instance    string   `json:"instance"`
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	UnreadCount int      `json:"unreadCount"`
	Labels      []string `json:"labels,omitempty"`
}

// ContactRecord is a normalized directory entry.
type ContactRecord struct {
	Instance      string `json:"instance"`
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}
