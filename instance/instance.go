// Package instance holds the per-tenant session model and the registry
// administrative calls reach running sessions through.
package instance

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// QR is the current pairing artifact for an instance.
type QR struct {
	Code        string `json:"code,omitempty"`        // rendered QR payload
	PairingCode string `json:"pairingCode,omitempty"` // numeric code, when a phone number was supplied
	Count       int    `json:"count"`                 // issuances within the current cycle
}

// Instance is one connected account. The supervisor is the only writer
// of connection state; everything else reads through the accessors.
type Instance struct {
	Name      string
	ID        string
	CreatedAt time.Time

	mu            sync.RWMutex
	state         protocol.ConnectionState
	reason        protocol.ReasonCode
	qr            QR
	ownerJID      string
	profileName   string
	profilePicURL string
	snapshot      config.Snapshot
	deleted       bool
}

// New creates an instance in the close state with a generated id.
func New(name string, snapshot config.Snapshot) *Instance {
	snapshot.InstanceName = name
	return &Instance{
		Name:      name,
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     protocol.StateClose,
		snapshot:  snapshot,
	}
}

// State returns the current connection state and close reason.
func (i *Instance) State() (protocol.ConnectionState, protocol.ReasonCode) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state, i.reason
}

// SetState records a state transition.
func (i *Instance) SetState(state protocol.ConnectionState, reason protocol.ReasonCode) {
	i.mu.Lock()
	i.state = state
	i.reason = reason
	i.mu.Unlock()
}

// QR returns the current pairing artifact.
func (i *Instance) QR() QR {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.qr
}

// IssueQR stores a new QR payload and returns the updated issuance count.
func (i *Instance) IssueQR(code string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.qr.Code = code
	i.qr.Count++
	return i.qr.Count
}

// SetPairingCode stores the numeric pairing code.
func (i *Instance) SetPairingCode(code string) {
	i.mu.Lock()
	i.qr.PairingCode = code
	i.mu.Unlock()
}

// ResetQR clears the pairing artifact and counter for a fresh cycle.
func (i *Instance) ResetQR() {
	i.mu.Lock()
	i.qr = QR{}
	i.mu.Unlock()
}

// Profile returns the resolved owner identity.
func (i *Instance) Profile() (jid, name, picURL string) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ownerJID, i.profileName, i.profilePicURL
}

// SetProfile stores the owner identity resolved on open. Empty fields
// leave previous values intact since enrichment is best-effort.
func (i *Instance) SetProfile(jid, name, picURL string) {
	i.mu.Lock()
	if jid != "" {
		i.ownerJID = jid
	}
	if name != "" {
		i.profileName = name
	}
	if picURL != "" {
		i.profilePicURL = picURL
	}
	i.mu.Unlock()
}

// Snapshot returns the tenant configuration for the current connection
// cycle.
func (i *Instance) Snapshot() config.Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.snapshot.Clone()
}

// SetSnapshot replaces the tenant configuration. Takes effect for
// handlers on the next connection cycle; in-flight cycles keep the
// snapshot they resolved.
func (i *Instance) SetSnapshot(snap config.Snapshot) {
	snap.InstanceName = i.Name
	i.mu.Lock()
	i.snapshot = snap
	i.mu.Unlock()
}

// MarkDeleted sets the terminal guard observed by in-flight reconnects.
func (i *Instance) MarkDeleted() {
	i.mu.Lock()
	i.deleted = true
	i.mu.Unlock()
}

// Deleted reports whether the instance was explicitly removed or closed.
func (i *Instance) Deleted() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.deleted
}
