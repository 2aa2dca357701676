// Package dispatch fans normalized events out to the configured sinks.
// Each sink is evaluated independently per event; one sink failing or
// being disabled never affects delivery to the others.
package dispatch

import (
	"strings"
	"time"
)

// Envelope is the uniform payload every sink receives.
type Envelope struct {
	Event     string `json:"event"`
	Instance  string `json:"instance"`
	Data      any    `json:"data"`
	ServerURL string `json:"server_url"`
	DateTime  string `json:"date_time"`
	Sender    string `json:"sender,omitempty"`
	APIKey    string `json:"apikey,omitempty"`
}

// EnvelopeBuilder stamps deployment-level fields onto envelopes so event
// producers only supply the per-event parts.
type EnvelopeBuilder struct {
	serverURL string
	now       func() time.Time
}

// NewEnvelopeBuilder creates a builder reporting serverURL in envelopes.
func NewEnvelopeBuilder(serverURL string) *EnvelopeBuilder {
	return &EnvelopeBuilder{serverURL: serverURL, now: time.Now}
}

// Build assembles an envelope. Sender is the tenant's owner identity and
// apikey the tenant token; both are optional.
func (b *EnvelopeBuilder) Build(event, instance, sender, apikey string, data any) Envelope {
	return Envelope{
		Event:     event,
		Instance:  instance,
		Data:      data,
		ServerURL: b.serverURL,
		DateTime:  b.now().Format(time.RFC3339),
		Sender:    sender,
		APIKey:    apikey,
	}
}

// EventToken converts an event name to its path and routing form, e.g.
// "messages.upsert" becomes "messages-upsert".
func EventToken(event string) string {
	return strings.ReplaceAll(event, ".", "-")
}

// EventSubject converts an event name to a subject or queue segment,
// e.g. "messages.upsert" becomes "messages_upsert".
func EventSubject(event string) string {
	return strings.ReplaceAll(event, ".", "_")
}
