package config

import "slices"

// SinkSettings is one sink's per-tenant enablement and event allow-list.
type SinkSettings struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Events  []string `json:"events"  yaml:"events"`
}

// Allows reports whether the sink is enabled for the event.
func (s SinkSettings) Allows(event string) bool {
	return s.Enabled && slices.Contains(s.Events, event)
}

// WebhookSettings is a tenant's webhook sink configuration.
type WebhookSettings struct {
	Enabled  bool              `json:"enabled"           yaml:"enabled"`
	URL      string            `json:"url"               yaml:"url"`
	ByEvents bool              `json:"webhook_by_events" yaml:"webhook_by_events"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
	Events   []string          `json:"events"            yaml:"events"`
}

// Allows reports whether the webhook is enabled for the event.
func (w WebhookSettings) Allows(event string) bool {
	return w.Enabled && w.URL != "" && slices.Contains(w.Events, event)
}

// Behavior holds per-tenant session behavior toggles.
type Behavior struct {
	RejectCalls     bool `json:"reject_calls"      yaml:"reject_calls"`
	GroupsIgnore    bool `json:"groups_ignore"     yaml:"groups_ignore"`
	AlwaysOnline    bool `json:"always_online"     yaml:"always_online"`
	ReadMessages    bool `json:"read_messages"     yaml:"read_messages"`
	SyncFullHistory bool `json:"sync_full_history" yaml:"sync_full_history"`
}

// Snapshot is one tenant's complete configuration, resolved once per
// connection cycle and passed into handlers unchanged. Handlers never
// read shared mutable config mid-callback.
type Snapshot struct {
	InstanceName string          `json:"instance_name"`
	Token        string          `json:"token,omitempty"` // per-tenant api key, carried in envelopes
	Proxy        string          `json:"proxy,omitempty"`
	Behavior     Behavior        `json:"behavior"`
	Webhook      WebhookSettings `json:"webhook"`
	Broker       SinkSettings    `json:"rabbitmq"`
	Queue        SinkSettings    `json:"queue"`
	Socket       SinkSettings    `json:"websocket"`
	CRMEnabled   bool            `json:"chatwoot_enabled"`
	BotEnabled   bool            `json:"typebot_enabled"`
}

// Clone returns an independent copy so a stored snapshot can be mutated
// by the admin surface without racing a running connection cycle.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Webhook.Events = slices.Clone(s.Webhook.Events)
	out.Broker.Events = slices.Clone(s.Broker.Events)
	out.Queue.Events = slices.Clone(s.Queue.Events)
	out.Socket.Events = slices.Clone(s.Socket.Events)
	if s.Webhook.Headers != nil {
		out.Webhook.Headers = make(map[string]string, len(s.Webhook.Headers))
		for k, v := range s.Webhook.Headers {
			out.Webhook.Headers[k] = v
		}
	}
	return out
}
