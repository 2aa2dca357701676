// Package webhook posts event envelopes to tenant and deployment HTTP
// endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
)

const defaultTimeout = 30 * time.Second

// Sink delivers envelopes over HTTP POST. A tenant endpoint comes from
// the snapshot; the deployment-wide endpoint comes from the deployment
// config and receives every allowed event regardless of tenant
// settings. Each endpoint gets exactly one attempt per envelope; a
// failed post is surfaced for logging, never retried.
type Sink struct {
	client *http.Client
	deploy *config.SafeConfig
	logger *slog.Logger
}

// New creates the webhook sink. The global endpoint follows the
// deployment config, so runtime updates through deploy take effect on
// the next delivery.
func New(deploy *config.SafeConfig, logger *slog.Logger) *Sink {
	if deploy == nil {
		deploy = config.NewSafeConfig(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		client: &http.Client{Timeout: defaultTimeout},
		deploy: deploy,
		logger: logger.With("component", "webhook-sink"),
	}
}

// Name implements dispatch.Sink.
func (s *Sink) Name() string { return "webhook" }

// Deliver posts the envelope to the tenant endpoint and the global
// endpoint, each evaluated on its own settings.
func (s *Sink) Deliver(ctx context.Context, snap config.Snapshot, env dispatch.Envelope) error {
	var firstErr error
	attempted := false

	if snap.Webhook.Allows(env.Event) {
		attempted = true
		url := endpointURL(snap.Webhook.URL, env.Event, snap.Webhook.ByEvents)
		if err := s.post(ctx, url, snap.Webhook.Headers, env); err != nil {
			firstErr = err
		}
	}

	global := s.deploy.Get().Webhook
	if global.Enabled && global.URL != "" && slices.Contains(global.Events, env.Event) {
		attempted = true
		url := endpointURL(global.URL, env.Event, global.ByEvents)
		if err := s.post(ctx, url, global.Headers, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !attempted {
		return errors.ErrSinkDisabled
	}
	return firstErr
}

// endpointURL appends the event path segment when routing by events.
func endpointURL(base, event string, byEvents bool) string {
	if !byEvents {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + dispatch.EventToken(event)
}

// post performs a single attempt against one endpoint. Endpoints
// receive each envelope at most once; the dispatcher logs failures.
func (s *Sink) post(ctx context.Context, url string, headers map[string]string, env dispatch.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "WebhookSink", "post", "marshal envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "WebhookSink", "post", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "WebhookSink", "post", "send request")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: endpoint returned %d", errors.ErrPublishFailed, resp.StatusCode)
	}
	return nil
}

var _ dispatch.Sink = (*Sink)(nil)
