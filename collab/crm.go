package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
)

// HTTPCRMBridge forwards events to a CRM service over HTTP. The service
// answers with an identifier for the conversation message it created,
// which the gateway stores alongside the canonical record.
type HTTPCRMBridge struct {
	cfg    config.CRMConfig
	client *http.Client
}

// NewHTTPCRMBridge creates the bridge.
func NewHTTPCRMBridge(cfg config.CRMConfig) *HTTPCRMBridge {
	return &HTTPCRMBridge{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type crmIntake struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     any    `json:"data"`
}

type crmReply struct {
	ID string `json:"id"`
}

// OnEvent implements CRMBridge.
func (b *HTTPCRMBridge) OnEvent(ctx context.Context, event string, snap config.Snapshot, payload any) (string, error) {
	if b.cfg.URL == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "HTTPCRMBridge", "OnEvent", "crm url")
	}

	body, err := json.Marshal(crmIntake{Event: event, Instance: snap.InstanceName, Data: payload})
	if err != nil {
		return "", errors.WrapInvalid(err, "HTTPCRMBridge", "OnEvent", "marshal intake")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.WrapInvalid(err, "HTTPCRMBridge", "OnEvent", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "HTTPCRMBridge", "OnEvent", "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, resp.Body)
		return "", errors.WrapTransient(
			fmt.Errorf("%w: crm returned %d", errors.ErrPublishFailed, resp.StatusCode),
			"HTTPCRMBridge", "OnEvent", "intake")
	}

	var reply crmReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		// Reference is optional; an unparseable body is not a failure
		return "", nil
	}
	return reply.ID, nil
}

var _ CRMBridge = (*HTTPCRMBridge)(nil)
