package http

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/instance"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

type createRequest struct {
	InstanceName string                 `json:"instanceName"`
	Token        string                 `json:"token"`
	Proxy        string                 `json:"proxy"`
	Behavior     config.Behavior        `json:"behavior"`
	Webhook      config.WebhookSettings `json:"webhook"`
	Broker       config.SinkSettings    `json:"rabbitmq"`
	Queue        config.SinkSettings    `json:"queue"`
	Socket       config.SinkSettings    `json:"websocket"`
	CRMEnabled   bool                   `json:"chatwoot_enabled"`
	BotEnabled   bool                   `json:"typebot_enabled"`
}

type instanceView struct {
	InstanceName string `json:"instanceName"`
	InstanceID   string `json:"instanceId"`
	Status       string `json:"status"`
	Owner        string `json:"owner,omitempty"`
	ProfileName  string `json:"profileName,omitempty"`
}

func viewOf(inst *instance.Instance) instanceView {
	state, _ := inst.State()
	owner, profileName, _ := inst.Profile()
	return instanceView{
		InstanceName: inst.Name,
		InstanceID:   inst.ID,
		Status:       state.String(),
		Owner:        owner,
		ProfileName:  profileName,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstanceName == "" {
		writeError(w, http.StatusBadRequest, "instanceName is required")
		return
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	}

	inst := instance.New(req.InstanceName, config.Snapshot{
		Token:      req.Token,
		Proxy:      req.Proxy,
		Behavior:   req.Behavior,
		Webhook:    req.Webhook,
		Broker:     req.Broker,
		Queue:      req.Queue,
		Socket:     req.Socket,
		CRMEnabled: req.CRMEnabled,
		BotEnabled: req.BotEnabled,
	})
	if err := s.registry.Put(inst); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": viewOf(inst),
		"hash":     map[string]string{"apikey": req.Token},
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.All()
	views := make([]instanceView, 0, len(all))
	for _, inst := range all {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := s.registry.Get(name)
	if err != nil {
		writeFailure(w, err)
		return
	}

	opts := protocol.BootstrapOptions{PhoneNumber: r.URL.Query().Get("number")}
	if err := s.control.Connect(r.Context(), name, opts); err != nil {
		// Connecting an already-open session is answered with its state
		if errors.Is(err, errors.ErrInstanceConnected) {
			writeJSON(w, http.StatusOK, map[string]any{"instance": viewOf(inst)})
			return
		}
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instance": viewOf(inst),
		"qrcode":   inst.QR(),
	})
}

func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	state, reason := inst.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":     inst.Name,
		"state":        state.String(),
		"statusReason": int(reason),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.registry.Get(name); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.control.Reconnect(r.Context(), name); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": name, "restarted": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.control.Logout(r.Context(), name); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": name, "loggedOut": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Delete(name); err != nil {
		writeFailure(w, err)
		return
	}
	// Best effort; the session is already gone when the state was close
	if err := s.control.Close(name); err != nil && !errors.Is(err, errors.ErrInstanceNotFound) {
		s.logger.Debug("closing deleted instance", "instance", name, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": name, "deleted": true})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.marker == nil {
		writeError(w, http.StatusNotImplemented, "read marking not available")
		return
	}

	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	count, err := s.marker.MarkRead(r.Context(), inst.Snapshot(), req.ConversationID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":     inst.Name,
		"conversation": req.ConversationID,
		"read":         count,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.Overall()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"uptime":    s.monitor.Uptime().String(),
		"instances": s.registry.Len(),
	})
}

// updateSnapshot applies fn to the instance's settings. The change takes
// effect on the next connection cycle.
func (s *Server) updateSnapshot(w http.ResponseWriter, name string, fn func(*config.Snapshot)) {
	inst, err := s.registry.Get(name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	snap := inst.Snapshot()
	fn(&snap)
	inst.SetSnapshot(snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWebhookSet(w http.ResponseWriter, r *http.Request) {
	var settings config.WebhookSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if settings.Enabled && settings.URL == "" {
		writeError(w, http.StatusBadRequest, "webhook enabled without url")
		return
	}
	s.updateSnapshot(w, r.PathValue("name"), func(snap *config.Snapshot) {
		snap.Webhook = settings
	})
}

func (s *Server) handleWebhookFind(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot().Webhook)
}

// handleGlobalWebhookSet replaces the deployment-wide webhook settings.
// The update goes through the deployment config's validation and takes
// effect on the next delivery.
func (s *Server) handleGlobalWebhookSet(w http.ResponseWriter, r *http.Request) {
	var settings config.GlobalWebhook
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	next := *s.deploy.Get()
	next.Webhook = settings
	if err := s.deploy.Update(&next); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGlobalWebhookFind(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deploy.Get().Webhook)
}

func (s *Server) handleBrokerSet(w http.ResponseWriter, r *http.Request) {
	var settings config.SinkSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.updateSnapshot(w, r.PathValue("name"), func(snap *config.Snapshot) {
		snap.Broker = settings
	})
}

func (s *Server) handleBrokerFind(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot().Broker)
}

func (s *Server) handleQueueSet(w http.ResponseWriter, r *http.Request) {
	var settings config.SinkSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.updateSnapshot(w, r.PathValue("name"), func(snap *config.Snapshot) {
		snap.Queue = settings
	})
}

func (s *Server) handleQueueFind(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot().Queue)
}

func (s *Server) handleSocketSet(w http.ResponseWriter, r *http.Request) {
	var settings config.SinkSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.updateSnapshot(w, r.PathValue("name"), func(snap *config.Snapshot) {
		snap.Socket = settings
	})
}

func (s *Server) handleSocketFind(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Snapshot().Socket)
}
