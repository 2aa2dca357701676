// Package http provides the administrative HTTP surface: tenant
// provisioning and lifecycle, per-tenant sink settings, and health.
package http

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/health"
	"github.com/EvolutionAPI/evolution-gateway/instance"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// Controller is the supervisor surface the admin API drives.
type Controller interface {
	Connect(ctx context.Context, name string, opts protocol.BootstrapOptions) error
	Reconnect(ctx context.Context, name string) error
	Logout(ctx context.Context, name string) error
	Close(name string) error
}

// Marker marks conversations read on behalf of administrative callers.
type Marker interface {
	MarkRead(ctx context.Context, snap config.Snapshot, conversationID string) (int, error)
}

// Server is the admin HTTP server. Deployment config is read through a
// SafeConfig so the global-webhook endpoints can update it at runtime.
type Server struct {
	deploy   *config.SafeConfig
	registry *instance.Registry
	control  Controller
	marker   Marker
	monitor  *health.Monitor
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer creates the admin server. marker may be nil; the read-marking
// endpoint then answers 501.
func NewServer(deploy *config.SafeConfig, registry *instance.Registry, control Controller, marker Marker, monitor *health.Monitor, logger *slog.Logger) *Server {
	if deploy == nil {
		deploy = config.NewSafeConfig(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deploy:   deploy,
		registry: registry,
		control:  control,
		marker:   marker,
		monitor:  monitor,
		logger:   logger.With("component", "admin-http"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", deploy.Get().Server.Port),
		Handler:      s.withRequestID(s.withAuth(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the configured handler stack, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /instance/create", s.handleCreate)
	mux.HandleFunc("GET /instance/fetchInstances", s.handleFetch)
	mux.HandleFunc("GET /instance/connect/{name}", s.handleConnect)
	mux.HandleFunc("GET /instance/connectionState/{name}", s.handleConnectionState)
	mux.HandleFunc("PUT /instance/restart/{name}", s.handleRestart)
	mux.HandleFunc("DELETE /instance/logout/{name}", s.handleLogout)
	mux.HandleFunc("DELETE /instance/delete/{name}", s.handleDelete)

	mux.HandleFunc("POST /chat/markMessagesRead/{name}", s.handleMarkRead)

	mux.HandleFunc("POST /webhook/set/{name}", s.handleWebhookSet)
	mux.HandleFunc("GET /webhook/find/{name}", s.handleWebhookFind)
	mux.HandleFunc("POST /webhook/global", s.handleGlobalWebhookSet)
	mux.HandleFunc("GET /webhook/global", s.handleGlobalWebhookFind)
	mux.HandleFunc("POST /rabbitmq/set/{name}", s.handleBrokerSet)
	mux.HandleFunc("GET /rabbitmq/find/{name}", s.handleBrokerFind)
	mux.HandleFunc("POST /queue/set/{name}", s.handleQueueSet)
	mux.HandleFunc("GET /queue/find/{name}", s.handleQueueFind)
	mux.HandleFunc("POST /websocket/set/{name}", s.handleSocketSet)
	mux.HandleFunc("GET /websocket/find/{name}", s.handleSocketFind)
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// withRequestID tags every request for tracing across logs.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			b := make([]byte, 8)
			if _, err := rand.Read(b); err == nil {
				reqID = hex.EncodeToString(b)
			} else {
				reqID = fmt.Sprintf("req-%d", time.Now().UnixNano())
			}
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the deployment api key. The health endpoint stays
// open for probes.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.deploy.Get().Auth.APIKey
		if r.URL.Path == "/health" || apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("apikey")
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"status": code, "error": message})
}

// writeFailure maps classified errors onto HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrInstanceExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrInstanceConnected):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
