package metric

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EvolutionAPI/evolution-gateway/errors"
)

// Server serves the Prometheus scrape endpoint.
type Server struct {
	port    int
	path    string
	server  *http.Server
	metrics *Metrics
	mu      sync.Mutex // protects server field
}

// NewServer creates a metrics server for the given Metrics instance.
func NewServer(port int, path string, metrics *Metrics) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	return &Server{
		port:    port,
		path:    path,
		metrics: metrics,
	}
}

// Start starts the metrics HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "metrics server already running")
	}
	if s.metrics == nil {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "metrics not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}
	srv := s.server
	s.mu.Unlock()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on port %d", s.port))
	}
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop", "close HTTP server")
		}
	}
	return nil
}
