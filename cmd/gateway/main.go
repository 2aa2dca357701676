// Package main implements the entry point for the Evolution gateway, a
// multi-tenant chat protocol gateway: it supervises tenant sessions,
// normalizes protocol callbacks into canonical records, and fans events
// out to webhook, broker, queue, and socket sinks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/EvolutionAPI/evolution-gateway/collab"
	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/engine"
	adminhttp "github.com/EvolutionAPI/evolution-gateway/gateway/http"
	"github.com/EvolutionAPI/evolution-gateway/health"
	"github.com/EvolutionAPI/evolution-gateway/instance"
	"github.com/EvolutionAPI/evolution-gateway/metric"
	"github.com/EvolutionAPI/evolution-gateway/pipeline"
	"github.com/EvolutionAPI/evolution-gateway/pkg/cache"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
	"github.com/EvolutionAPI/evolution-gateway/sink/broker"
	"github.com/EvolutionAPI/evolution-gateway/sink/queue"
	"github.com/EvolutionAPI/evolution-gateway/sink/socket"
	"github.com/EvolutionAPI/evolution-gateway/sink/webhook"
	"github.com/EvolutionAPI/evolution-gateway/store"
	"github.com/EvolutionAPI/evolution-gateway/supervisor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "evolution-gateway"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, cliCfg)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Deployment config behind a SafeConfig: the admin API can update
	// the global webhook settings at runtime.
	deploy := config.NewSafeConfig(cfg)

	ctx := context.Background()

	cacheStore := buildCache(ctx, cfg)
	defer func() { _ = cacheStore.Close() }()

	metrics := metric.NewMetrics()
	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metrics)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
	}

	repos := store.NewMemoryRepos()
	registry := instance.NewRegistry()

	sinks, brokerSink, queueSink, socketSink, err := buildSinks(ctx, cfg, deploy, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := brokerSink.Stop(); err != nil {
			logger.Warn("broker shutdown", "error", err)
		}
		if err := queueSink.Stop(); err != nil {
			logger.Warn("queue shutdown", "error", err)
		}
	}()

	dispatcher := dispatch.NewDispatcher(
		dispatch.NewEnvelopeBuilder(cfg.Server.URL), metrics, logger, sinks...)

	offerer, botSessions := buildCollaborators(cfg, cacheStore, repos, metrics, logger)
	if err := offerer.Start(ctx); err != nil {
		return fmt.Errorf("start collaborator pool: %w", err)
	}
	defer func() { _ = offerer.Stop(5 * time.Second) }()

	pipe := pipeline.New(repos, cacheStore, dispatcher, offerer, pipeline.Options{
		DedupTTL:          cfg.Session.DedupTTL,
		GroupCacheTTL:     cfg.Session.GroupCacheTTL,
		CRMImportDayLimit: cfg.CRM.ImportDayLimit,
	}, metrics, logger)

	// The supervisor is built after the engine, so the history policy is
	// bound through a closure. Drivers only consult it once sessions
	// connect, well after sup is assigned below.
	var sup *supervisor.Supervisor
	eng, err := engine.Open(cfg.Engine.Driver, engine.Deps{
		Logger:   logger,
		Messages: pipe,
		History: protocol.HistorySyncPolicyFunc(func(name string) bool {
			return sup != nil && sup.ShouldSyncHistory(name)
		}),
	})
	if err != nil {
		return fmt.Errorf("open engine driver: %w", err)
	}
	logger.Info("protocol engine ready", "driver", cfg.Engine.Driver)

	var janitor supervisor.SessionJanitor
	if botSessions != nil {
		janitor = botSessions
	}
	sup = supervisor.New(eng, registry, pipe, dispatcher, janitor, cfg.Session.QRLimit, metrics, logger)

	monitor := buildMonitor(cfg, brokerSink, queueSink)

	admin := adminhttp.NewServer(deploy, registry, sup, pipe, monitor, logger)

	socketServer := startSocketServer(cfg, socketSink, logger)
	if socketServer != nil {
		defer func() { _ = socketServer.Close() }()
	}

	return runWithSignalHandling(ctx, admin, sup, registry, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting gateway",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// applyFlagOverrides lets CLI flags win over the config file for the
// logging knobs.
func applyFlagOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
}

// buildCache wires the in-memory cache, or the no-op variant when the
// cache layer is disabled. Every caller behaves identically either way.
func buildCache(ctx context.Context, cfg *config.Config) cache.Store {
	if !cfg.Cache.Enabled {
		slog.Info("cache layer disabled, using no-op store")
		return cache.NewNoop()
	}

	var opts []cache.MemoryOption
	if cfg.Cache.DefaultTTL > 0 {
		opts = append(opts, cache.WithDefaultTTL(cfg.Cache.DefaultTTL))
	}
	return cache.NewMemory(ctx, opts...)
}

// buildSinks constructs every delivery adapter and starts the ones that
// hold connections. Disabled sinks still participate in fan-out and
// answer each delivery with a skip.
func buildSinks(
	ctx context.Context,
	cfg *config.Config,
	deploy *config.SafeConfig,
	metrics *metric.Metrics,
	logger *slog.Logger,
) ([]dispatch.Sink, *broker.Sink, *queue.Sink, *socket.Sink, error) {
	webhookSink := webhook.New(deploy, logger)
	brokerSink := broker.New(cfg.Broker, metrics, logger)
	queueSink := queue.New(cfg.Queue, metrics, logger)
	socketSink := socket.New(cfg.Socket, metrics, logger)

	if err := brokerSink.Start(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start broker sink: %w", err)
	}
	if err := queueSink.Start(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start queue sink: %w", err)
	}

	sinks := []dispatch.Sink{webhookSink, brokerSink, queueSink, socketSink}
	return sinks, brokerSink, queueSink, socketSink, nil
}

// buildCollaborators wires the CRM bridge and bot engine behind the
// offer pool. Either collaborator may be absent; the pool itself always
// runs so offers stay non-blocking for the pipeline. The returned
// session store is nil when the bot engine is disabled; the supervisor
// clears it on logout.
func buildCollaborators(
	cfg *config.Config,
	cacheStore cache.Store,
	repos store.Repos,
	metrics *metric.Metrics,
	logger *slog.Logger,
) (*collab.Offerer, *collab.SessionStore) {
	var crm collab.CRMBridge
	if cfg.CRM.Enabled {
		crm = collab.NewHTTPCRMBridge(cfg.CRM)
		logger.Info("crm bridge enabled", "url", cfg.CRM.URL)
	}

	var bot collab.BotEngine
	var sessions *collab.SessionStore
	if cfg.Bot.Enabled {
		sessions = collab.NewSessionStore(cacheStore, 0)
		bot = collab.NewHTTPBotEngine(cfg.Bot, sessions)
		logger.Info("bot engine enabled", "url", cfg.Bot.URL)
	}

	return collab.NewOfferer(crm, bot, repos.Messages, metrics, logger), sessions
}

// buildMonitor registers health checkers for the connection-holding
// sinks.
func buildMonitor(cfg *config.Config, brokerSink *broker.Sink, queueSink *queue.Sink) *health.Monitor {
	monitor := health.NewMonitor()

	if cfg.Broker.Enabled {
		monitor.Register(health.CheckFunc{Component: "rabbitmq", Fn: func() health.Status {
			if brokerSink.Connected() {
				return health.Healthy("rabbitmq", "")
			}
			return health.Unhealthy("rabbitmq", "connection down")
		}})
	}

	if cfg.Queue.Enabled {
		monitor.Register(health.CheckFunc{Component: "queue", Fn: func() health.Status {
			if queueSink.Connected() {
				return health.Healthy("queue", "")
			}
			return health.Degraded("queue", "reconnecting")
		}})
	}

	return monitor
}

// startSocketServer serves the realtime socket rooms on their own port
// when the sink is enabled.
func startSocketServer(cfg *config.Config, socketSink *socket.Sink, logger *slog.Logger) *http.Server {
	if !cfg.Socket.Enabled {
		return nil
	}

	port := cfg.Socket.Port
	if port == 0 {
		port = 8081
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     socketSink.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("socket server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("socket server failed", "error", err)
		}
	}()
	return srv
}

// runWithSignalHandling serves the admin API until a shutdown signal
// arrives, then closes every live session and stops the server.
func runWithSignalHandling(
	ctx context.Context,
	admin *adminhttp.Server,
	sup *supervisor.Supervisor,
	registry *instance.Registry,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- admin.Start() }()

	logger.Info("gateway started")

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-signalCtx.Done():
		logger.Info("received shutdown signal")
	}

	for _, name := range registry.Names() {
		if err := sup.Close(name); err != nil {
			logger.Warn("closing session on shutdown", "instance", name, "error", err)
		}
	}

	if err := admin.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("gateway shutdown complete")
	return nil
}
