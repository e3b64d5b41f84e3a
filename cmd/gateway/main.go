package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shubh96git/asr-websocket-module/internal/auth"
	"github.com/shubh96git/asr-websocket-module/internal/config"
	"github.com/shubh96git/asr-websocket-module/internal/metrics"
	"github.com/shubh96git/asr-websocket-module/internal/ratelimit"
	"github.com/shubh96git/asr-websocket-module/internal/relay"
	"github.com/shubh96git/asr-websocket-module/internal/server"
	"github.com/shubh96git/asr-websocket-module/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "asr-relay-gateway"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("listen_address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("backend_url", cfg.Backend.URL),
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Duration("max_duration", cfg.Session.GetMaxDuration()),
		slog.Int("max_concurrent_sessions", cfg.Session.MaxConcurrentSessions),
		slog.Int("rate_limit_per_minute", cfg.RateLimit.RequestsPerMinute),
		slog.String("default_language", cfg.Session.DefaultLanguage),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Prometheus registry; the HTTP server exposes it at /metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	userStore, err := auth.NewUserStore(cfg.Auth.Users)
	if err != nil {
		logger.Error("Failed to build user store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tokenService := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.GetTokenTTL())

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	relayRegistry := relay.NewRegistry(relay.Config{
		URL:            cfg.Backend.URL,
		ConnectTimeout: cfg.Backend.GetConnectTimeout(),
		WriteTimeout:   cfg.Backend.GetWriteTimeout(),
	}, logger, appMetrics)

	sessionMgr := session.NewManager(session.Config{
		IdleTimeout:           cfg.Session.GetIdleTimeout(),
		MaxDuration:           cfg.Session.GetMaxDuration(),
		MaxConcurrentSessions: cfg.Session.MaxConcurrentSessions,
		DefaultLanguage:       cfg.Session.DefaultLanguage,
	}, logger, appMetrics, relayRegistry, limiter)
	logger.Info("Session manager initialized")

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Address:      cfg.Server.Address,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, logger, appMetrics, registry, tokenService, userStore, sessionMgr, relayRegistry)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new connections first, then close the live sessions
	// and their backend counterparts.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	sessionMgr.Shutdown()
	relayRegistry.CloseAll()

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
