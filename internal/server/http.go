package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shubh96git/asr-websocket-module/internal/auth"
	"github.com/shubh96git/asr-websocket-module/internal/metrics"
	"github.com/shubh96git/asr-websocket-module/internal/relay"
	"github.com/shubh96git/asr-websocket-module/internal/session"
)

// HTTPServer serves the WebSocket relay endpoint, login, and monitoring APIs
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	tokens     *auth.TokenService
	users      *auth.UserStore
	sessionMgr *session.Manager
	registry   *relay.Registry
	upgrader   websocket.Upgrader

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address      string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewHTTPServer creates the gateway HTTP server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, m *metrics.Metrics,
	gatherer prometheus.Gatherer, tokens *auth.TokenService, users *auth.UserStore,
	sessionMgr *session.Manager, registry *relay.Registry) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		metrics:    m,
		gatherer:   gatherer,
		tokens:     tokens,
		users:      users,
		sessionMgr: sessionMgr,
		registry:   registry,
		upgrader: websocket.Upgrader{
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler: mux,
		// Deadlines apply to the plain HTTP endpoints only; the relay
		// endpoint hijacks the connection during the upgrade.
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return h
}

// Handler returns the server's root handler, used directly by tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures the HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// WebSocket relay endpoint; no metrics wrapper since the connection
	// is hijacked and the status code is meaningless afterwards.
	mux.HandleFunc("/api/asr-stream", h.handleStream)

	mux.HandleFunc("/auth/login", h.withMetrics("/auth/login", h.handleLogin))
	mux.HandleFunc("/healthz", h.withMetrics("/healthz", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleStream authenticates the handshake and upgrades to the relay protocol.
// The bearer credential is validated before the upgrade; an invalid credential
// is rejected with 401 and the relay state machine never starts.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	username, err := h.tokens.Verify(token)
	if err != nil {
		h.logger.Warn("Rejected handshake: invalid token",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	h.sessionMgr.Handle(ws, username)
}

// loginRequest is the JSON body accepted by the login endpoint
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges username/password credentials for a bearer token
func (h *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	switch {
	case r.Header.Get("Content-Type") == "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	default:
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	if !h.users.Authenticate(req.Username, req.Password) {
		h.logger.Warn("Failed login attempt",
			slog.String("username", req.Username),
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.tokens.Generate(req.Username)
	if err != nil {
		h.logger.Error("Failed to generate token",
			slog.String("username", req.Username),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token": token,
		"type":  "Bearer",
	})
}

// handleHealth implements the /healthz endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":       "running",
				"active_count": h.sessionMgr.ActiveSessionCount(),
			},
			"backend": map[string]interface{}{
				"active_connections": h.registry.Count(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.sessionMgr.ActiveSessionCount(),
		},
		"backend": map[string]interface{}{
			"active_connections": h.registry.Count(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// writeJSONError writes a structured error response
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
