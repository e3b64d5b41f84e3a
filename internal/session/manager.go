package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shubh96git/asr-websocket-module/internal/metrics"
	"github.com/shubh96git/asr-websocket-module/internal/ratelimit"
	"github.com/shubh96git/asr-websocket-module/internal/relay"
)

// Close reasons delivered to clients in the close frame.
const (
	ReasonUnauthorized       = "Unauthorized"
	ReasonTooManySessions    = "Too many concurrent sessions"
	ReasonRateLimited        = "Rate limit exceeded"
	ReasonIdleTimeout        = "Idle timeout"
	ReasonMaxDuration        = "Max session duration reached"
	ReasonStoppedByUser      = "Stopped by user"
	ReasonClientDisconnected = "Client disconnected"
	ReasonBackendUnavailable = "Backend unavailable"
	ReasonShutdown           = "Server shutting down"
)

// Config contains per-session policy parameters
type Config struct {
	IdleTimeout           time.Duration
	MaxDuration           time.Duration
	MaxConcurrentSessions int
	DefaultLanguage       string
}

// Manager owns all client-facing relay sessions. It enforces the per-user
// concurrency cap and holds the shared state every session touches: the
// user session sets, the backend connection registry and the rate limiter.
type Manager struct {
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	registry *relay.Registry
	limiter  *ratelimit.Limiter

	mu           sync.Mutex
	userSessions map[string]map[*Session]struct{}
}

// NewManager creates a session manager
func NewManager(config Config, logger *slog.Logger, m *metrics.Metrics,
	registry *relay.Registry, limiter *ratelimit.Limiter) *Manager {

	return &Manager{
		config:       config,
		logger:       logger,
		metrics:      m,
		registry:     registry,
		limiter:      limiter,
		userSessions: make(map[string]map[*Session]struct{}),
	}
}

// Handle runs one client connection to completion. It performs admission,
// processes frames until the session closes, and guarantees teardown of the
// session's timer, registry entry and user set membership on every exit path.
// The username must have been validated during the handshake; an empty
// username is rejected before any session state is created.
func (m *Manager) Handle(ws *websocket.Conn, username string) {
	if username == "" {
		m.metrics.RecordSessionRejected(ReasonUnauthorized)
		rejectConn(ws, websocket.CloseUnsupportedData, ReasonUnauthorized)
		return
	}

	session, ok := m.admit(ws, username)
	if !ok {
		m.logger.Warn("Rejected connection: concurrency cap reached",
			slog.String("username", username),
		)
		m.metrics.RecordSessionRejected(ReasonTooManySessions)
		rejectConn(ws, websocket.ClosePolicyViolation, ReasonTooManySessions)
		return
	}

	m.metrics.RecordSessionCreated()
	m.logger.Info("WebSocket session connected",
		slog.String("session_id", session.ID),
		slog.String("username", username),
	)

	session.armIdleTimer()
	session.readLoop()
}

// admit atomically checks the user's concurrency cap and registers a new
// session. Returns false without creating anything when the cap is reached.
func (m *Manager) admit(ws *websocket.Conn, username string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.userSessions[username]
	if len(set) >= m.config.MaxConcurrentSessions {
		return nil, false
	}
	if set == nil {
		set = make(map[*Session]struct{})
		m.userSessions[username] = set
	}

	session := &Session{
		ID:        uuid.NewString(),
		Username:  username,
		StartTime: time.Now(),
		manager:   m,
		ws:        ws,
		bucket:    m.limiter.Resolve(username),
		language:  m.config.DefaultLanguage,
	}
	set[session] = struct{}{}

	return session, true
}

// removeSession drops the session from its user's set, pruning empty sets
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.userSessions[s.Username]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(m.userSessions, s.Username)
	}
}

// ActiveSessionCount returns the number of currently open sessions
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, set := range m.userSessions {
		count += len(set)
	}
	return count
}

// UserSessionCount returns the number of open sessions for one user
func (m *Manager) UserSessionCount(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userSessions[username])
}

// Shutdown closes every open session, used during graceful shutdown
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0)
	for _, set := range m.userSessions {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	if len(sessions) > 0 {
		m.logger.Info("Closing remaining sessions",
			slog.Int("count", len(sessions)),
		)
	}

	for _, s := range sessions {
		s.Close(ReasonShutdown)
	}
}

// rejectConn closes a connection that never became a session
func rejectConn(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	ws.Close()
}
