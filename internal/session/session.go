package session

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/shubh96git/asr-websocket-module/internal/relay"
)

// controlMessage is an inbound JSON text frame carrying an event directive
type controlMessage struct {
	Event *string `json:"event"`
	Code  *string `json:"code"`
}

const invalidControlReply = `{"error":"Invalid control message"}`
const rateLimitReply = `{"error":"Rate limit exceeded"}`

// Session is one client-facing connection and its relay state. Frames from
// the client are processed in arrival order by readLoop; the idle timer and
// backend transcript delivery run on their own goroutines and synchronize
// with the frame path only around timer rearming and teardown.
type Session struct {
	ID        string
	Username  string
	StartTime time.Time

	manager *Manager
	ws      *websocket.Conn
	bucket  *rate.Limiter

	// writeMu serializes all writes to the client connection
	writeMu sync.Mutex

	mu        sync.Mutex
	language  string
	idleTimer *time.Timer
	closing   bool

	closeOnce sync.Once
}

// readLoop processes inbound frames until the session enters teardown.
// No frame is dispatched once the session is closing.
func (s *Session) readLoop() {
	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			s.Close(ReasonClientDisconnected)
			return
		}

		if s.isClosing() {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleBinary(data)
		case websocket.TextMessage:
			s.handleText(string(data))
		}
	}
}

// handleBinary relays one audio frame: rate limit, liveness, duration cap,
// then forward to the backend connection (created lazily on first use).
func (s *Session) handleBinary(data []byte) {
	if !s.bucket.Allow() {
		s.manager.metrics.RecordRateLimitRejection()
		s.writeText(rateLimitReply)
		s.Close(ReasonRateLimited)
		return
	}

	s.resetIdleTimer()

	if time.Since(s.StartTime) > s.manager.config.MaxDuration {
		s.Close(ReasonMaxDuration)
		return
	}

	conn, err := s.backendConn()
	if err != nil {
		s.manager.logger.Error("Backend connection unavailable",
			slog.String("session_id", s.ID),
			slog.String("username", s.Username),
			slog.String("error", err.Error()),
		)
		s.Close(ReasonBackendUnavailable)
		return
	}

	if conn.SendAudio(data) {
		s.manager.metrics.RecordFrameForwarded(len(data))
	}
}

// handleText processes one control or ack frame
func (s *Session) handleText(payload string) {
	if !strings.HasPrefix(payload, "{") {
		s.writeText("Server ACK: " + payload)
		return
	}

	var ctrl controlMessage
	if err := json.Unmarshal([]byte(payload), &ctrl); err != nil || ctrl.Event == nil {
		s.writeText(invalidControlReply)
		return
	}

	switch *ctrl.Event {
	case "lang":
		if ctrl.Code == nil || *ctrl.Code == "" {
			s.writeText(invalidControlReply)
			return
		}
		s.handleLanguageSwitch(*ctrl.Code)

	case "stop":
		s.Close(ReasonStoppedByUser)

	default:
		s.writeText("Unknown event: " + *ctrl.Event)
	}
}

// handleLanguageSwitch updates the session language and propagates it to the
// backend. The backend connection is created here if no audio has arrived
// yet, so a language switch before the first frame behaves the same as one
// after it.
func (s *Session) handleLanguageSwitch(code string) {
	s.mu.Lock()
	s.language = code
	s.mu.Unlock()

	conn, err := s.backendConn()
	if err != nil {
		s.manager.logger.Error("Backend connection unavailable",
			slog.String("session_id", s.ID),
			slog.String("username", s.Username),
			slog.String("error", err.Error()),
		)
		s.Close(ReasonBackendUnavailable)
		return
	}
	conn.SetLanguage(code)

	s.manager.logger.Info("Session language switched",
		slog.String("session_id", s.ID),
		slog.String("username", s.Username),
		slog.String("language", code),
	)

	s.writeText("Language set to: " + code)
}

// backendConn returns this session's backend connection, creating it and
// registering transcript delivery on first use. Registration is repeated on
// every call; the latest registration wins, so this is idempotent.
func (s *Session) backendConn() (*relay.Conn, error) {
	c, err := s.manager.registry.GetOrCreate(s.ID, s.currentLanguage())
	if err != nil {
		return nil, err
	}
	c.SetTranscriptListener(s.deliverTranscript)
	return c, nil
}

// deliverTranscript writes backend transcript text to the client. Send
// failures on a closing connection are logged and swallowed; a transient
// client write error must not terminate the relay.
func (s *Session) deliverTranscript(text string) {
	if s.isClosing() {
		return
	}

	if err := s.writeText(text); err != nil {
		s.manager.logger.Warn("Failed to deliver transcript to client",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.manager.metrics.RecordTranscriptDelivered()
}

// writeText sends a text frame to the client, serializing concurrent writers
func (s *Session) writeText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// currentLanguage returns the session's selected language code
func (s *Session) currentLanguage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// isClosing reports whether teardown has started
func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// armIdleTimer starts the idle timeout for a newly admitted session
func (s *Session) armIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.idleTimer = time.AfterFunc(s.manager.config.IdleTimeout, func() {
		s.Close(ReasonIdleTimeout)
	})
}

// resetIdleTimer cancels the pending idle timeout and arms a fresh one.
// Audio activity counts as liveness.
func (s *Session) resetIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.manager.config.IdleTimeout, func() {
		s.Close(ReasonIdleTimeout)
	})
}

// Close tears the session down: it cancels the idle timer, removes the
// session from its user's set, closes and unregisters the backend
// connection, and closes the client connection with the given reason.
// Idempotent; every termination path funnels through here exactly once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()

		s.manager.removeSession(s)
		s.manager.registry.Remove(s.ID)

		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		s.ws.Close()

		duration := time.Since(s.StartTime)
		s.manager.metrics.RecordSessionClosed(reason, duration.Seconds())

		s.manager.logger.Info("WebSocket session closed",
			slog.String("session_id", s.ID),
			slog.String("username", s.Username),
			slog.String("reason", reason),
			slog.Duration("duration", duration),
		)
	})
}
