package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errConnClosed marks writes dropped because the backend connection is gone
var errConnClosed = errors.New("backend connection closed")

// configMessage is the control message sent to the backend after the
// handshake and on every language change.
type configMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
}

// Conn is one outbound streaming connection to the recognition backend.
// It forwards binary audio frames, keeps the backend's language
// configuration in sync, and delivers transcript text to the registered
// listener in backend arrival order.
type Conn struct {
	sessionID string
	logger    *slog.Logger

	writeTimeout time.Duration

	mu       sync.RWMutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	language string
	listener func(transcript string)
	closed   bool

	closeOnce sync.Once
}

// dial opens the backend connection, sends the initial language
// configuration and starts the read loop.
func dial(url string, sessionID, language string, connectTimeout, writeTimeout time.Duration, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
	}

	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		sessionID:    sessionID,
		logger:       logger,
		writeTimeout: writeTimeout,
		conn:         ws,
		language:     language,
	}

	c.logger.Info("Connected to recognition backend",
		slog.String("session_id", sessionID),
		slog.String("url", url),
		slog.String("language", language),
	)

	c.sendConfig()

	go c.readLoop()

	return c, nil
}

// SetLanguage updates the language and re-sends the backend configuration message
func (c *Conn) SetLanguage(language string) {
	c.mu.Lock()
	c.language = language
	c.mu.Unlock()

	c.logger.Info("Switching backend language",
		slog.String("session_id", c.sessionID),
		slog.String("language", language),
	)

	c.sendConfig()
}

// Language returns the currently configured language code
func (c *Conn) Language() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.language
}

// sendConfig sends the current language configuration as a text frame
func (c *Conn) sendConfig() {
	c.mu.RLock()
	language := c.language
	c.mu.RUnlock()

	data, err := json.Marshal(configMessage{Event: "lang", Code: language})
	if err != nil {
		c.logger.Error("Failed to marshal backend config message",
			slog.String("session_id", c.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.writeRaw(websocket.TextMessage, data); err != nil && !errors.Is(err, errConnClosed) {
		c.logger.Warn("Failed to send backend config message",
			slog.String("session_id", c.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// SendAudio forwards raw PCM bytes as a binary frame and reports whether the
// frame was actually written. It is a silent no-op returning false when the
// backend connection is closed; write failures are logged and the connection
// is marked closed so later sends drop cleanly.
func (c *Conn) SendAudio(data []byte) bool {
	err := c.writeRaw(websocket.BinaryMessage, data)
	if err == nil {
		return true
	}
	if !errors.Is(err, errConnClosed) {
		c.logger.Warn("Failed to forward audio to backend",
			slog.String("session_id", c.sessionID),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)
	}
	return false
}

// SetTranscriptListener registers the callback receiving transcript text.
// The latest registration wins; only one listener is active at a time.
func (c *Conn) SetTranscriptListener(listener func(transcript string)) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// Closed reports whether the backend connection is no longer usable
func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// writeRaw writes one frame to the backend, serializing concurrent writers.
// Returns errConnClosed without writing when the connection is already closed.
func (c *Conn) writeRaw(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	ws := c.conn
	c.mu.RUnlock()

	if closed || ws == nil {
		return errConnClosed
	}

	ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ws.WriteMessage(msgType, data); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// readLoop delivers backend text frames to the registered listener.
// Frames are delivered in arrival order; non-text frames are ignored.
func (c *Conn) readLoop() {
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()

			if !closed {
				c.logger.Info("Backend connection closed",
					slog.String("session_id", c.sessionID),
					slog.String("error", err.Error()),
				)
				c.markClosed()
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		c.mu.RLock()
		listener := c.listener
		c.mu.RUnlock()

		if listener != nil {
			listener(string(message))
		}
	}
}

// markClosed flags the connection as unusable; later sends become no-ops
func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close tears down the backend connection. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.markClosed()

		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing backend connection",
				slog.String("session_id", c.sessionID),
				slog.String("error", err.Error()),
			)
		}
	})
}
