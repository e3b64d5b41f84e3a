package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shubh96git/asr-websocket-module/internal/metrics"
)

// Config contains the backend connection parameters
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// entry wraps a connection so that concurrent GetOrCreate calls for the same
// session perform at most one dial. conn, err and removed are guarded by the
// Registry mutex; removed marks entries torn down while the dial was still
// in flight, so the dial's completion path closes the orphaned connection.
type entry struct {
	once    sync.Once
	conn    *Conn
	err     error
	removed bool
}

// Registry is the process-wide mapping from gateway session id to its
// backend connection. At most one live connection exists per session id.
type Registry struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty backend connection registry
func NewRegistry(config Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		config:  config,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the backend connection for sessionID, dialing a new one
// if none exists. language configures a newly created connection; an existing
// connection is returned unchanged. Concurrent calls for the same session id
// share a single dial.
func (r *Registry) GetOrCreate(sessionID, language string) (*Conn, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{}
		r.entries[sessionID] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		conn, err := dial(r.config.URL, sessionID, language,
			r.config.ConnectTimeout, r.config.WriteTimeout, r.logger)
		r.metrics.RecordBackendDial(err == nil)

		r.mu.Lock()
		e.conn = conn
		e.err = err
		r.mu.Unlock()
	})

	r.mu.Lock()
	conn, err, removed := e.conn, e.err, e.removed

	if err != nil {
		// A failed dial must not occupy the slot; the next attempt redials.
		if r.entries[sessionID] == e {
			delete(r.entries, sessionID)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to connect to backend for session %s: %w", sessionID, err)
	}

	if removed {
		// Teardown ran while the dial was in flight; the entry is already
		// out of the map, so this connection must not escape unclosed.
		e.conn = nil
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
			r.metrics.RecordBackendClosed()
		}
		return nil, fmt.Errorf("session %s closed during backend dial", sessionID)
	}
	r.mu.Unlock()

	return conn, nil
}

// Get returns the existing connection for sessionID, if any
func (r *Registry) Get(sessionID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Remove closes and removes the connection for sessionID. A no-op if none
// exists. When the entry's dial has not completed yet, the entry is marked
// removed and the dial's completion path closes the connection instead.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	var conn *Conn
	if ok {
		e.removed = true
		conn = e.conn
		e.conn = nil
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()

	if conn == nil {
		return
	}

	conn.Close()
	r.metrics.RecordBackendClosed()

	r.logger.Debug("Removed backend connection",
		slog.String("session_id", sessionID),
	)
}

// Count returns the number of tracked backend connections
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll tears down every tracked connection, used during shutdown.
// Entries whose dial is still in flight are marked removed and closed by
// the dial's completion path.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.entries))
	for id, e := range r.entries {
		e.removed = true
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		r.metrics.RecordBackendClosed()
	}
}
