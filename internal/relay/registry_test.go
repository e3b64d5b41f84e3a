package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shubh96git/asr-websocket-module/internal/metrics"
)

// backendMessage is one frame captured by the fake backend
type backendMessage struct {
	msgType int
	data    []byte
}

// fakeBackend is a minimal stand-in for the recognition service
type fakeBackend struct {
	server   *httptest.Server
	upgrades atomic.Int32
	received chan backendMessage

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{
		received: make(chan backendMessage, 64),
	}

	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.upgrades.Add(1)
		b.mu.Lock()
		b.conns = append(b.conns, ws)
		b.mu.Unlock()

		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			b.received <- backendMessage{msgType: msgType, data: data}
		}
	}))
	t.Cleanup(b.server.Close)

	return b
}

// url returns the ws:// address of the fake backend
func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// sendText pushes a text frame to every connected relay client
func (b *fakeBackend) sendText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.conns {
		ws.WriteMessage(websocket.TextMessage, []byte(text))
	}
}

// next waits for one captured frame
func (b *fakeBackend) next(t *testing.T) backendMessage {
	t.Helper()
	select {
	case msg := <-b.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend frame")
		return backendMessage{}
	}
}

func newTestRegistry(t *testing.T, url string) *Registry {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return NewRegistry(Config{
		URL:            url,
		ConnectTimeout: 2 * time.Second,
		WriteTimeout:   2 * time.Second,
	}, logger, m)
}

func decodeConfig(t *testing.T, msg backendMessage) configMessage {
	t.Helper()

	if msg.msgType != websocket.TextMessage {
		t.Fatalf("expected text frame, got type %d", msg.msgType)
	}
	var cfg configMessage
	if err := json.Unmarshal(msg.data, &cfg); err != nil {
		t.Fatalf("failed to decode config message %q: %v", msg.data, err)
	}
	return cfg
}

func TestGetOrCreateSendsInitialConfig(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	defer registry.Remove("session-1")

	cfg := decodeConfig(t, backend.next(t))
	if cfg.Event != "lang" || cfg.Code != "en-US" {
		t.Errorf("expected initial config {lang en-US}, got %+v", cfg)
	}

	if conn.Language() != "en-US" {
		t.Errorf("expected connection language en-US, got %s", conn.Language())
	}
}

func TestSetLanguageResendsConfig(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	defer registry.Remove("session-1")

	backend.next(t) // initial config

	conn.SetLanguage("fr-FR")

	cfg := decodeConfig(t, backend.next(t))
	if cfg.Event != "lang" || cfg.Code != "fr-FR" {
		t.Errorf("expected re-sent config {lang fr-FR}, got %+v", cfg)
	}
}

func TestSendAudioForwardsBytes(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	defer registry.Remove("session-1")

	backend.next(t) // initial config

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if !conn.SendAudio(pcm) {
		t.Fatal("expected SendAudio to report the frame as written")
	}

	msg := backend.next(t)
	if msg.msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", msg.msgType)
	}
	if string(msg.data) != string(pcm) {
		t.Errorf("audio bytes altered in transit: %v", msg.data)
	}
}

func TestTranscriptListenerPreservesOrder(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	defer registry.Remove("session-1")

	transcripts := make(chan string, 8)
	conn.SetTranscriptListener(func(text string) {
		transcripts <- text
	})

	for _, text := range []string{"hello", "hello world", "hello world again"} {
		backend.sendText(text)
	}

	for _, want := range []string{"hello", "hello world", "hello world again"} {
		select {
		case got := <-transcripts:
			if got != want {
				t.Fatalf("transcript order broken: expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transcript %q", want)
		}
	}
}

func TestTranscriptListenerLastRegistrationWins(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	defer registry.Remove("session-1")

	stale := make(chan string, 1)
	conn.SetTranscriptListener(func(text string) { stale <- text })

	current := make(chan string, 1)
	conn.SetTranscriptListener(func(text string) { current <- text })

	backend.sendText("transcript")

	select {
	case <-current:
	case <-time.After(2 * time.Second):
		t.Fatal("latest listener never invoked")
	}

	select {
	case text := <-stale:
		t.Errorf("replaced listener received %q", text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConcurrentGetOrCreateSingleDial(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())
	defer registry.Remove("session-1")

	const workers = 16
	conns := make([]*Conn, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := registry.GetOrCreate("session-1", "en-US")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if conns[i] != conns[0] {
			t.Fatal("concurrent GetOrCreate returned different connections")
		}
	}

	if got := backend.upgrades.Load(); got != 1 {
		t.Errorf("expected exactly 1 backend handshake, got %d", got)
	}
}

func TestRemoveClosesAndDeletes(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	registry.Remove("session-1")

	if !conn.Closed() {
		t.Error("expected connection to be closed after Remove")
	}
	if _, ok := registry.Get("session-1"); ok {
		t.Error("expected registry entry to be gone after Remove")
	}
	if registry.Count() != 0 {
		t.Errorf("expected empty registry, got %d entries", registry.Count())
	}

	// A second Remove must be a no-op, not a panic.
	registry.Remove("session-1")
}

func TestSendAudioAfterCloseIsNoop(t *testing.T) {
	backend := newFakeBackend(t)
	registry := newTestRegistry(t, backend.url())

	conn, err := registry.GetOrCreate("session-1", "en-US")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	registry.Remove("session-1")

	// Must neither panic nor block, and must report the frame as dropped.
	if conn.SendAudio([]byte{0x01, 0x02}) {
		t.Error("expected SendAudio to report a dropped frame after close")
	}
	conn.SetLanguage("fr-FR")
}

func TestRemoveDuringDialClosesConnection(t *testing.T) {
	handshakeStarted := make(chan struct{}, 1)
	backendClosed := make(chan struct{}, 1)

	// Backend with a slow handshake, so teardown can run mid-dial.
	upgrader := websocket.Upgrader{}
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakeStarted <- struct{}{}
		time.Sleep(300 * time.Millisecond)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				backendClosed <- struct{}{}
				return
			}
		}
	}))
	defer slow.Close()

	registry := newTestRegistry(t, "ws"+strings.TrimPrefix(slow.URL, "http"))

	result := make(chan error, 1)
	go func() {
		_, err := registry.GetOrCreate("session-1", "en-US")
		result <- err
	}()

	<-handshakeStarted
	registry.Remove("session-1")

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected GetOrCreate to fail when the session was removed mid-dial")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GetOrCreate to return")
	}

	if registry.Count() != 0 {
		t.Errorf("expected empty registry, got %d entries", registry.Count())
	}

	// The connection created by the in-flight dial must be closed, not leaked.
	select {
	case <-backendClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection from the in-flight dial was never closed")
	}
}

func TestCloseAllDuringDialClosesConnection(t *testing.T) {
	handshakeStarted := make(chan struct{}, 1)
	backendClosed := make(chan struct{}, 1)

	upgrader := websocket.Upgrader{}
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakeStarted <- struct{}{}
		time.Sleep(300 * time.Millisecond)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				backendClosed <- struct{}{}
				return
			}
		}
	}))
	defer slow.Close()

	registry := newTestRegistry(t, "ws"+strings.TrimPrefix(slow.URL, "http"))

	result := make(chan error, 1)
	go func() {
		_, err := registry.GetOrCreate("session-1", "en-US")
		result <- err
	}()

	<-handshakeStarted
	registry.CloseAll()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected GetOrCreate to fail when shutdown ran mid-dial")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for GetOrCreate to return")
	}

	select {
	case <-backendClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection from the in-flight dial was never closed")
	}
}

func TestGetOrCreateDialFailure(t *testing.T) {
	registry := newTestRegistry(t, "ws://127.0.0.1:1/ws")

	if _, err := registry.GetOrCreate("session-1", "en-US"); err == nil {
		t.Fatal("expected dial error")
	}

	// A failed dial must not leave a registry entry behind.
	if registry.Count() != 0 {
		t.Errorf("expected empty registry after dial failure, got %d entries", registry.Count())
	}

	// The next attempt should try a fresh dial rather than return a cached error.
	if _, err := registry.GetOrCreate("session-1", "en-US"); err == nil {
		t.Fatal("expected dial error on retry")
	}
}
