package opencode

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-process agent server with scriptable responses.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	sessions    []Session
	statusBody  string
	statusCode  int
	statusDelay time.Duration
	eventCode   int
	requests    []recordedRequest

	events      chan string
	drop        chan struct{}
	eventOpens  atomic.Int32
	streamsOpen atomic.Int32
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:          t,
		statusBody: `[]`,
		statusCode: http.StatusOK,
		eventCode:  http.StatusOK,
		events:     make(chan string, 64),
		drop:       make(chan struct{}, 1),
	}

	router := httprouter.New()
	router.GET("/session", f.handleSessions)
	router.POST("/session", f.handleCreateSession)
	router.GET("/session/status", f.handleStatus)
	router.POST("/session/:id/prompt_async", f.record)
	router.POST("/session/:id/permissions/:permissionID", f.record)
	router.GET("/event", f.handleSSE)
	router.GET("/event/ws", f.handleWebSocket)

	f.srv = httptest.NewServer(router)
	t.Cleanup(f.close)
	return f
}

func (f *fakeServer) close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}

func (f *fakeServer) port() int {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(f.t, err)
	return port
}

func (f *fakeServer) setSessions(sessions ...Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

func (f *fakeServer) setStatus(code int, body string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCode = code
	f.statusBody = body
	f.statusDelay = delay
}

func (f *fakeServer) setEventCode(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCode = code
}

func (f *fakeServer) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

// push queues one event for the open stream.
func (f *fakeServer) push(eventType string, properties any) {
	f.t.Helper()
	data, err := json.Marshal(map[string]any{"type": eventType, "properties": properties})
	require.NoError(f.t, err)
	f.events <- string(data)
}

// dropStream ends the currently open event stream.
func (f *fakeServer) dropStream() {
	f.drop <- struct{}{}
}

func (f *fakeServer) handleSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	f.mu.Lock()
	sessions := f.sessions
	f.mu.Unlock()
	if sessions == nil {
		sessions = []Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

func (f *fakeServer) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Session{ID: "ses-new", Title: body.Title, Directory: "/w"})
}

func (f *fakeServer) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f.mu.Lock()
	code, body, delay := f.statusCode, f.statusBody, f.statusDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func (f *fakeServer) record(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: string(body)})
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "true")
}

func (f *fakeServer) handleSSE(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f.eventOpens.Add(1)
	f.mu.Lock()
	code := f.eventCode
	f.mu.Unlock()
	if code != http.StatusOK {
		http.Error(w, "unavailable", code)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	f.streamsOpen.Add(1)
	defer f.streamsOpen.Add(-1)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.drop:
			return
		case data := <-f.events:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

var testUpgrader = websocket.Upgrader{}

func (f *fakeServer) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f.eventOpens.Add(1)
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.streamsOpen.Add(1)
	defer f.streamsOpen.Add(-1)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-f.drop:
			return
		case data := <-f.events:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
				return
			}
		}
	}
}

// testConfig returns a config with delays short enough for tests.
func testConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.RequestTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 80 * time.Millisecond
	return cfg
}

// collector gathers subscriber callbacks into a channel.
type collector[T any] struct {
	ch chan T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan T, 64)}
}

func (c *collector[T]) fn(v T) { c.ch <- v }

func (c *collector[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func (c *collector[T]) empty(t *testing.T) {
	t.Helper()
	select {
	case v := <-c.ch:
		t.Fatalf("unexpected %T: %+v", v, v)
	default:
	}
}
