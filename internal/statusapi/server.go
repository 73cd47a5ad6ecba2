// Package statusapi exposes workspace statuses and discovery changes over a
// local HTTP API with server-sent event streams.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/agentpulse/internal/consts"
	"github.com/codefionn/agentpulse/internal/discovery"
	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/opencode"
	"github.com/codefionn/agentpulse/internal/workspace"
)

const keepAliveInterval = consts.Timeout15Seconds

// Workspaces is the status side of the API, implemented by
// *workspace.Manager.
type Workspaces interface {
	AllStatuses() map[string]workspace.AggregatedStatus
	Status(path string) workspace.AggregatedStatus
	Ports(path string) []int
	SetAttached(path string)
	ForgetWorkspace(path string)
	OnStatusChanged(fn func(workspace.StatusChangedEvent)) func()

	PendingPermissions(path string) ([]opencode.PermissionRequest, error)
	RespondPermission(ctx context.Context, path, permissionID string, response opencode.PermissionResponse) error
	SendPrompt(ctx context.Context, path, sessionID, text string) (string, error)
}

// Instances is the discovery side of the API, implemented by
// *discovery.Service. It is optional.
type Instances interface {
	Workspaces() []string
	InstancesForWorkspace(path string) []discovery.Instance
	OnInstancesChanged(fn func(discovery.InstancesChangedEvent)) func()
}

// WorkspaceView is one entry of GET /workspaces.
type WorkspaceView struct {
	Path string `json:"path"`
	workspace.AggregatedStatus
	Ports []int `json:"ports"`
}

// Server provides the HTTP interface for status consumers
type Server struct {
	addr      string
	ws        Workspaces
	instances Instances
	hub       *Hub
	router    *httprouter.Router
	log       *logger.Logger

	mu      sync.Mutex
	server  *http.Server
	stopped bool
	unsubs  []func()
}

// NewServer creates a new status server. instances may be nil.
func NewServer(addr string, ws Workspaces, instances Instances, log *logger.Logger) *Server {
	s := &Server{
		addr:      addr,
		ws:        ws,
		instances: instances,
		hub:       NewHub(consts.StreamBuffer, log),
		router:    httprouter.New(),
		log:       log,
	}

	s.unsubs = append(s.unsubs, ws.OnStatusChanged(func(ev workspace.StatusChangedEvent) {
		s.hub.Publish(TopicStatus, "status", ev)
	}))
	if instances != nil {
		s.unsubs = append(s.unsubs, instances.OnInstancesChanged(func(ev discovery.InstancesChangedEvent) {
			s.hub.Publish(TopicInstances, "instances", ev)
		}))
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/workspaces", s.handleWorkspaces)
	s.router.GET("/workspaces/status", s.handleWorkspaceStatus)
	s.router.DELETE("/workspaces", s.handleForget)
	s.router.POST("/workspaces/attach", s.handleAttach)
	s.router.GET("/workspaces/permissions", s.handlePermissions)
	s.router.POST("/workspaces/permissions", s.handleRespondPermission)
	s.router.POST("/workspaces/prompt", s.handlePrompt)

	s.router.GET("/events", s.handleStatusEvents)
	s.router.GET("/events/instances", s.handleInstanceEvents)
}

// Handler returns the router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout5Seconds,
		ErrorLog:          slog.NewLogLogger(logger.NewSlogHandler(s.log), slog.LevelWarn),
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ln.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.log.Info("status api listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the event streams and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	unsubs := s.unsubs
	s.unsubs = nil
	s.stopped = true
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.hub.Shutdown()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()

	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": s.hub.Count(),
	})
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	statuses := s.ws.AllStatuses()
	views := make([]WorkspaceView, 0, len(statuses))
	for path, status := range statuses {
		ports := s.ws.Ports(path)
		if ports == nil {
			ports = []int{}
		}
		views = append(views, WorkspaceView{Path: path, AggregatedStatus: status, Ports: ports})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Path < views[j].Path })

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	writeJSON(w, http.StatusOK, workspace.StatusChangedEvent{Workspace: path, Status: s.ws.Status(path)})
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	s.ws.SetAttached(path)
	w.WriteHeader(http.StatusNoContent)
}

// handleForget drops a workspace the host closed for good.
func (s *Server) handleForget(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	s.ws.ForgetWorkspace(path)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	perms, err := s.ws.PendingPermissions(path)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

// PermissionReply is the body of POST /workspaces/permissions.
type PermissionReply struct {
	PermissionID string                      `json:"permissionID"`
	Response     opencode.PermissionResponse `json:"response"`
}

func (s *Server) handleRespondPermission(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	var req PermissionReply
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PermissionID == "" || !req.Response.Valid() {
		writeError(w, http.StatusBadRequest, "permissionID and a response of once, always or reject are required")
		return
	}
	if err := s.ws.RespondPermission(r.Context(), path, req.PermissionID, req.Response); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PromptRequest is the body of POST /workspaces/prompt. An empty SessionID
// starts a new session.
type PromptRequest struct {
	SessionID string `json:"sessionID,omitempty"`
	Text      string `json:"text"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing path parameter")
		return
	}
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	sessionID, err := s.ws.SendPrompt(r.Context(), path, req.SessionID, req.Text)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionID": sessionID})
}

// writeActionError maps workspace and instance errors to HTTP statuses.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrUnknownWorkspace),
		errors.Is(err, workspace.ErrUnknownPermission),
		errors.Is(err, workspace.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, opencode.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sub := s.hub.Subscribe(TopicStatus)
	defer sub.Unsubscribe()

	statuses := s.ws.AllStatuses()
	paths := make([]string, 0, len(statuses))
	for path := range statuses {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	snapshot := make([]Message, 0, len(paths))
	for _, path := range paths {
		data, err := json.Marshal(workspace.StatusChangedEvent{Workspace: path, Status: statuses[path]})
		if err != nil {
			continue
		}
		snapshot = append(snapshot, Message{Event: "status", Data: data})
	}

	s.stream(w, r, sub, snapshot)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.instances == nil {
		writeError(w, http.StatusNotFound, "discovery is disabled")
		return
	}
	sub := s.hub.Subscribe(TopicInstances)
	defer sub.Unsubscribe()

	var snapshot []Message
	for _, path := range s.instances.Workspaces() {
		ev := discovery.InstancesChangedEvent{Workspace: path, Instances: s.instances.InstancesForWorkspace(path)}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		snapshot = append(snapshot, Message{Event: "instances", Data: data})
	}

	s.stream(w, r, sub, snapshot)
}

// stream writes snapshot followed by the subscription's messages as
// text/event-stream until the client leaves or the subscription closes.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sub *Subscription, snapshot []Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, msg := range snapshot {
		if err := writeEvent(w, msg); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
