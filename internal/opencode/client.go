// Package opencode talks to a single agent-server instance: request/response
// calls over HTTP plus a server-push event stream, reduced to an idle/busy
// signal over root sessions.
package opencode

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/codefionn/agentpulse/internal/consts"
	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/notify"
)

// ConnectionState represents the state of the event stream
type ConnectionState int

const (
	// StateDisconnected indicates no stream is open and none is scheduled
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the first handshake is in flight
	StateConnecting
	// StateConnected indicates the stream is open
	StateConnected
	// StateReconnecting indicates a reconnect is scheduled or in flight
	StateReconnecting
	// StateClosed indicates the client has been disposed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConfig holds client configuration
type ClientConfig struct {
	// Host the instance listens on
	Host string
	// RequestTimeout bounds every request/response call
	RequestTimeout time.Duration
	// ConnectTimeout bounds the event stream handshake
	ConnectTimeout time.Duration
	// ReconnectDelay is the initial delay between reconnection attempts
	ReconnectDelay time.Duration
	// ReconnectMaxDelay is the maximum delay between reconnection attempts
	ReconnectMaxDelay time.Duration
	// Transport selects the event stream framing
	Transport TransportKind
}

// DefaultClientConfig returns the default configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:              "127.0.0.1",
		RequestTimeout:    consts.Timeout2Seconds,
		ConnectTimeout:    consts.Timeout5Seconds,
		ReconnectDelay:    consts.Timeout1Second,
		ReconnectMaxDelay: consts.Timeout30Seconds,
		Transport:         TransportSSE,
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = max(def.ReconnectMaxDelay, cfg.ReconnectDelay)
	}
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	return cfg
}

// newReconnectBackoff doubles from ReconnectDelay up to ReconnectMaxDelay
// without jitter and never gives up.
func newReconnectBackoff(cfg ClientConfig) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ReconnectDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.ReconnectMaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Client owns the connection to one instance. All state is per value.
type Client struct {
	id        string
	port      int
	cfg       ClientConfig
	baseURL   string
	http      *http.Client
	transport transport
	log       *logger.Logger

	mu             sync.Mutex
	state          ConnectionState
	roots          map[string]struct{}
	busy           map[string]struct{}
	permissions    map[string]PermissionRequest
	stream         eventStream
	streamGen      uint64
	reconnectTimer *time.Timer
	reconnectSeq   uint64
	backoff        *backoff.ExponentialBackOff
	disposed       bool

	statusSubs     notify.Set[StatusEvent]
	sessionSubs    notify.Set[SessionEvent]
	permissionSubs notify.Set[PermissionEvent]
	connSubs       notify.Set[ConnectionState]
}

// NewClient creates a client for the instance listening on port. Nothing is
// dialed until FetchRootSessions or Connect is called.
func NewClient(port int, cfg ClientConfig, log *logger.Logger) *Client {
	cfg = cfg.withDefaults()
	baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, port)
	httpClient := &http.Client{}

	id := uuid.NewString()
	return &Client{
		id:          id,
		port:        port,
		cfg:         cfg,
		baseURL:     baseURL,
		http:        httpClient,
		transport:   newTransport(cfg.Transport, baseURL, httpClient),
		log:         log.WithPrefix(strconv.Itoa(port) + "/" + id[:8]),
		roots:       make(map[string]struct{}),
		busy:        make(map[string]struct{}),
		permissions: make(map[string]PermissionRequest),
		backoff:     newReconnectBackoff(cfg),
	}
}

// ID returns the unique id of this client value.
func (c *Client) ID() string { return c.id }

// Port returns the instance port.
func (c *Client) Port() int { return c.port }

// Connect opens the event stream and resyncs status once it is open. When a
// stream is already open, or an attempt is in flight or scheduled, Connect
// returns nil without dialing again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return &ClientError{Kind: ErrClientClosed, Op: "connect"}
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	seq := c.reconnectSeq
	c.mu.Unlock()

	c.connSubs.Emit(StateConnecting)
	return c.dial(ctx, seq, false)
}

func (c *Client) dial(ctx context.Context, seq uint64, isReconnect bool) error {
	op := "connect"
	if isReconnect {
		op = "reconnect"
	}

	stream, err := c.transport.open(ctx, c.cfg.ConnectTimeout)

	c.mu.Lock()
	if c.disposed || c.reconnectSeq != seq {
		// Disconnect ran while dialing
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return &ClientError{Kind: ErrConnectionFailed, Op: op, Err: context.Canceled}
	}
	if err != nil {
		c.state = StateReconnecting
		delay := c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.log.Debug("%s failed: %v, retrying in %s", op, err, delay)
		c.connSubs.Emit(StateReconnecting)
		return &ClientError{Kind: ErrConnectionFailed, Op: op, Err: err}
	}
	c.streamGen++
	gen := c.streamGen
	c.stream = stream
	c.state = StateConnected
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info("event stream connected (%s)", c.cfg.Transport)
	go c.readLoop(stream, gen)
	c.connSubs.Emit(StateConnected)

	if isReconnect {
		// sessions created while disconnected are only visible via a fetch
		if _, err := c.FetchRootSessions(ctx); err != nil {
			c.log.Warn("refetching root sessions after reconnect: %v", err)
		}
	}
	c.resync(ctx)
	return nil
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() time.Duration {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	delay := c.backoff.NextBackOff()
	seq := c.reconnectSeq
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(seq) })
	return delay
}

func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	if c.disposed || c.reconnectSeq != seq {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	_ = c.dial(context.Background(), seq, true)
}

func (c *Client) readLoop(stream eventStream, gen uint64) {
	for {
		data, err := stream.Next()
		if err != nil {
			c.streamEnded(stream, gen, err)
			return
		}
		c.handleEvent(gen, data)
	}
}

func (c *Client) streamEnded(stream eventStream, gen uint64, cause error) {
	stream.Close()

	c.mu.Lock()
	if c.disposed || c.streamGen != gen || c.stream == nil {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.state = StateReconnecting
	delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Warn("event stream closed: %v, reconnecting in %s", cause, delay)
	c.connSubs.Emit(StateReconnecting)
}

// resync replaces the busy set with the instance's current view.
func (c *Client) resync(ctx context.Context) {
	snap, err := c.fetchStatus(ctx, "resync")
	if err != nil {
		c.log.Warn("status resync failed: %v", err)
		return
	}

	c.mu.Lock()
	c.busy = make(map[string]struct{})
	if snap.keyed != nil {
		for id := range c.roots {
			if snap.keyed[id] == StatusBusy {
				c.busy[id] = struct{}{}
			}
		}
	} else if snap.aggregate() == StatusBusy {
		for id := range c.roots {
			c.busy[id] = struct{}{}
		}
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.statusSubs.Emit(StatusEvent{Status: status})
}

// Disconnect cancels any scheduled reconnect, closes the stream and clears
// all subscribers. It is idempotent; Connect may be called again afterwards.
func (c *Client) Disconnect() {
	c.shutdown(false)
}

// Dispose is Disconnect plus making the client unusable.
func (c *Client) Dispose() {
	c.shutdown(true)
}

func (c *Client) shutdown(dispose bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.reconnectSeq++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	stream := c.stream
	c.stream = nil
	c.streamGen++
	c.backoff.Reset()
	if dispose {
		c.disposed = true
		c.state = StateClosed
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.statusSubs.Clear()
	c.sessionSubs.Clear()
	c.permissionSubs.Clear()
	c.connSubs.Clear()

	if stream != nil {
		stream.Close()
		c.log.Debug("event stream closed")
	}
}

// OnStatusChanged registers fn for root session status changes.
func (c *Client) OnStatusChanged(fn func(StatusEvent)) (unsubscribe func()) {
	return c.statusSubs.Add(fn)
}

// OnSessionEvent registers fn for root session creation and deletion.
func (c *Client) OnSessionEvent(fn func(SessionEvent)) (unsubscribe func()) {
	return c.sessionSubs.Add(fn)
}

// OnPermissionEvent registers fn for permission events of root sessions.
func (c *Client) OnPermissionEvent(fn func(PermissionEvent)) (unsubscribe func()) {
	return c.permissionSubs.Add(fn)
}

// OnConnectionChanged registers fn for connection state transitions.
func (c *Client) OnConnectionChanged(fn func(ConnectionState)) (unsubscribe func()) {
	return c.connSubs.Add(fn)
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the event stream is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Status is busy when any root session is busy.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	if len(c.busy) > 0 {
		return StatusBusy
	}
	return StatusIdle
}

// HasRootSession reports whether id is a known root session.
func (c *Client) HasRootSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.roots[id]
	return ok
}

// RootSessionCount returns the number of tracked root sessions.
func (c *Client) RootSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.roots)
}

// PendingPermissions returns unresolved permission requests of root
// sessions, ordered by session and id.
func (c *Client) PendingPermissions() []PermissionRequest {
	c.mu.Lock()
	out := make([]PermissionRequest, 0, len(c.permissions))
	for _, p := range c.permissions {
		out = append(out, p)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
