package workspace

import (
	"context"

	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/opencode"
)

// InstanceClient is the part of *opencode.Client the aggregator relies on.
type InstanceClient interface {
	ID() string
	Port() int
	FetchRootSessions(ctx context.Context) ([]opencode.Session, error)
	CreateSession(ctx context.Context, title string) (opencode.Session, error)
	SendPrompt(ctx context.Context, sessionID, text string) error
	RespondPermission(ctx context.Context, sessionID, permissionID string, response opencode.PermissionResponse) error
	HasRootSession(id string) bool
	Connect(ctx context.Context) error
	Status() opencode.Status
	IsConnected() bool
	RootSessionCount() int
	PendingPermissions() []opencode.PermissionRequest
	OnStatusChanged(fn func(opencode.StatusEvent)) func()
	OnSessionEvent(fn func(opencode.SessionEvent)) func()
	OnPermissionEvent(fn func(opencode.PermissionEvent)) func()
	OnConnectionChanged(fn func(opencode.ConnectionState)) func()
	Dispose()
}

var _ InstanceClient = (*opencode.Client)(nil)

// ClientFactory creates the client for an instance port.
type ClientFactory func(port int) InstanceClient

// OpencodeFactory returns a factory producing real instance clients.
func OpencodeFactory(cfg opencode.ClientConfig, log *logger.Logger) ClientFactory {
	return func(port int) InstanceClient {
		return opencode.NewClient(port, cfg, log)
	}
}

// Provider yields the idle/busy instance counts of one workspace. Whether a
// workspace is attached is decided by the Manager, not the Provider.
type Provider interface {
	EffectiveCounts() (idle, busy int)
	Dispose()
}

// SingleProvider serves a workspace backed by exactly one instance.
type SingleProvider struct {
	client InstanceClient
}

// NewSingleProvider wraps client.
func NewSingleProvider(client InstanceClient) *SingleProvider {
	return &SingleProvider{client: client}
}

func (p *SingleProvider) EffectiveCounts() (idle, busy int) {
	if p.client == nil {
		return 0, 0
	}
	return instanceCounts(p.client)
}

func (p *SingleProvider) Dispose() {
	if p.client != nil {
		p.client.Dispose()
	}
}

// MultiProvider sums the counts of several instances of one workspace.
type MultiProvider struct {
	clients []InstanceClient
}

// NewMultiProvider wraps clients.
func NewMultiProvider(clients ...InstanceClient) *MultiProvider {
	return &MultiProvider{clients: clients}
}

func (p *MultiProvider) EffectiveCounts() (idle, busy int) {
	for _, c := range p.clients {
		i, b := instanceCounts(c)
		idle += i
		busy += b
	}
	return idle, busy
}

func (p *MultiProvider) Dispose() {
	for _, c := range p.clients {
		c.Dispose()
	}
}

// instanceCounts classifies one attached instance as idle or busy, in
// priority order: a ready instance without root sessions, a pending
// permission, the client status.
func instanceCounts(c InstanceClient) (idle, busy int) {
	switch {
	case c.IsConnected() && c.RootSessionCount() == 0:
		return 1, 0
	case len(c.PendingPermissions()) > 0:
		// never busy while the user has to act
		return 1, 0
	case c.Status() == opencode.StatusIdle:
		return 1, 0
	default:
		return 0, 1
	}
}
