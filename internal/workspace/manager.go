package workspace

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/notify"
	"github.com/codefionn/agentpulse/internal/opencode"
)

type entry struct {
	ports    []int
	clients  []InstanceClient
	provider Provider
	unsubs   []func()
}

func (e *entry) close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.provider.Dispose()
}

// Manager owns the instance clients of every tracked workspace and publishes
// one AggregatedStatus per workspace.
//
// Status handlers run synchronously and in publication order. They may read
// from the Manager but must not register, attach or remove workspaces from
// within the callback.
type Manager struct {
	factory ClientFactory
	log     *logger.Logger

	// publishMu serializes derive+publish so handlers observe statuses in
	// the order they were computed
	publishMu sync.Mutex

	mu        sync.Mutex
	entries   map[string]*entry
	attached  map[string]struct{}
	published map[string]AggregatedStatus

	starting sync.WaitGroup
	subs     notify.Set[StatusChangedEvent]
}

// NewManager creates a manager that builds clients with factory.
func NewManager(factory ClientFactory, log *logger.Logger) *Manager {
	return &Manager{
		factory:   factory,
		log:       log,
		entries:   make(map[string]*entry),
		attached:  make(map[string]struct{}),
		published: make(map[string]AggregatedStatus),
	}
}

// RegisterWorkspace tracks path as served by the instance on port.
func (m *Manager) RegisterWorkspace(ctx context.Context, path string, port int) {
	m.RegisterWorkspacePorts(ctx, path, []int{port})
}

// RegisterWorkspacePorts tracks path as served by the instances on ports. A
// single port uses a SingleProvider, several a MultiProvider. Registering the
// same port set again is a no-op; a different set replaces the previous
// clients. An empty set removes the workspace.
//
// Root sessions are fetched and the event stream opened in the background;
// ctx bounds those initial calls.
func (m *Manager) RegisterWorkspacePorts(ctx context.Context, path string, ports []int) {
	ports = slices.Clone(ports)
	slices.Sort(ports)
	ports = slices.Compact(ports)
	if len(ports) == 0 {
		m.RemoveWorkspace(path)
		return
	}

	m.mu.Lock()
	if old, ok := m.entries[path]; ok && slices.Equal(old.ports, ports) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	clients := make([]InstanceClient, len(ports))
	for i, port := range ports {
		clients[i] = m.factory(port)
	}

	e := &entry{ports: ports, clients: clients}
	if len(clients) == 1 {
		e.provider = NewSingleProvider(clients[0])
	} else {
		e.provider = NewMultiProvider(clients...)
	}
	for _, c := range clients {
		e.unsubs = append(e.unsubs, m.watch(path, e, c)...)
	}

	m.mu.Lock()
	old := m.entries[path]
	m.entries[path] = e
	m.mu.Unlock()

	ids := make([]string, len(clients))
	for i, c := range clients {
		ids[i] = c.ID()
	}
	if old != nil {
		old.close()
		m.log.Info("workspace %s moved from ports %v to %v (clients %v)", path, old.ports, ports, ids)
	} else {
		m.log.Info("workspace %s registered on ports %v (clients %v)", path, ports, ids)
	}

	for _, c := range clients {
		m.starting.Add(1)
		go m.start(ctx, path, c)
	}

	m.recompute(path)
}

// watch subscribes to every client signal that can move the status of path.
// Signals from clients of a replaced entry are ignored.
func (m *Manager) watch(path string, e *entry, c InstanceClient) []func() {
	changed := func() {
		m.mu.Lock()
		current := m.entries[path] == e
		m.mu.Unlock()
		if current {
			m.recompute(path)
		}
	}
	return []func(){
		c.OnStatusChanged(func(opencode.StatusEvent) { changed() }),
		c.OnSessionEvent(func(opencode.SessionEvent) { changed() }),
		c.OnPermissionEvent(func(opencode.PermissionEvent) { changed() }),
		c.OnConnectionChanged(func(opencode.ConnectionState) { changed() }),
	}
}

func (m *Manager) start(ctx context.Context, path string, c InstanceClient) {
	defer m.starting.Done()

	if _, err := c.FetchRootSessions(ctx); err != nil {
		m.log.Warn("workspace %s: fetching sessions from port %d: %v", path, c.Port(), err)
	}
	if err := c.Connect(ctx); err != nil {
		m.log.Warn("workspace %s: connecting to port %d: %v", path, c.Port(), err)
	}
	// the root set may have changed without any event
	m.recompute(path)
}

// SetAttached marks path as used by a consumer. Only the first call for a
// path has an effect. The flag outlives re-registration of the workspace.
func (m *Manager) SetAttached(path string) {
	m.mu.Lock()
	if _, ok := m.attached[path]; ok {
		m.mu.Unlock()
		return
	}
	m.attached[path] = struct{}{}
	m.mu.Unlock()

	m.log.Debug("workspace %s attached", path)
	m.recompute(path)
}

// IsAttached reports whether SetAttached was called for path.
func (m *Manager) IsAttached(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[path]
	return ok
}

// RemoveWorkspace disposes the clients of path and publishes a final none
// status. Unknown paths are ignored. The attachment flag is kept.
func (m *Manager) RemoveWorkspace(path string) bool {
	m.publishMu.Lock()
	m.mu.Lock()
	e, ok := m.entries[path]
	if !ok {
		m.mu.Unlock()
		m.publishMu.Unlock()
		return false
	}
	delete(m.entries, path)
	delete(m.published, path)
	m.mu.Unlock()

	m.subs.Emit(StatusChangedEvent{Workspace: path, Status: NoneStatus})
	m.publishMu.Unlock()

	e.close()
	m.log.Info("workspace %s removed", path)
	return true
}

// ForgetWorkspace removes path and drops its attachment flag. Hosts call it
// when the workspace is closed for good.
func (m *Manager) ForgetWorkspace(path string) {
	m.RemoveWorkspace(path)
	m.mu.Lock()
	delete(m.attached, path)
	m.mu.Unlock()
}

// Status returns the last published status of path.
func (m *Manager) Status(path string) AggregatedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.published[path]; ok {
		return s
	}
	return NoneStatus
}

// AllStatuses returns the status of every registered workspace.
func (m *Manager) AllStatuses() map[string]AggregatedStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AggregatedStatus, len(m.entries))
	for path := range m.entries {
		if s, ok := m.published[path]; ok {
			out[path] = s
		} else {
			out[path] = NoneStatus
		}
	}
	return out
}

// Workspaces lists registered workspaces, sorted.
func (m *Manager) Workspaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for path := range m.entries {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Ports returns the ports path is registered with.
func (m *Manager) Ports(path string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[path]; ok {
		return slices.Clone(e.ports)
	}
	return nil
}

// OnStatusChanged registers fn for status changes.
func (m *Manager) OnStatusChanged(fn func(StatusChangedEvent)) (unsubscribe func()) {
	return m.subs.Add(fn)
}

// Close removes every workspace and waits for background startups.
func (m *Manager) Close() {
	for _, path := range m.Workspaces() {
		m.RemoveWorkspace(path)
	}
	m.starting.Wait()
}

// recompute derives the status of path and publishes it if it differs from
// the last published value.
func (m *Manager) recompute(path string) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	next := m.deriveLocked(path)
	prev, ok := m.published[path]
	if !ok {
		prev = NoneStatus
	}
	if prev.Equal(next) {
		m.mu.Unlock()
		return
	}
	if _, registered := m.entries[path]; registered {
		m.published[path] = next
	}
	m.mu.Unlock()

	m.log.Debug("workspace %s: %s (idle=%d busy=%d)", path, next.Label, next.Idle, next.Busy)
	m.subs.Emit(StatusChangedEvent{Workspace: path, Status: next})
}

func (m *Manager) deriveLocked(path string) AggregatedStatus {
	e, ok := m.entries[path]
	if !ok {
		return NoneStatus
	}
	if _, attached := m.attached[path]; !attached {
		return NoneStatus
	}
	return StatusFromCounts(e.provider.EffectiveCounts())
}
