// Package discovery finds agent-server instances among the descendants of a
// supervising process and keeps a reconciled workspace → ports map.
package discovery

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/agentpulse/internal/consts"
	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/notify"
	"github.com/codefionn/agentpulse/internal/platform"
)

// DefaultNegativeCacheTTL is how long a non-matching (port, pid) is remembered.
const DefaultNegativeCacheTTL = consts.Duration5Minutes

// Config tunes a Service.
type Config struct {
	// NegativeCacheTTL bounds how long a failed probe is remembered
	NegativeCacheTTL time.Duration
	// ProbeConcurrency caps parallel probes per pass; 1 probes sequentially
	ProbeConcurrency int
}

// DefaultConfig returns the observed defaults.
func DefaultConfig() Config {
	return Config{
		NegativeCacheTTL: DefaultNegativeCacheTTL,
		ProbeConcurrency: 1,
	}
}

// Instance is a reachable agent server.
type Instance struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// InstancesChangedEvent reports the new instance list of one workspace. An
// empty list means the workspace has no instances any more.
type InstancesChangedEvent struct {
	Workspace string     `json:"workspace"`
	Instances []Instance `json:"instances"`
}

// Ports returns the ports of the event's instances.
func (e InstancesChangedEvent) Ports() []int {
	return instancePorts(e.Instances)
}

type boundPort struct {
	workspace string
	pid       int
}

// Service reconciles listening ports into workspace bindings. All state is
// owned by the value; independent Services never share caches.
type Service struct {
	ports platform.PortEnumerator
	tree  platform.ProcessTree
	probe Prober
	cfg   Config
	log   *logger.Logger
	now   func() time.Time

	scanning atomic.Bool

	mu         sync.Mutex
	rootPid    int
	hasRoot    bool
	generation uint64
	bound      map[int]boundPort
	negative   *negativeCache
	workspaces map[string][]Instance

	subs notify.Set[InstancesChangedEvent]
}

// New creates a discovery service. No root pid is set initially, so scans
// find nothing until SetRootPid is called.
func New(ports platform.PortEnumerator, tree platform.ProcessTree, probe Prober, cfg Config, log *logger.Logger) *Service {
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = DefaultNegativeCacheTTL
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	return &Service{
		ports:      ports,
		tree:       tree,
		probe:      probe,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		bound:      make(map[int]boundPort),
		negative:   newNegativeCache(cfg.NegativeCacheTTL),
		workspaces: make(map[string][]Instance),
	}
}

// SetRootPid scopes discovery to the descendants of pid. Changing the root is
// a hard reset: caches are cleared and every previously active workspace is
// notified with an empty instance list.
func (s *Service) SetRootPid(pid int) {
	s.resetRoot(pid, true)
}

// ClearRootPid removes the scope; subsequent scans find nothing.
func (s *Service) ClearRootPid() {
	s.resetRoot(0, false)
}

// RootPid returns the current root pid, if any.
func (s *Service) RootPid() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootPid, s.hasRoot
}

func (s *Service) resetRoot(pid int, has bool) {
	s.mu.Lock()
	if s.hasRoot == has && s.rootPid == pid {
		s.mu.Unlock()
		return
	}

	previous := make([]string, 0, len(s.workspaces))
	for ws := range s.workspaces {
		previous = append(previous, ws)
	}
	sort.Strings(previous)

	s.rootPid = pid
	s.hasRoot = has
	s.generation++
	s.bound = make(map[int]boundPort)
	s.negative = newNegativeCache(s.cfg.NegativeCacheTTL)
	s.workspaces = make(map[string][]Instance)
	s.mu.Unlock()

	if has {
		s.log.Info("root pid set to %d, cleared %d workspace(s)", pid, len(previous))
	} else {
		s.log.Info("root pid cleared, cleared %d workspace(s)", len(previous))
	}

	events := make([]InstancesChangedEvent, 0, len(previous))
	for _, ws := range previous {
		events = append(events, InstancesChangedEvent{Workspace: ws})
	}
	s.subs.EmitAll(events)
}

// Scan runs one discovery pass. It either reconciles completely or leaves the
// previous state untouched.
func (s *Service) Scan(ctx context.Context) error {
	if !s.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer s.scanning.Store(false)

	s.mu.Lock()
	root, hasRoot, generation := s.rootPid, s.hasRoot, s.generation
	bound := make(map[int]boundPort, len(s.bound))
	for port, b := range s.bound {
		bound[port] = b
	}
	negative := s.negative.clone()
	s.mu.Unlock()

	if !hasRoot {
		return nil
	}

	start := s.now()
	if pruned := negative.prune(start); pruned > 0 {
		s.log.Debug("pruned %d expired negative cache entries", pruned)
	}

	descendants := s.tree.Descendants(ctx, root)

	entries, err := s.ports.ListListeningPorts(ctx)
	if err != nil {
		return &PortEnumerationError{Err: err}
	}

	// a listener shared by several processes stays with the pid it was
	// bound to while that pid still holds it
	nextBound := make(map[int]boundPort)
	for _, e := range entries {
		if _, ok := descendants[e.PID]; !ok {
			continue
		}
		if b, ok := bound[e.Port]; ok && b.pid == e.PID {
			nextBound[e.Port] = b
		}
	}

	var toProbe []platform.ListenEntry
	for _, e := range entries {
		if _, ok := descendants[e.PID]; !ok {
			continue
		}
		if _, dup := nextBound[e.Port]; dup {
			continue
		}
		if negative.suppresses(e.Port, e.PID, start) {
			continue
		}
		if slices.ContainsFunc(toProbe, func(p platform.ListenEntry) bool { return p.Port == e.Port }) {
			continue
		}
		toProbe = append(toProbe, e)
	}

	results := s.probeAll(ctx, toProbe)
	if err := ctx.Err(); err != nil {
		return err
	}

	probedAt := s.now()
	for i, e := range toProbe {
		r := results[i]
		if r.ok {
			nextBound[e.Port] = boundPort{workspace: r.workspace, pid: e.PID}
			negative.forget(e.Port)
			s.log.Info("port %d (pid %d) belongs to workspace %s", e.Port, e.PID, r.workspace)
		} else {
			negative.record(e.Port, e.PID, probedAt)
		}
	}

	nextWorkspaces := groupByWorkspace(nextBound)

	s.mu.Lock()
	if s.generation != generation {
		// the root changed while probing; these results describe a stale scope
		s.mu.Unlock()
		s.log.Debug("discarding scan results after root pid change")
		return nil
	}
	events := diffWorkspaces(s.workspaces, nextWorkspaces)
	s.bound = nextBound
	s.negative = negative
	s.workspaces = nextWorkspaces
	s.mu.Unlock()

	s.log.Debug("scan: %d probed, %d bound, %d workspace(s), %d change(s)",
		len(toProbe), len(nextBound), len(nextWorkspaces), len(events))

	s.subs.EmitAll(events)
	return nil
}

type probeResult struct {
	workspace string
	ok        bool
}

func (s *Service) probeAll(ctx context.Context, entries []platform.ListenEntry) []probeResult {
	results := make([]probeResult, len(entries))
	if len(entries) == 0 {
		return results
	}

	if s.cfg.ProbeConcurrency <= 1 {
		for i, e := range entries {
			if ctx.Err() != nil {
				break
			}
			ws, ok := s.probe.Probe(ctx, e.Port)
			results[i] = probeResult{workspace: ws, ok: ok}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.ProbeConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			ws, ok := s.probe.Probe(ctx, e.Port)
			results[i] = probeResult{workspace: ws, ok: ok}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// PortsForWorkspace returns the ports bound to path in the last reconciled
// state, sorted ascending.
func (s *Service) PortsForWorkspace(path string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return instancePorts(s.workspaces[path])
}

// InstancesForWorkspace returns the instances bound to path.
func (s *Service) InstancesForWorkspace(path string) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.workspaces[path])
}

// Workspaces lists workspaces with at least one instance, sorted.
func (s *Service) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workspaces))
	for ws := range s.workspaces {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// OnInstancesChanged registers fn for per-workspace change notifications.
func (s *Service) OnInstancesChanged(fn func(InstancesChangedEvent)) (unsubscribe func()) {
	return s.subs.Add(fn)
}

func groupByWorkspace(bound map[int]boundPort) map[string][]Instance {
	out := make(map[string][]Instance)
	for port, b := range bound {
		out[b.workspace] = append(out[b.workspace], Instance{Port: port, PID: b.pid})
	}
	for ws := range out {
		sort.Slice(out[ws], func(i, j int) bool { return out[ws][i].Port < out[ws][j].Port })
	}
	return out
}

// diffWorkspaces returns one event per workspace whose instance set changed,
// ordered by workspace path.
func diffWorkspaces(prev, next map[string][]Instance) []InstancesChangedEvent {
	var events []InstancesChangedEvent
	for ws := range prev {
		if _, ok := next[ws]; !ok {
			events = append(events, InstancesChangedEvent{Workspace: ws})
		}
	}
	for ws, instances := range next {
		if !slices.Equal(prev[ws], instances) {
			events = append(events, InstancesChangedEvent{Workspace: ws, Instances: slices.Clone(instances)})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Workspace < events[j].Workspace })
	return events
}

func instancePorts(instances []Instance) []int {
	if len(instances) == 0 {
		return nil
	}
	ports := make([]int, len(instances))
	for i, inst := range instances {
		ports[i] = inst.Port
	}
	return ports
}
