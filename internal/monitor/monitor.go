// Package monitor feeds discovery results and host lifecycle signals into the
// workspace status manager.
package monitor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/agentpulse/internal/discovery"
	"github.com/codefionn/agentpulse/internal/logger"
	"github.com/codefionn/agentpulse/internal/pidfile"
	"github.com/codefionn/agentpulse/internal/workspace"
)

// DefaultScanInterval is used when Config.ScanInterval is unset.
const DefaultScanInterval = 2 * time.Second

// Config controls the monitor.
type Config struct {
	// ScanInterval is the pause between discovery passes
	ScanInterval time.Duration
	// MultiInstance registers every port of a workspace instead of the lowest
	MultiInstance bool
}

// Monitor glues a discovery service to a workspace manager.
type Monitor struct {
	disc *discovery.Service
	mgr  *workspace.Manager
	cfg  Config
	log  *logger.Logger

	kick chan struct{}

	mu          sync.Mutex
	baseCtx     context.Context
	unsubscribe func()
}

// New subscribes mgr to the instance changes of disc.
func New(disc *discovery.Service, mgr *workspace.Manager, cfg Config, log *logger.Logger) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	m := &Monitor{
		disc:    disc,
		mgr:     mgr,
		cfg:     cfg,
		log:     log,
		kick:    make(chan struct{}, 1),
		baseCtx: context.Background(),
	}
	m.unsubscribe = disc.OnInstancesChanged(m.instancesChanged)
	return m
}

func (m *Monitor) registrationContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

func (m *Monitor) instancesChanged(ev discovery.InstancesChangedEvent) {
	ports := ev.Ports()
	if len(ports) == 0 {
		m.log.Info("workspace %s has no instances", ev.Workspace)
		m.mgr.RemoveWorkspace(ev.Workspace)
		return
	}

	if !m.cfg.MultiInstance {
		// keep the registered instance while it is alive
		if current := m.mgr.Ports(ev.Workspace); len(current) == 1 && slices.Contains(ports, current[0]) {
			return
		}
		ports = ports[:1]
	}
	m.mgr.RegisterWorkspacePorts(m.registrationContext(), ev.Workspace, ports)
}

// InstanceStarted registers a port handed out by the host directly.
func (m *Monitor) InstanceStarted(ctx context.Context, path string, port int) {
	m.log.Info("instance started for %s on port %d", path, port)
	m.mgr.RegisterWorkspace(ctx, path, port)
}

// InstanceStopped removes the workspace's instance.
func (m *Monitor) InstanceStopped(path string) {
	m.log.Info("instance stopped for %s", path)
	m.mgr.RemoveWorkspace(path)
}

// FirstConsumerAttached marks the workspace as in use.
func (m *Monitor) FirstConsumerAttached(path string) {
	m.mgr.SetAttached(path)
}

// Scan runs one discovery pass. A pass that overlaps another is skipped.
func (m *Monitor) Scan(ctx context.Context) error {
	err := m.disc.Scan(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, discovery.ErrScanInProgress):
		m.log.Debug("scan skipped: %v", err)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// statuses are kept; only a successful pass can remove workspaces
		m.log.Warn("scan failed: %v", err)
		return err
	}
}

// Trigger requests a scan before the next tick.
func (m *Monitor) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run scans immediately and then every ScanInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	_ = m.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		_ = m.Scan(ctx)
	}
}

// FollowPidfile scopes discovery to the process whose pid is in pf and
// follows it as the host restarts. It blocks until ctx is done.
func (m *Monitor) FollowPidfile(ctx context.Context, pf *pidfile.Pidfile) error {
	return pf.Watch(ctx, m.log, func(pid int, ok bool) {
		if ok {
			m.log.Info("host pid %d read from %s", pid, pf.Path())
			m.disc.SetRootPid(pid)
		} else {
			m.log.Info("host pidfile %s is gone", pf.Path())
			m.disc.ClearRootPid()
		}
		m.Trigger()
	})
}

// Close stops following discovery and disposes every client.
func (m *Monitor) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.mgr.Close()
}
