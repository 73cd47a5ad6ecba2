package opencode

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentpulse/internal/logger"
)

func newTestClient(t *testing.T, f *fakeServer, cfg ClientConfig) *Client {
	t.Helper()
	c := NewClient(f.port(), cfg, nil)
	t.Cleanup(c.Dispose)
	return c
}

// connectWithRoots fetches the root set then opens the stream.
func connectWithRoots(t *testing.T, f *fakeServer, cfg ClientConfig, sessions ...Session) *Client {
	t.Helper()
	f.setSessions(sessions...)
	c := newTestClient(t, f, cfg)
	_, err := c.FetchRootSessions(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.streamsOpen.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestReconnectBackoffSequence(t *testing.T) {
	b := newReconnectBackoff(DefaultClientConfig())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestClientConfigDefaults(t *testing.T) {
	cfg := ClientConfig{ReconnectDelay: time.Minute}.withDefaults()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.ReconnectMaxDelay)
	assert.Equal(t, TransportSSE, cfg.Transport)
}

func TestEvents_RootChildFiltering(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	sessions := newCollector[SessionEvent]()
	statuses := newCollector[StatusEvent]()
	c.OnSessionEvent(sessions.fn)
	c.OnStatusChanged(statuses.fn)

	f.push("session.created", map[string]any{"info": map[string]any{"id": "child-1", "parentID": "ses-1"}})
	f.push("session.created", map[string]any{"info": map[string]any{"id": "ses-2"}})

	ev := sessions.next(t)
	assert.Equal(t, SessionEvent{Type: SessionCreated, Session: Session{ID: "ses-2"}}, ev)
	assert.Equal(t, StatusEvent{SessionID: "ses-2", Status: StatusIdle}, statuses.next(t))
	assert.Equal(t, 2, c.RootSessionCount())

	f.push("session.status", map[string]any{"sessionID": "child-1", "status": map[string]any{"type": "busy"}})
	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "retry"}})

	assert.Equal(t, StatusEvent{SessionID: "ses-1", Status: StatusBusy}, statuses.next(t))
	assert.Equal(t, StatusBusy, c.Status())

	f.push("session.idle", map[string]any{"sessionID": "ses-1"})
	assert.Equal(t, StatusEvent{SessionID: "ses-1", Status: StatusIdle}, statuses.next(t))
	assert.Equal(t, StatusIdle, c.Status())

	sessions.empty(t)
	statuses.empty(t)
}

func TestEvents_SessionDeleted(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"}, Session{ID: "child", ParentID: "ses-1"})

	sessions := newCollector[SessionEvent]()
	statuses := newCollector[StatusEvent]()
	c.OnSessionEvent(sessions.fn)
	c.OnStatusChanged(statuses.fn)

	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "busy"}})
	statuses.next(t)
	f.push("permission.updated", map[string]any{"id": "perm-1", "sessionID": "ses-1"})
	require.Eventually(t, func() bool { return len(c.PendingPermissions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.push("session.deleted", map[string]any{"info": map[string]any{"id": "child", "parentID": "ses-1"}})
	f.push("session.deleted", map[string]any{"info": map[string]any{"id": "ses-1"}})

	ev := sessions.next(t)
	assert.Equal(t, SessionDeleted, ev.Type)
	assert.Equal(t, "ses-1", ev.Session.ID)
	assert.Equal(t, 0, c.RootSessionCount())
	assert.Equal(t, StatusIdle, c.Status())
	assert.Empty(t, c.PendingPermissions())
	sessions.empty(t)
}

func TestEvents_Permissions(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"}, Session{ID: "child", ParentID: "ses-1"})

	perms := newCollector[PermissionEvent]()
	c.OnPermissionEvent(perms.fn)

	f.push("permission.updated", map[string]any{"id": "perm-child", "sessionID": "child", "type": "bash"})
	f.push("permission.updated", map[string]any{"id": "perm-1", "sessionID": "ses-1", "type": "edit", "title": "Edit main.go"})

	ev := perms.next(t)
	assert.Equal(t, PermissionUpdated, ev.Type)
	assert.Equal(t, "ses-1", ev.SessionID)
	assert.Equal(t, "perm-1", ev.PermissionID)
	assert.JSONEq(t, `{"id":"perm-1","sessionID":"ses-1","type":"edit","title":"Edit main.go"}`, string(ev.Properties))
	assert.Equal(t, []PermissionRequest{{ID: "perm-1", SessionID: "ses-1", Type: "edit", Title: "Edit main.go"}}, c.PendingPermissions())

	f.push("permission.replied", map[string]any{"sessionID": "ses-1", "permissionID": "perm-1", "response": "once"})

	ev = perms.next(t)
	assert.Equal(t, PermissionReplied, ev.Type)
	assert.Equal(t, PermissionOnce, ev.Response)
	assert.Empty(t, c.PendingPermissions())
	perms.empty(t)
}

func TestEvents_IgnoresMalformedAndUnknown(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	statuses := newCollector[StatusEvent]()
	c.OnStatusChanged(statuses.fn)

	f.events <- `{not json`
	f.push("message.part.updated", map[string]any{"sessionID": "ses-1"})
	f.push("session.status", "not an object")
	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "busy"}})

	assert.Equal(t, StatusEvent{SessionID: "ses-1", Status: StatusBusy}, statuses.next(t))
	assert.True(t, c.IsConnected())
}

func TestEventsWithoutRootFetchAreDropped(t *testing.T) {
	f := newFakeServer(t)
	f.setSessions(Session{ID: "ses-1"})
	c := newTestClient(t, f, testConfig())
	require.NoError(t, c.Connect(context.Background()))

	statuses := newCollector[StatusEvent]()
	c.OnStatusChanged(statuses.fn)

	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "busy"}})
	f.push("session.created", map[string]any{"info": map[string]any{"id": "ses-2"}})

	assert.Equal(t, StatusEvent{SessionID: "ses-2", Status: StatusIdle}, statuses.next(t))
	assert.Equal(t, StatusIdle, c.Status())
}

func TestConnect_ResyncsStatusOnOpen(t *testing.T) {
	f := newFakeServer(t)
	f.setSessions(Session{ID: "ses-1"}, Session{ID: "ses-2"}, Session{ID: "child", ParentID: "ses-1"})
	f.setStatus(http.StatusOK, `{"ses-1":{"type":"idle"},"ses-2":{"type":"busy"},"child":{"type":"busy"}}`, 0)

	c := newTestClient(t, f, testConfig())
	statuses := newCollector[StatusEvent]()
	c.OnStatusChanged(statuses.fn)

	_, err := c.FetchRootSessions(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, StatusEvent{Status: StatusBusy}, statuses.next(t))
	assert.Equal(t, StatusBusy, c.Status())
	assert.True(t, c.IsConnected())
}

func TestConnect_IsNoopWhenConnected(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig())

	require.NoError(t, c.Connect(context.Background()))
	assert.EqualValues(t, 1, f.eventOpens.Load())
}

func TestConnect_FailureSchedulesSingleReconnect(t *testing.T) {
	f := newFakeServer(t)
	f.setEventCode(http.StatusServiceUnavailable)

	cfg := testConfig()
	cfg.ReconnectDelay = 300 * time.Millisecond
	cfg.ReconnectMaxDelay = 300 * time.Millisecond
	c := newTestClient(t, f, cfg)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionFailed))
	assert.Equal(t, StateReconnecting, c.State())

	// a pending reconnect absorbs further Connect calls
	require.NoError(t, c.Connect(context.Background()))
	assert.EqualValues(t, 1, f.eventOpens.Load())

	f.setEventCode(http.StatusOK)
	require.Eventually(t, c.IsConnected, 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, f.eventOpens.Load())
}

func TestReconnectAfterStreamDrop(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	states := newCollector[ConnectionState]()
	statuses := newCollector[StatusEvent]()
	c.OnConnectionChanged(states.fn)
	c.OnStatusChanged(statuses.fn)

	// a root created while the stream is down is picked up by the refetch
	f.setSessions(Session{ID: "ses-1"}, Session{ID: "ses-3"})
	f.setStatus(http.StatusOK, `{"ses-3":{"type":"busy"}}`, 0)
	f.dropStream()

	assert.Equal(t, StateReconnecting, states.next(t))
	assert.Equal(t, StateConnected, states.next(t))
	assert.Equal(t, StatusEvent{Status: StatusBusy}, statuses.next(t))
	assert.Equal(t, 2, c.RootSessionCount())
	assert.EqualValues(t, 2, f.eventOpens.Load())
}

func TestDisconnect_CancelsReconnect(t *testing.T) {
	f := newFakeServer(t)
	f.setEventCode(http.StatusServiceUnavailable)

	cfg := testConfig()
	c := newTestClient(t, f, cfg)

	require.Error(t, c.Connect(context.Background()))
	c.Disconnect()
	c.Disconnect()

	time.Sleep(5 * cfg.ReconnectDelay)
	assert.EqualValues(t, 1, f.eventOpens.Load())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDisconnect_ClearsSubscribersAndAllowsReconnect(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	statuses := newCollector[StatusEvent]()
	c.OnStatusChanged(statuses.fn)

	c.Disconnect()
	require.Eventually(t, func() bool { return f.streamsOpen.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.streamsOpen.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "busy"}})

	require.Eventually(t, func() bool { return c.Status() == StatusBusy }, 2*time.Second, 5*time.Millisecond)
	statuses.empty(t)
}

func TestDispose(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	c.Dispose()
	c.Dispose()

	assert.Equal(t, StateClosed, c.State())
	_, err := c.FetchRootSessions(context.Background())
	assert.True(t, errors.Is(err, ErrClientClosed))
	assert.True(t, errors.Is(c.Connect(context.Background()), ErrClientClosed))
	require.Eventually(t, func() bool { return f.streamsOpen.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(), Session{ID: "ses-1"})

	first := newCollector[StatusEvent]()
	second := newCollector[StatusEvent]()
	unsubscribe := c.OnStatusChanged(first.fn)
	c.OnStatusChanged(second.fn)
	unsubscribe()
	unsubscribe()

	f.push("session.status", map[string]any{"sessionID": "ses-1", "status": map[string]any{"type": "busy"}})
	second.next(t)
	first.empty(t)
}

func TestWebSocketTransport(t *testing.T) {
	f := newFakeServer(t)
	cfg := testConfig()
	cfg.Transport = TransportWebSocket
	c := connectWithRoots(t, f, cfg, Session{ID: "ses-1"})

	sessions := newCollector[SessionEvent]()
	c.OnSessionEvent(sessions.fn)

	f.push("session.created", map[string]any{"info": map[string]any{"id": "child", "parentID": "ses-1"}})
	f.push("session.created", map[string]any{"info": map[string]any{"id": "ses-2", "directory": "/w"}})

	assert.Equal(t, SessionEvent{Type: SessionCreated, Session: Session{ID: "ses-2", Directory: "/w"}}, sessions.next(t))

	states := newCollector[ConnectionState]()
	c.OnConnectionChanged(states.fn)
	f.dropStream()
	assert.Equal(t, StateReconnecting, states.next(t))
	assert.Equal(t, StateConnected, states.next(t))
}

func TestClientIDInLogPrefix(t *testing.T) {
	var buf strings.Builder
	log := logger.NewWithWriter(logger.LevelDebug, &buf, "opencode")

	a := NewClient(4096, testConfig(), log)
	b := NewClient(4096, testConfig(), log)
	defer a.Dispose()
	defer b.Dispose()

	assert.NotEqual(t, a.ID(), b.ID(), "clients on the same port are told apart by id")
	assert.Equal(t, "opencode:4096/"+a.ID()[:8], a.log.Prefix())
	assert.Equal(t, "opencode:4096/"+b.ID()[:8], b.log.Prefix())
}

func TestHasRootSession(t *testing.T) {
	f := newFakeServer(t)
	c := connectWithRoots(t, f, testConfig(),
		Session{ID: "root"},
		Session{ID: "child", ParentID: "root"},
	)

	assert.True(t, c.HasRootSession("root"))
	assert.False(t, c.HasRootSession("child"))
	assert.False(t, c.HasRootSession("missing"))
}
