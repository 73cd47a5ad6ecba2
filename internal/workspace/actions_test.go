package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentpulse/internal/opencode"
)

func TestPendingPermissionsAcrossInstances(t *testing.T) {
	f := newFixture(t)
	f.register("/w", 8080, 8081)

	f.client(8081).addRoot("ses-b")
	f.client(8081).requestPermission("ses-b", "perm-2")
	f.client(8080).addRoot("ses-a")
	f.client(8080).requestPermission("ses-a", "perm-1")

	perms, err := f.mgr.PendingPermissions("/w")
	require.NoError(t, err)
	assert.Equal(t, []opencode.PermissionRequest{
		{ID: "perm-1", SessionID: "ses-a"},
		{ID: "perm-2", SessionID: "ses-b"},
	}, perms)

	_, err = f.mgr.PendingPermissions("/nowhere")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
}

func TestRespondPermissionRoutesToOwner(t *testing.T) {
	f := newFixture(t)
	f.register("/w", 8080, 8081)
	f.mgr.SetAttached("/w")

	owner := f.client(8081)
	owner.addRoot("ses-1")
	owner.setStatus("ses-1", opencode.StatusBusy)
	owner.requestPermission("ses-1", "perm-1")
	assert.Equal(t, statusOf(2, 0, LabelIdle), f.mgr.Status("/w"))

	require.NoError(t, f.mgr.RespondPermission(context.Background(), "/w", "perm-1", opencode.PermissionOnce))

	assert.Equal(t, []string{"ses-1/perm-1=once"}, owner.responses)
	assert.Empty(t, f.client(8080).responses)
	assert.Equal(t, statusOf(1, 1, LabelMixed), f.mgr.Status("/w"))

	err := f.mgr.RespondPermission(context.Background(), "/w", "perm-1", opencode.PermissionOnce)
	assert.ErrorIs(t, err, ErrUnknownPermission)
	err = f.mgr.RespondPermission(context.Background(), "/w", "perm-1", "maybe")
	assert.Error(t, err)
	err = f.mgr.RespondPermission(context.Background(), "/nowhere", "perm-1", opencode.PermissionOnce)
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
}

func TestSendPrompt(t *testing.T) {
	f := newFixture(t)
	f.register("/w", 8080, 8081)
	f.client(8081).addRoot("ses-1")

	id, err := f.mgr.SendPrompt(context.Background(), "/w", "ses-1", "run the tests")
	require.NoError(t, err)
	assert.Equal(t, "ses-1", id)
	assert.Equal(t, []string{"ses-1: run the tests"}, f.client(8081).prompts)

	// a new session lands on the lowest port
	id, err = f.mgr.SendPrompt(context.Background(), "/w", "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "new-8080-1", id)
	assert.Equal(t, []string{"new-8080-1: hello"}, f.client(8080).prompts)

	_, err = f.mgr.SendPrompt(context.Background(), "/w", "ses-404", "x")
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, err = f.mgr.SendPrompt(context.Background(), "/nowhere", "", "x")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
}

func TestForgetWorkspaceDropsAttachment(t *testing.T) {
	f := newFixture(t)
	f.register("/w", 8080)
	f.mgr.SetAttached("/w")
	f.drain()

	f.mgr.ForgetWorkspace("/w")
	assert.False(t, f.mgr.IsAttached("/w"))
	assert.Equal(t, []StatusChangedEvent{{Workspace: "/w", Status: NoneStatus}}, f.drain())

	f.register("/w", 8080)
	assert.Equal(t, NoneStatus, f.mgr.Status("/w"), "a reopened workspace waits for a new consumer")
}
