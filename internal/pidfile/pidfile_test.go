package pidfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run", "agentpulse.pid"))

	assert.False(t, p.Exists())
	require.NoError(t, p.Write())
	assert.True(t, p.Exists())

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	require.NoError(t, p.Remove())
	assert.False(t, p.Exists())
}

func TestReadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.pid")
	p := New(path)

	_, err := p.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("nope\n"), 0644))
	_, err = p.Read()
	assert.ErrorContains(t, err, "invalid PID")

	require.NoError(t, os.WriteFile(path, []byte("-3"), 0644))
	_, err = p.Read()
	assert.ErrorContains(t, err, "invalid PID")

	require.NoError(t, os.WriteFile(path, []byte(" 4242\n"), 0644))
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

type observation struct {
	pid int
	ok  bool
}

func TestWatch(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "host.pid"))
	require.NoError(t, p.WritePID(100))

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan observation, 16)
	done := make(chan error, 1)
	go func() {
		done <- p.Watch(ctx, nil, func(pid int, ok bool) { seen <- observation{pid, ok} })
	}()

	next := func() observation {
		t.Helper()
		select {
		case o := <-seen:
			return o
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for pidfile change")
			return observation{}
		}
	}

	assert.Equal(t, observation{100, true}, next())

	require.NoError(t, p.WritePID(200))
	assert.Equal(t, observation{200, true}, next())

	require.NoError(t, p.Remove())
	assert.Equal(t, observation{0, false}, next())

	require.NoError(t, p.WritePID(300))
	assert.Equal(t, observation{300, true}, next())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchKeepsPidAcrossInPlaceRewrite(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "host.pid"))
	require.NoError(t, os.WriteFile(p.Path(), []byte("4242\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan observation, 16)
	go func() {
		_ = p.Watch(ctx, nil, func(pid int, ok bool) { seen <- observation{pid, ok} })
	}()

	next := func() observation {
		t.Helper()
		select {
		case o := <-seen:
			return o
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for pidfile change")
			return observation{}
		}
	}
	assert.Equal(t, observation{4242, true}, next())

	// truncate, half-written content, then the same pid again
	require.NoError(t, os.WriteFile(p.Path(), nil, 0644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(p.Path(), []byte("42"), 0644))
	require.NoError(t, os.WriteFile(p.Path(), []byte("garbage"), 0644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(p.Path(), []byte("4242\n"), 0644))
	time.Sleep(50 * time.Millisecond)

	// a real change is the next thing reported
	require.NoError(t, os.WriteFile(p.Path(), []byte("5000\n"), 0644))
	assert.Equal(t, observation{5000, true}, next())
}

func TestWatchReportsUnreadableFileOnStart(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "host.pid"))
	require.NoError(t, os.WriteFile(p.Path(), []byte("not a pid"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := make(chan observation, 4)
	go func() {
		_ = p.Watch(ctx, nil, func(pid int, ok bool) { seen <- observation{pid, ok} })
	}()

	select {
	case o := <-seen:
		assert.Equal(t, observation{0, false}, o)
	case <-time.After(3 * time.Second):
		t.Fatal("no initial report")
	}
}
