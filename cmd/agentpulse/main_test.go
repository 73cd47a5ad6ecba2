package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withFlags resets the persistent flag variables after the test.
func withFlags(t *testing.T) {
	t.Helper()
	saved := []any{configFile, logLevel, logFile, rootPid, pidfilePath}
	t.Cleanup(func() {
		configFile = saved[0].(string)
		logLevel = saved[1].(string)
		logFile = saved[2].(string)
		rootPid = saved[3].(int)
		pidfilePath = saved[4].(string)
	})
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	withFlags(t)
	dir := t.TempDir()
	configFile = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("log:\n  level: warn\n"), 0644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	logLevel = "debug"
	logFile = "-"
	rootPid = 4242
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "-", cfg.Log.Path)
	assert.Equal(t, 4242, cfg.Monitor.RootPid)

	pid, err := resolveRootPid(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestResolveRootPidFromPidfile(t *testing.T) {
	withFlags(t)
	configFile = filepath.Join(t.TempDir(), "missing.yaml")
	pidfilePath = filepath.Join(t.TempDir(), "host.pid")
	require.NoError(t, os.WriteFile(pidfilePath, []byte("1234\n"), 0644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	pid, err := resolveRootPid(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	cfg.Monitor.Pidfile = ""
	_, err = resolveRootPid(cfg)
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"WORKSPACE", "PORT"}, [][]string{{"/w", "8080"}, {"/x", "9090"}}, -1)
	assert.Contains(t, out, "WORKSPACE")
	assert.Contains(t, out, "/w")
	assert.Contains(t, out, "9090")
	assert.GreaterOrEqual(t, strings.Count(out, "\n"), 3)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.HasPrefix(buf.String(), "agentpulse "+version))
}
