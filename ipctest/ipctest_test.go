// File: ipctest/ipctest_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ipctest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeScript creates a fake test-client binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "client.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newManager(t *testing.T, clientPath string) *Manager {
	t.Helper()
	return NewManager(Config{
		Enabled:        true,
		TestClientPath: clientPath,
		ReportsDir:     filepath.Join(t.TempDir(), "reports"),
	}, zap.NewNop())
}

func statusOf(t *testing.T, m *Manager) map[string]any {
	t.Helper()
	raw, err := m.Status()
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func waitIdle(t *testing.T, m *Manager) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if statusOf(t, m)["running"] == false {
			return statusOf(t, m)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("test run did not finish")
	return nil
}

func TestStatusIdleByDefault(t *testing.T) {
	m := newManager(t, writeScript(t, "exit 0\n"))
	body := statusOf(t, m)
	assert.Equal(t, false, body["running"])
	_, hasExit := body["last_exit_code"]
	assert.False(t, hasExit)
}

func TestRunLifecycle(t *testing.T) {
	m := newManager(t, writeScript(t, "exit 0\n"))
	raw, err := m.Start(json.RawMessage(`{"suite":"smoke"}`))
	require.NoError(t, err)
	var started map[string]any
	require.NoError(t, json.Unmarshal(raw, &started))
	assert.Equal(t, true, started["running"])
	assert.Contains(t, started["report"], "ipc-test-")

	body := waitIdle(t, m)
	assert.Equal(t, float64(0), body["last_exit_code"])
}

func TestFailingClientRecordsExitCode(t *testing.T) {
	m := newManager(t, writeScript(t, "exit 3\n"))
	_, err := m.Start(nil)
	require.NoError(t, err)
	body := waitIdle(t, m)
	assert.Equal(t, float64(3), body["last_exit_code"])
	assert.Contains(t, body, "last_error")
}

func TestStartWhileRunningFails(t *testing.T) {
	m := newManager(t, writeScript(t, "exec sleep 10\n"))
	_, err := m.Start(json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = m.Start(nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = m.Stop()
	assert.NoError(t, err)
	waitIdle(t, m)
}

func TestStopWithoutRun(t *testing.T) {
	m := newManager(t, writeScript(t, "exit 0\n"))
	_, err := m.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartRejectsBadParams(t *testing.T) {
	m := newManager(t, writeScript(t, "exit 0\n"))
	_, err := m.Start(json.RawMessage(`{"suite":42}`))
	assert.Error(t, err)
}
