// File: ipctest/ipctest.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Optional IPC test harness: runs the external test-client binary
// against the gateway and collects its report. Disabled by default;
// one run at a time. Independent of the engine channel.

package ipctest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config mirrors the ipc_tests configuration block.
type Config struct {
	Enabled        bool
	TestClientPath string
	ReportsDir     string
}

// ErrAlreadyRunning is returned by Start while a run is in flight.
var ErrAlreadyRunning = errors.New("ipctest: a test run is already in progress")

// ErrNotRunning is returned by Stop when nothing is running.
var ErrNotRunning = errors.New("ipctest: no test run in progress")

// Manager owns at most one test-client subprocess.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	startedAt  time.Time
	reportPath string
	lastExit   *int
	lastErr    string
}

// NewManager builds the harness.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, log: log.Named("ipctest")}
}

// Enabled reports whether the harness endpoints are live.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

type startParams struct {
	GatewayURL string `json:"gateway_url,omitempty"`
	Suite      string `json:"suite,omitempty"`
}

// Start launches the test client detached. params may select a suite
// and target URL; the report lands under the configured reports dir.
func (m *Manager) Start(rawParams json.RawMessage) (json.RawMessage, error) {
	var params startParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("ipctest: invalid params: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != nil {
		return nil, ErrAlreadyRunning
	}

	if err := os.MkdirAll(m.cfg.ReportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("ipctest: reports dir: %w", err)
	}
	report := filepath.Join(m.cfg.ReportsDir,
		fmt.Sprintf("ipc-test-%s.json", time.Now().Format("20060102-150405")))

	args := []string{"--report", report}
	if params.GatewayURL != "" {
		args = append(args, "--gateway", params.GatewayURL)
	}
	if params.Suite != "" {
		args = append(args, "--suite", params.Suite)
	}

	cmd := exec.Command(m.cfg.TestClientPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ipctest: start test client: %w", err)
	}
	m.cmd = cmd
	m.startedAt = time.Now()
	m.reportPath = report
	m.lastExit = nil
	m.lastErr = ""
	m.log.Info("test run started", zap.String("report", report), zap.Int("pid", cmd.Process.Pid))

	go m.reap(cmd)

	return json.Marshal(map[string]any{
		"running": true,
		"pid":     cmd.Process.Pid,
		"report":  report,
	})
}

// reap waits for the subprocess and records its exit.
func (m *Manager) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd != cmd {
		return
	}
	code := 0
	if err != nil {
		m.lastErr = err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	m.lastExit = &code
	m.cmd = nil
	m.log.Info("test run finished", zap.Int("exit_code", code))
}

// Status reports the current or last run.
func (m *Manager) Status() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body := map[string]any{
		"running": m.cmd != nil,
	}
	if m.cmd != nil {
		body["pid"] = m.cmd.Process.Pid
		body["started_at"] = m.startedAt.UTC().Format(time.RFC3339)
	}
	if m.reportPath != "" {
		body["report"] = m.reportPath
	}
	if m.lastExit != nil {
		body["last_exit_code"] = *m.lastExit
	}
	if m.lastErr != "" {
		body["last_error"] = m.lastErr
	}
	return json.Marshal(body)
}

// Stop terminates a running test client with SIGTERM.
func (m *Manager) Stop() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil {
		return nil, ErrNotRunning
	}
	if err := m.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("ipctest: signal test client: %w", err)
	}
	return json.Marshal(map[string]any{"stopping": true, "pid": m.cmd.Process.Pid})
}
