// File: engine/process.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine subprocess lifecycle: spawn with piped stdio, SIGTERM then
// SIGKILL after a grace period, reap.

package engine

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

type process struct {
	path string
	args []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

func newProcess(path string, args ...string) *process {
	return &process{path: path, args: args}
}

// spawn launches the binary and returns its stdio pipes.
func (p *process) spawn() (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.path, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("engine stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("spawning engine %s: %w", p.path, err)
	}
	p.cmd = cmd
	return stdin, stdout, stderr, nil
}

// terminate sends SIGTERM, escalates to SIGKILL after grace, and reaps.
func (p *process) terminate(grace time.Duration) {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-done
	}
}
