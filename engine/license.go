// File: engine/license.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// License subsurface. The engine binary answers --license commands as
// one-shot invocations, independent of the long-running process, so
// these operations work even while the channel is not Ready.

package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// LicenseManager runs one-shot --license commands against the engine
// binary and triggers a channel restart after successful mutations.
type LicenseManager struct {
	log        *zap.Logger
	binaryPath string
	timeout    time.Duration
	channel    *Channel
}

// NewLicenseManager wires the manager to the channel it restarts.
func NewLicenseManager(log *zap.Logger, binaryPath string, channel *Channel) *LicenseManager {
	return &LicenseManager{
		log:        log.Named("license"),
		binaryPath: binaryPath,
		timeout:    30 * time.Second,
		channel:    channel,
	}
}

// runOneShot invokes `engine --license <args...>` and returns stdout.
func (m *LicenseManager) runOneShot(args ...string) ([]byte, error) {
	full := append([]string{"--license"}, args...)
	cmd := exec.Command(m.binaryPath, full...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("license command start: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("license command %v: %w (%s)", args, err, bytes.TrimSpace(errb.Bytes()))
		}
	case <-time.After(m.timeout):
		_ = cmd.Process.Kill()
		<-done
		return nil, fmt.Errorf("license command %v timed out", args)
	}
	return bytes.TrimSpace(out.Bytes()), nil
}

// jsonOrString wraps raw output: JSON passes through, anything else
// becomes a JSON string.
func jsonOrString(raw []byte) json.RawMessage {
	if json.Valid(raw) && len(raw) > 0 {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// Status returns the engine's license status record.
func (m *LicenseManager) Status() (json.RawMessage, error) {
	out, err := m.runOneShot("status")
	if err != nil {
		return nil, err
	}
	return jsonOrString(out), nil
}

// Fingerprint returns the hardware fingerprint.
func (m *LicenseManager) Fingerprint() (json.RawMessage, error) {
	out, err := m.runOneShot("fingerprint")
	if err != nil {
		return nil, err
	}
	return jsonOrString(out), nil
}

// Info returns detailed license information.
func (m *LicenseManager) Info() (json.RawMessage, error) {
	out, err := m.runOneShot("info")
	if err != nil {
		return nil, err
	}
	return jsonOrString(out), nil
}

// Add installs a license file and restarts the engine on success.
func (m *LicenseManager) Add(licensePath string) (json.RawMessage, error) {
	out, err := m.runOneShot("add", licensePath)
	if err != nil {
		return nil, err
	}
	m.log.Info("license added, restarting engine", zap.String("path", licensePath))
	if err := m.channel.Restart(); err != nil {
		return nil, fmt.Errorf("license added but engine restart failed: %w", err)
	}
	return jsonOrString(out), nil
}

// Remove deletes the installed license and restarts the engine.
func (m *LicenseManager) Remove() (json.RawMessage, error) {
	out, err := m.runOneShot("remove")
	if err != nil {
		return nil, err
	}
	m.log.Info("license removed, restarting engine")
	if err := m.channel.Restart(); err != nil {
		return nil, fmt.Errorf("license removed but engine restart failed: %w", err)
	}
	return jsonOrString(out), nil
}
