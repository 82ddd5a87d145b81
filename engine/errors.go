// File: engine/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Failure taxonomy of the engine channel. Router maps these onto HTTP
// statuses: NotReady→503, Timeout→504, Disconnected→502, license→503.

package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a call is submitted while the
	// engine is not in the Ready state.
	ErrNotReady = errors.New("engine not ready")

	// ErrTimeout is returned when the per-call deadline elapses before
	// the reply arrives. The engine is not told to abort.
	ErrTimeout = errors.New("engine call timed out")

	// ErrDisconnected is returned when the reader hit EOF or a broken
	// pipe while the call was pending.
	ErrDisconnected = errors.New("engine disconnected")

	// ErrRestarting fails in-flight calls that could not drain before
	// a restart tears the channel down.
	ErrRestarting = errors.New("engine restarting")

	// ErrChannelBusy rejects a raw passthrough while framed calls are
	// in flight (see DESIGN.md, raw /command policy).
	ErrChannelBusy = errors.New("command channel busy")
)

// LicenseError carries the captured license-failure record.
type LicenseError struct {
	Status              string `json:"license_status"`
	Message             string `json:"message"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
}

func (e *LicenseError) Error() string {
	return fmt.Sprintf("license error: %s (%s)", e.Status, e.Message)
}
