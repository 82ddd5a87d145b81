// File: router/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Gateway-level error taxonomy and its mapping to HTTP status codes.
// Engine-reported failures are not errors at this level: they travel
// inside a 200 envelope with success=false.

package router

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-gateway/engine"
)

// ErrorKind classifies gateway failures for status-code mapping.
type ErrorKind int

const (
	KindBadRequest ErrorKind = iota
	KindAuthRequired
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindValidation
	KindRateLimited
	KindConflict
	KindNotReady
	KindEngineDisconnected
	KindLicenseError
	KindInternal
	KindTimeout
)

// GatewayError is a classified failure with optional response extras.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	// Extras are merged into the JSON error body (retry_after,
	// license_status, missing_fields and friends).
	Extras map[string]any
}

func (e *GatewayError) Error() string { return e.Message }

// Status maps the kind to its HTTP status code.
func (e *GatewayError) Status() int {
	switch e.Kind {
	case KindBadRequest:
		return 400
	case KindAuthRequired:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindMethodNotAllowed:
		return 405
	case KindValidation:
		return 422
	case KindRateLimited:
		return 429
	case KindConflict:
		return 409
	case KindNotReady, KindLicenseError:
		return 503
	case KindEngineDisconnected:
		return 502
	case KindTimeout:
		return 504
	}
	return 500
}

func gatewayErr(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classifyEngineError translates channel sentinels into gateway errors.
func classifyEngineError(err error) *GatewayError {
	var licErr *engine.LicenseError
	switch {
	case errors.As(err, &licErr):
		ge := gatewayErr(KindLicenseError, "%s", licErr.Message)
		ge.Extras = map[string]any{
			"license_status":       licErr.Status,
			"hardware_fingerprint": licErr.HardwareFingerprint,
		}
		return ge
	case errors.Is(err, engine.ErrNotReady), errors.Is(err, engine.ErrRestarting):
		return gatewayErr(KindNotReady, "engine not ready")
	case errors.Is(err, engine.ErrTimeout):
		return gatewayErr(KindTimeout, "engine call timed out")
	case errors.Is(err, engine.ErrDisconnected):
		return gatewayErr(KindEngineDisconnected, "engine disconnected")
	case errors.Is(err, engine.ErrChannelBusy):
		return gatewayErr(KindConflict, "%s", err.Error())
	}
	return gatewayErr(KindInternal, "%s", err.Error())
}
