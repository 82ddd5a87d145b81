// File: router/auth.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bearer authorization for the gated surface: the configured
// authenticator (static token or JWT) or a live panel session token.

package router

import (
	"strings"

	"github.com/momentics/hioload-gateway/gate"
)

// Auth satisfies the reactor's Authorizer contract.
type Auth struct {
	authn *gate.Authenticator
	panel *PanelSessions
}

// NewAuth combines the configured authenticator with the panel store.
// Either may be nil.
func NewAuth(authn *gate.Authenticator, panel *PanelSessions) *Auth {
	return &Auth{authn: authn, panel: panel}
}

// Authorize accepts the request when any credential source validates
// the Authorization header.
func (a *Auth) Authorize(authorization string) error {
	if a.authn != nil {
		if _, err := a.authn.Authenticate(authorization); err == nil {
			return nil
		}
	}
	if a.panel != nil {
		if token, ok := stripBearer(authorization); ok && a.panel.Valid(token) {
			return nil
		}
	}
	return gate.ErrInvalidToken
}

func stripBearer(authorization string) (string, bool) {
	const prefix = "bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):]), true
	}
	return "", false
}
