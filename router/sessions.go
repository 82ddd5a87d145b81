// File: router/sessions.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Panel login sessions. POST /auth exchanges the panel password for an
// opaque uuid token that the playground uses as a bearer credential.

package router

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL bounds a panel login.
const DefaultSessionTTL = 12 * time.Hour

// PanelSessions is the in-memory token store.
type PanelSessions struct {
	password string
	ttl      time.Duration

	mu     sync.Mutex
	tokens map[string]time.Time // token -> expiry
	now    func() time.Time
}

// NewPanelSessions builds a store bound to the panel password. An
// empty password disables panel login entirely.
func NewPanelSessions(password string, ttl time.Duration) *PanelSessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &PanelSessions{
		password: password,
		ttl:      ttl,
		tokens:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Login checks the password and mints a session token.
func (p *PanelSessions) Login(password string) (string, bool) {
	if p.password == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(p.password)) != 1 {
		return "", false
	}
	token := uuid.NewString()
	p.mu.Lock()
	p.tokens[token] = p.now().Add(p.ttl)
	p.mu.Unlock()
	return token, true
}

// Valid reports whether the token names a live session. Expired
// entries are pruned as they are seen.
func (p *PanelSessions) Valid(token string) bool {
	if token == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.tokens[token]
	if !ok {
		return false
	}
	if p.now().After(exp) {
		delete(p.tokens, token)
		return false
	}
	return true
}

// Revoke drops one session.
func (p *PanelSessions) Revoke(token string) {
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
}
