// Package claims tracks short-lived exclusive ownership of a
// conversational scope by one handler, used for multi-turn exchanges.
// At most one live claim exists per scope. Expiry is lazy (checked on
// access) plus periodically swept; an expired claim with a timeout
// message delivers it through the scope's reply capability before the
// claim is discarded.
package claims

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sunflowermm/xrkbot/pkg/event"
)

type claim struct {
	owner          string
	expiresAt      time.Time
	timeoutMessage string
	reply          event.ReplyFunc
}

// Manager owns the scope → claim map. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	claims map[event.Scope]*claim
}

// NewManager creates an empty claim manager.
func NewManager() *Manager {
	return &Manager{claims: make(map[event.Scope]*claim)}
}

// Claim takes exclusive ownership of a scope for owner. Returns false
// when a live claim already exists — claiming never overwrites, so two
// handlers cannot race for the same conversation. The reply capability
// is retained only to deliver timeoutMessage on expiry.
func (m *Manager) Claim(scope event.Scope, owner string, ttl time.Duration, timeoutMessage string, reply event.ReplyFunc) bool {
	m.mu.Lock()
	old, replaced := m.claims[scope]
	if replaced && time.Now().Before(old.expiresAt) {
		m.mu.Unlock()
		return false
	}
	m.claims[scope] = &claim{
		owner:          owner,
		expiresAt:      time.Now().Add(ttl),
		timeoutMessage: timeoutMessage,
		reply:          reply,
	}
	m.mu.Unlock()

	// A replaced claim had already expired; its timeout notice is still
	// owed, whichever access observes the expiry first.
	if replaced {
		go notifyTimeout(scope, old)
	}
	return true
}

// Release drops the claim on a scope. Idempotent: releasing an
// unclaimed scope is a no-op.
func (m *Manager) Release(scope event.Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, scope)
}

// Owner returns the owning handler of a live claim on scope. A claim
// found expired is removed here (lazy expiry) and its timeout notice
// delivered asynchronously.
func (m *Manager) Owner(scope event.Scope) (string, bool) {
	m.mu.Lock()
	c, ok := m.claims[scope]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	if time.Now().Before(c.expiresAt) {
		owner := c.owner
		m.mu.Unlock()
		return owner, true
	}
	delete(m.claims, scope)
	m.mu.Unlock()

	go notifyTimeout(scope, c)
	return "", false
}

// Len returns the number of claims currently held, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// Sweep removes every expired claim and delivers pending timeout
// notices. A single sweep pass serves all scopes — no timer per claim.
// Claims are removed from the map before any notice is sent, so a
// concurrent lazy expiry cannot deliver the same notice twice.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var expired []struct {
		scope event.Scope
		c     *claim
	}
	for scope, c := range m.claims {
		if !now.Before(c.expiresAt) {
			expired = append(expired, struct {
				scope event.Scope
				c     *claim
			}{scope, c})
			delete(m.claims, scope)
		}
	}
	m.mu.Unlock()

	for _, ex := range expired {
		notifyTimeout(ex.scope, ex.c)
	}
	return len(expired)
}

func notifyTimeout(scope event.Scope, c *claim) {
	slog.Debug("context claim expired", "scope", string(scope), "owner", c.owner)
	if c.timeoutMessage == "" || c.reply == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ok, err := c.reply(ctx, event.Text(c.timeoutMessage)); err != nil || !ok {
		slog.Warn("claim timeout notice delivery failed",
			"scope", string(scope),
			"owner", c.owner,
			"error", err,
		)
	}
}
