// Package refresh renews credentials before they lapse. Renewal is damped
// twice: a per-instance guard stops a scheduler from overlapping itself, and
// the process-wide Gate stops sibling instances from piling onto the same
// renewal within the cooldown window.
package refresh

import (
	"sync"
	"time"
)

// DefaultCooldown is the window within which at most one renewal attempt is
// admitted across all instances.
const DefaultCooldown = 5 * time.Second

// Gate is the shared damper. Every scheduler in the process consults the same
// Gate before touching the network.
type Gate struct {
	mu          sync.Mutex
	cooldown    time.Duration
	lastAttempt time.Time
	nowFunc     func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateNowFunc overrides the time source.
func WithGateNowFunc(now func() time.Time) GateOption {
	return func(g *Gate) { g.nowFunc = now }
}

// NewGate constructs a Gate. Non-positive cooldowns fall back to the default.
func NewGate(cooldown time.Duration, opts ...GateOption) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	g := &Gate{cooldown: cooldown, nowFunc: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire admits one renewal attempt and stamps it. Attempts inside the
// cooldown window of the previous stamp are refused. The attempt is recorded
// whether or not the renewal later succeeds.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	if !g.lastAttempt.IsZero() && now.Sub(g.lastAttempt) < g.cooldown {
		return false
	}
	g.lastAttempt = now
	return true
}

// LastAttempt returns the timestamp of the most recent admitted attempt.
func (g *Gate) LastAttempt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAttempt
}
