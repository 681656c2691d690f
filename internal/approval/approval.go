// Package approval holds tool calls paused at a WARNING verdict until a
// human resolves them, with a timeout that falls back to the configured
// default decision.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/guardclaw/guardclaw/internal/safeguard"
)

// Resolution is the outcome of a pending approval.
type Resolution string

const (
	ResolutionApprove Resolution = "approve"
	ResolutionDeny    Resolution = "deny"
	ResolutionTimeout Resolution = "timeout"
)

// DefaultTimeout is how long a request waits for a human before timing out.
const DefaultTimeout = 60 * time.Second

// Request is one paused tool call.
type Request struct {
	ID        string            `json:"id"`
	Action    safeguard.Action  `json:"action"`
	Verdict   safeguard.Verdict `json:"verdict"`
	CreatedAt time.Time         `json:"createdAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Outcome is what the waiter receives.
type Outcome struct {
	Resolution Resolution `json:"resolution"`
	// AlwaysApprove pins the pattern so future matches skip approval.
	AlwaysApprove bool `json:"alwaysApprove,omitempty"`
}

type pending struct {
	request Request
	done    chan Outcome
	once    sync.Once
}

// Manager tracks pending approvals. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pending
	timeout time.Duration
}

// NewManager creates a manager. timeout <= 0 uses the default.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pending: make(map[string]*pending),
		timeout: timeout,
	}
}

// Submit registers a paused call and returns its request.
func (m *Manager) Submit(action safeguard.Action, verdict safeguard.Verdict) Request {
	now := time.Now()
	req := Request{
		ID:        uuid.NewString(),
		Action:    action,
		Verdict:   verdict,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}

	m.mu.Lock()
	m.pending[req.ID] = &pending{
		request: req,
		done:    make(chan Outcome, 1),
	}
	m.mu.Unlock()

	log.Info().
		Str("id", req.ID).
		Str("summary", action.Summary).
		Int("score", verdict.Score).
		Msg("Tool call paused for approval")
	return req
}

// Wait blocks until the request is resolved, its timeout elapses, or ctx is
// cancelled. Timeout and cancellation both resolve as ResolutionTimeout; the
// caller maps that onto its blocking-mode default.
func (m *Manager) Wait(ctx context.Context, id string) Outcome {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return Outcome{Resolution: ResolutionTimeout}
	}

	timer := time.NewTimer(time.Until(p.request.ExpiresAt))
	defer timer.Stop()

	var out Outcome
	select {
	case out = <-p.done:
	case <-timer.C:
		out = Outcome{Resolution: ResolutionTimeout}
	case <-ctx.Done():
		out = Outcome{Resolution: ResolutionTimeout}
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	return out
}

// Resolve records a human decision. It is idempotent per request: the first
// resolution wins, later ones return an error.
func (m *Manager) Resolve(id string, resolution Resolution, alwaysApprove bool) (Request, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return Request{}, fmt.Errorf("no pending approval %q", id)
	}

	resolved := false
	p.once.Do(func() {
		p.done <- Outcome{Resolution: resolution, AlwaysApprove: alwaysApprove}
		resolved = true
	})
	if !resolved {
		return Request{}, fmt.Errorf("approval %q already resolved", id)
	}

	log.Info().
		Str("id", id).
		Str("resolution", string(resolution)).
		Bool("always", alwaysApprove).
		Msg("Approval resolved")
	return p.request, nil
}

// Pending lists unresolved requests, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.request)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Sweep drops requests whose waiters are long gone. Wait removes its own
// entry on every exit path, so this only matters for requests submitted
// without a waiter.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	dropped := 0
	for id, p := range m.pending {
		if now.After(p.request.ExpiresAt.Add(m.timeout)) {
			delete(m.pending, id)
			dropped++
		}
	}
	return dropped
}
