// Package guardrail bounds model-token spend and debug-loop iteration for a
// single run. Counters are monotone; once the token budget is exhausted the
// run can never invoke a model again.
package guardrail

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrExhausted is returned by model-invoking steps once the token budget is
// spent. Callers treat it as a partial-success signal, not a pipeline fault:
// artifacts produced so far are retained and written.
var ErrExhausted = errors.New("guardrail exhausted")

// Config bounds a single run.
type Config struct {
	// TokenLimit is the hard cap on tokens consumed by model invocations.
	TokenLimit int `koanf:"token_limit"`

	// LoopLimit caps debug-loop iterations (test executions).
	LoopLimit int `koanf:"loop_limit"`
}

// Snapshot is a point-in-time view of guardrail consumption, attached to the
// run result for observability.
type Snapshot struct {
	TokensConsumed int    `json:"tokens_consumed"`
	TokensReserved int    `json:"tokens_reserved"`
	TokenLimit     int    `json:"token_limit"`
	LoopIterations int    `json:"loop_iterations"`
	LoopLimit      int    `json:"loop_limit"`
	Exhausted      bool   `json:"exhausted"`
	Reason         string `json:"reason,omitempty"`
}

// Manager tracks cumulative token usage and debug-loop iterations for one
// run. All methods are safe for concurrent use; Reserve+Commit form an
// effectively atomic pair per caller, so two concurrent dispatches can never
// both pass a stale budget check.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	consumed  int
	reserved  int
	loops     int
	exhausted bool
	reason    string

	logger  *zap.Logger
	metrics *metrics
}

// New creates a Manager for a run.
func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(logger),
	}
}

// Reservation holds tokens against the budget between the optimistic
// pre-check and the authoritative post-check.
type Reservation struct {
	m        *Manager
	estimate int
	settled  bool
}

// Reserve holds estimate tokens against the remaining budget. It returns
// false when the budget is exhausted or the estimate plus all outstanding
// reservations would exceed the hard limit, and the caller must not invoke
// the model. A failed Reserve never mutates consumed tokens.
func (m *Manager) Reserve(estimate int) (*Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exhausted || m.consumed+m.reserved+estimate > m.cfg.TokenLimit {
		m.metrics.reservationRejected(context.Background())
		m.logger.Debug("reservation rejected",
			zap.Int("estimate", estimate),
			zap.Int("consumed", m.consumed),
			zap.Int("reserved", m.reserved),
			zap.Int("limit", m.cfg.TokenLimit),
		)
		return nil, false
	}

	m.reserved += estimate
	return &Reservation{m: m, estimate: estimate}, true
}

// Commit records the actual token usage of the invocation this reservation
// covered. If the actual usage pushes consumption to or past the limit the
// budget transitions to exhausted immediately, even when the estimate
// undershot.
func (r *Reservation) Commit(actual int) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	m.reserved -= r.estimate
	if m.reserved < 0 {
		m.reserved = 0
	}
	m.consumed += actual
	m.metrics.tokensCommitted(context.Background(), actual)

	if !m.exhausted && m.consumed >= m.cfg.TokenLimit {
		m.exhausted = true
		m.reason = "token limit reached"
		m.logger.Warn("guardrail exhausted",
			zap.Int("consumed", m.consumed),
			zap.Int("limit", m.cfg.TokenLimit),
		)
	}
}

// Release drops the reservation without consuming tokens. Used when the
// invocation failed before producing a usable completion.
func (r *Reservation) Release() {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	m.reserved -= r.estimate
	if m.reserved < 0 {
		m.reserved = 0
	}
}

// TickLoop increments the debug-loop counter and reports whether another
// iteration is allowed. It returns false once the configured cap is reached,
// so a cap of N permits at most N test executions.
func (m *Manager) TickLoop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loops >= m.cfg.LoopLimit {
		return false
	}
	m.loops++
	m.metrics.loopTick(context.Background())
	return true
}

// Exhausted reports whether the token budget is spent. Exhaustion is
// terminal for the run; there is no reset.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Snapshot returns the current counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TokensConsumed: m.consumed,
		TokensReserved: m.reserved,
		TokenLimit:     m.cfg.TokenLimit,
		LoopIterations: m.loops,
		LoopLimit:      m.cfg.LoopLimit,
		Exhausted:      m.exhausted,
		Reason:         m.reason,
	}
}
