package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/metrics"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_ts,omitempty"`
	NextProbeAt   time.Time `json:"next_probe_ts,omitempty"`
}

// Breaker guards one named service. It opens after threshold consecutive
// failures, and after resetAfter lets exactly one probe through.
type Breaker struct {
	name       string
	threshold  int
	resetAfter time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	nextProbeAt   time.Time
	probing       bool
}

// NewBreaker builds a closed breaker. Non-positive settings fall back to 5
// failures and five minutes.
func NewBreaker(name string, threshold int, resetAfter time.Duration, logger *zap.Logger, m *metrics.Metrics) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:       name,
		threshold:  threshold,
		resetAfter: resetAfter,
		logger:     logger.With(zap.String("breaker", name)),
		metrics:    m,
		now:        time.Now,
	}
	m.SetBreakerState(name, int(StateClosed))
	return b
}

// Name returns the guarded service name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In HalfOpen only the first caller
// after the reset window is admitted; it must report back through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return b.openErr()
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return b.openErr()
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) openErr() error {
	return schemas.NewError(schemas.KindCircuitOpen, "breaker."+b.name, "circuit open until "+b.nextProbeAt.Format(time.RFC3339), nil)
}

// Rejecting returns CircuitOpen when Allow would refuse a call. Unlike
// Allow it never claims the half-open probe.
func (b *Breaker) Rejecting() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return b.openErr()
		}
	case StateHalfOpen:
		if b.probing {
			return b.openErr()
		}
	}
	return nil
}

// Record reports the outcome of an admitted call. Cancellation by the caller
// is not a service failure and leaves the counters alone.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && errors.Is(err, context.Canceled) {
		if b.state == StateHalfOpen {
			b.probing = false
		}
		return
	}

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailureAt = b.now()
	switch b.state {
	case StateHalfOpen:
		b.trip()
	case StateClosed:
		if b.failures >= b.threshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.probing = false
	b.nextProbeAt = b.now().Add(b.resetAfter)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.metrics.SetBreakerState(b.name, int(to))
	b.logger.Info("Circuit breaker state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failures", b.failures))
}

// Do runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
		NextProbeAt:   b.nextProbeAt,
	}
}
