// Package breaker implements a per-operation circuit breaker registry.
// Each protected operation owns one state machine for the process lifetime.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// dependency.
var ErrOpen = errors.New("circuit breaker open")

// ErrTimeout is returned when a protected call exceeds its timeout budget.
var ErrTimeout = errors.New("protected call timed out")

// State of a single breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the shared breaker tuning parameters.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
}

type breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialing    bool
}

// Registry owns one breaker per operation key. It is constructed once and
// injected into the component that needs failure isolation; operation keys
// are explicit identifiers, not derived from call sites.
type Registry struct {
	config Config
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewRegistry creates a breaker [Registry] with the given configuration.
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		config:   cfg,
		log:      log,
		breakers: make(map[string]*breaker),
	}
}

func (r *Registry) breakerFor(operation string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[operation]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[operation] = b
	}
	return b
}

// State reports the current state of the named operation's breaker.
func (r *Registry) State(operation string) State {
	b := r.breakerFor(operation)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the named operation's breaker. While OPEN all calls are
// rejected immediately with [ErrOpen]; after the reset timeout a single
// trial call is admitted (HALF_OPEN) and its outcome decides the next state.
// Each admitted call is bounded by the configured timeout, and a timeout
// counts as a failure.
func (r *Registry) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	b := r.breakerFor(operation)

	if err := r.admit(b, operation); err != nil {
		return err
	}

	err := r.invoke(ctx, fn)
	r.settle(b, operation, err)
	return err
}

func (r *Registry) admit(b *breaker, operation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < r.config.ResetTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.trialing = true
		r.log.Info("circuit breaker half-open, admitting trial call",
			zap.String("operation", operation))
		return nil
	case StateHalfOpen:
		// Only one trial call probes the dependency at a time.
		if b.trialing {
			return ErrOpen
		}
		b.trialing = true
		return nil
	default:
		return ErrOpen
	}
}

func (r *Registry) invoke(ctx context.Context, fn func(context.Context) error) error {
	if r.config.CallTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return ErrTimeout
	}
}

func (r *Registry) settle(b *breaker, operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialing = false

	if err == nil {
		if b.state != StateClosed {
			r.log.Info("circuit breaker closed", zap.String("operation", operation))
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen || b.failures >= r.config.FailureThreshold {
		if b.state != StateOpen {
			r.log.Warn("circuit breaker opened",
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.failures))
		}
		b.state = StateOpen
	}
}
