package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/domain/errors"
)

// State represents the circuit state of one guarded dependency
type State int32

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
	default:
		return "unknown"
	}
}

// Config configures breaker behavior
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // wait before permitting a trial call
	CallTimeout      time.Duration // per-call bound; a timeout counts as a failure
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	return c
}

// Metrics is a snapshot of breaker state for observability
type Metrics struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int64     `json:"failure_count"`
	SuccessCount  int64     `json:"success_count"`
	RequestCount  int64     `json:"request_count"`
	ErrorRate     float64   `json:"error_rate"`
	LastFailureAt time.Time `json:"last_failure_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Breaker shields one external dependency. The mutex guards only state
// transitions; the wrapped call always runs outside the critical section so
// a slow dependency never serializes other callers.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu               sync.Mutex
	state            State
	failureCount     int64
	successCount     int64
	requestCount     int64
	totalFailures    int64
	lastFailureAt    time.Time
	nextAttemptAt    time.Time
	halfOpenInFlight bool

	onStateChange func(name string, from, to State)
}

// NewBreaker creates a breaker for a named dependency
func NewBreaker(name string, config Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// SetStateChangeHook registers a callback invoked on every transition.
func (b *Breaker) SetStateChangeHook(hook func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = hook
}

// Execute runs fn under the breaker. While OPEN it fails immediately with a
// breaker-open error; the OPEN→HALF_OPEN transition happens lazily on the
// first call at or after nextAttemptAt.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return b.ExecuteWithFallback(ctx, fn, nil)
}

// ExecuteWithFallback runs fn under the breaker, invoking fallback instead of
// failing when the circuit is open.
func (b *Breaker) ExecuteWithFallback(
	ctx context.Context,
	fn func(ctx context.Context) (interface{}, error),
	fallback func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	trial, err := b.admit()
	if err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}

	result, err := b.call(ctx, fn)
	b.record(trial, err)

	if err != nil && fallback != nil {
		return fallback(ctx)
	}
	return result, err
}

// Metrics returns a consistent snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errorRate float64
	if b.requestCount > 0 {
		errorRate = float64(b.totalFailures) / float64(b.requestCount)
	}

	return Metrics{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		RequestCount:  b.requestCount,
		ErrorRate:     errorRate,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admit decides whether a call may proceed and reports whether it is the
// half-open trial call.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.requestCount++
		return false, nil

	case StateOpen:
		if time.Now().Before(b.nextAttemptAt) {
			return false, errors.NewBreakerOpenError(b.name)
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = true
		b.requestCount++
		return true, nil

	case StateHalfOpen:
		// Exactly one trial call is permitted.
		if b.halfOpenInFlight {
			return false, errors.NewBreakerOpenError(b.name)
		}
		b.halfOpenInFlight = true
		b.requestCount++
		return true, nil

	default:
		return false, errors.NewBreakerOpenError(b.name)
	}
}

// call runs fn bounded by the call timeout. A late result is discarded, not
// awaited; the goroutine finishes on its own once the dependency answers.
func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := fn(callCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-callCtx.Done():
		return nil, errors.NewDependencyError(b.name).WithCause(callCtx.Err())
	}
}

func (b *Breaker) record(trial bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.halfOpenInFlight = false
	}

	if callErr == nil {
		b.successCount++
		// The threshold counts consecutive failures, so any success while
		// CLOSED restarts the count.
		b.failureCount = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.failureCount++
	b.totalFailures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.nextAttemptAt = time.Now().Add(b.config.ResetTimeout)
		b.transition(StateOpen)
	case StateClosed:
		if b.failureCount >= int64(b.config.FailureThreshold) {
			b.nextAttemptAt = time.Now().Add(b.config.ResetTimeout)
			b.transition(StateOpen)
		}
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if b.logger != nil {
		b.logger.Info("circuit breaker state change",
			zap.String("dependency", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	if b.onStateChange != nil {
		// Hook runs outside the request path.
		go b.onStateChange(b.name, from, to)
	}
}
