// Package circuitbreaker guards an email transport so a failing provider is not
// called for every delivery batch while it is down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/metrics"
)

// State of a CircuitBreaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    the open period elapsed
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails; the open period doubles up to MaxRecoveryTimeout
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

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name identifies the guarded transport ("ses", "postmark", "log").
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is the first open period before a probe is let through.
	RecoveryTimeout time.Duration

	// MaxRecoveryTimeout caps the open period after repeated failed probes.
	MaxRecoveryTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		MaxRecoveryTimeout:  5 * time.Minute,
		HalfOpenMaxRequests: 1,
	}
}

type counts struct {
	requests  int64
	successes int64
	failures  int64
	rejected  int64
}

type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state           State
	consecutive     int
	probes          int
	openFor         time.Duration
	openUntil       time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	counts          counts
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.MaxRecoveryTimeout < cfg.RecoveryTimeout {
		cfg.MaxRecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config:  cfg,
		logger:  logger.With(zap.String("breaker", cfg.Name)),
		now:     time.Now,
		state:   StateClosed,
		openFor: cfg.RecoveryTimeout,
	}
	cb.lastStateChange = cb.now()
	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	cb.logger.Info("circuit breaker created",
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
		zap.Duration("max_recovery_timeout", cfg.MaxRecoveryTimeout),
	)

	return cb
}

// Do runs fn if the breaker allows it and records the outcome. Errors for which neutral
// returns true are passed through without counting against the transport.
func (cb *CircuitBreaker) Do(fn func() error, neutral func(error) bool) error {
	if !cb.Allow() {
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, cb.config.Name)
	}

	err := fn()
	if err == nil || (neutral != nil && neutral(err)) {
		cb.RecordSuccess()
		return err
	}
	cb.RecordFailure()
	return err
}

// Allow reports whether a call may proceed. Callers that get true must report the
// outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if !cb.now().Before(cb.openUntil) {
			cb.transitionTo(StateHalfOpen)
			cb.probes = 1
			cb.logger.Info("circuit breaker allowing probe request")
			return true
		}

	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}

	cb.counts.rejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.successes++
	cb.consecutive = 0

	if cb.state == StateHalfOpen {
		cb.openFor = cb.config.RecoveryTimeout
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, transport recovered")
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.failures++
	cb.consecutive++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.config.MaxFailures {
			cb.open()
			cb.logger.Warn("circuit breaker opened",
				zap.Int("failures", cb.consecutive),
				zap.Duration("open_for", cb.openFor),
			)
		}

	case StateHalfOpen:
		cb.openFor = min(2*cb.openFor, cb.config.MaxRecoveryTimeout)
		cb.open()
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.Duration("open_for", cb.openFor),
		)
	}
}

// open must be called with the lock held.
func (cb *CircuitBreaker) open() {
	cb.openUntil = cb.now().Add(cb.openFor)
	cb.transitionTo(StateOpen)
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is served on the health endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	OpenFor         string `json:"open_for"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutive,
		OpenFor:         cb.openFor.String(),
		TotalRequests:   cb.counts.requests,
		TotalFailures:   cb.counts.failures,
		TotalSuccesses:  cb.counts.successes,
		TotalRejected:   cb.counts.rejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the circuit closed and restores the initial open period.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.consecutive = 0
	cb.openFor = cb.config.RecoveryTimeout

	cb.logger.Info("circuit breaker manually reset")
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.probes = 0
	metrics.SetBreakerState(cb.config.Name, int(newState))

	cb.logger.Debug("circuit breaker state transition",
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.consecutive, cb.config.MaxFailures)
}
