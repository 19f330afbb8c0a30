package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dupcheck/internal/pkg/logger"
	"dupcheck/internal/pkg/metrics"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State of a breaker. The values are exported as the state gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// Stops calling a failing dependency for resetTimeout after failureThreshold
// consecutive failures, then lets a single probe call through.
type CircuitBreaker struct {
	mutex            sync.Mutex
	failureCount     int
	lastFailure      time.Time
	resetTimeout     time.Duration
	failureThreshold int
	serviceName      string
	state            State
	probing          bool
	now              func() time.Time
}

func NewCircuitBreaker(serviceName string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		serviceName:      serviceName,
		failureThreshold: max(failureThreshold, 1),
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(serviceName).Set(float64(StateClosed))
	return cb
}

// Runs fn unless the circuit is open. Errors from fn count as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mutex.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		logger.Log.Info("Circuit half-open, allowing test request",
			zap.String("service", cb.serviceName))
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mutex.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mutex.Unlock()

	err := fn()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.probing = false

	if err != nil {
		cb.failureCount++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			if cb.state != StateOpen {
				logger.Log.Warn("Circuit opened due to failures",
					zap.String("service", cb.serviceName),
					zap.Int("failures", cb.failureCount),
					zap.Time("until", cb.lastFailure.Add(cb.resetTimeout)))
			}
			cb.setState(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		logger.Log.Info("Circuit closed after successful test",
			zap.String("service", cb.serviceName))
	}
	cb.failureCount = 0
	cb.setState(StateClosed)
	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Caller holds cb.mutex.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	metrics.CircuitBreakerState.WithLabelValues(cb.serviceName).Set(float64(s))
}
