package balancer

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errTaskFailed = errors.New("task failed")

// BreakerSnapshot is the reportable state of one instance's circuit breaker.
type BreakerSnapshot struct {
	State              string    `json:"state"`
	Failures           uint32    `json:"failures"`
	SuccessfulRequests uint32    `json:"successful_requests"`
	LastFailureTime    time.Time `json:"last_failure_time,omitempty"`
	NextRetryTime      time.Time `json:"next_retry_time,omitempty"`
}

// breaker wraps a two-step gobreaker. Assignment only consults the state; the
// outcome is reported when the task completes.
type breaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker[struct{}]
	timeout time.Duration

	mu          sync.Mutex
	lastFailure time.Time
	nextRetry   time.Time
	successes   uint32
	failures    uint32 // consecutive; survives the generation reset on trip
}

type stateChangeFunc func(agentID string, from, to gobreaker.State)

func newBreaker(agentID string, maxFailures uint32, timeout time.Duration, onChange stateChangeFunc) *breaker {
	b := &breaker{timeout: timeout}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.nextRetry = time.Now().Add(b.timeout)
				b.mu.Unlock()
			}
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	})
	return b
}

// open reports whether the breaker currently rejects work. An open breaker
// whose cooldown has elapsed moves to half-open here.
func (b *breaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// record feeds one task outcome into the breaker.
func (b *breaker) record(success bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return
	}
	if success {
		b.mu.Lock()
		b.successes++
		b.failures = 0
		b.mu.Unlock()
		done(nil)
		return
	}
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.failures++
	b.mu.Unlock()
	done(errTaskFailed)
}

func (b *breaker) snapshot() BreakerSnapshot {
	state := b.cb.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		State:              state.String(),
		Failures:           b.failures,
		SuccessfulRequests: b.successes,
		LastFailureTime:    b.lastFailure,
	}
	if state == gobreaker.StateOpen {
		s.NextRetryTime = b.nextRetry
	}
	return s
}
