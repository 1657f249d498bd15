// Package breaker implements the circuit-breaker state machine of spec
// §4.B as a generic wrapper around github.com/sony/gobreaker/v2, guarding
// whichever downstream callable a caller supplies.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"hcsr/internal/config"
	"hcsr/internal/domain"
)

// Breaker guards a single downstream callable returning a T.
type Breaker[T any] struct {
	name string
	cb   *gobreaker.CircuitBreaker[T]
	log  *slog.Logger
}

// New creates a Breaker named name, using cfg for thresholds/timeouts.
// Zero-valued fields in cfg fall back to spec §4.B's defaults.
func New[T any](name string, cfg config.CircuitBreakerConfig, log *slog.Logger) *Breaker[T] {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 2
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 60 * time.Second
	}
	rollingWindow := cfg.RollingWindow
	if rollingWindow == 0 {
		rollingWindow = 60 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: successThreshold, // admit up to successThreshold probes in half-open
		Interval:    rollingWindow,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", "breaker", breakerName, "from", from.String(), "to", to.String())
			}
		},
		// Spec §4.B: the breaker opens "on each Transient failure" — a
		// Permanent failure (validation, 4xx) is the caller's fault, not
		// the downstream's, and must not count toward tripping it.
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryable(err)
		},
	})

	return &Breaker[T]{name: name, cb: cb, log: log}
}

// Execute runs fn through the breaker. If the breaker is open or the
// half-open probe budget is exhausted, it returns domain.ErrCircuitOpen
// without invoking fn.
func (b *Breaker[T]) Execute(_ context.Context, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result, domain.NewSubSystemError("breaker", fmt.Sprintf("breaker[%s].Execute", b.name), domain.ErrCircuitOpen, err.Error())
		}
		return result, err
	}
	return result, nil
}

// State returns the current breaker state for observability (spec §4.B).
func (b *Breaker[T]) State() gobreaker.State { return b.cb.State() }

// Counts returns the rolling call/failure counters for observability.
func (b *Breaker[T]) Counts() gobreaker.Counts { return b.cb.Counts() }
