package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff around agent invocations.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-agent-kind circuit breakers: a provider
// outage hitting the build agent must not keep hammering every other kind.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Get returns the breaker for an agent kind, creating it on first use.
func (r *BreakerRegistry) Get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation is the operator's doing, not the provider's.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[kind] = cb
	return cb
}

// InvokeWithRetry runs one invocation under the kind's circuit breaker
// with exponential-backoff retry. Configuration errors and open-breaker
// states are permanent; everything else retries until the policy gives up.
func InvokeWithRetry(ctx context.Context, inv Invoker, req Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (Result, error) {
	var res Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		result, err := cb.Execute(func() (interface{}, error) {
			return inv.Invoke(ctx, req)
		})
		if err != nil {
			if r, ok := result.(Result); ok {
				res = r // keep token accounting from the failed call
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		res = result.(Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return res, err
}
