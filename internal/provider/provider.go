// Package provider implements the AI provider gateway of spec.md §7: a
// rate-limited invocation path wrapped in a circuit breaker so that a
// provider's "out of credits" signal pauses new invocations instead of
// retrying into a wall, and resumes automatically once credits are
// restored (Open Question 4: the gateway classifies failures, it never
// retries on its own — retry policy belongs to the orchestrator).
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCreditsPaused is returned while the breaker is open because the
// provider reported it is out of credits.
var ErrCreditsPaused = errors.New("provider: invocations paused, provider reported insufficient credits")

// Invocation describes one coder/reviewer call to hand to a provider.
type Invocation struct {
	Role    string // "coder" or "reviewer"
	Model   string
	Prompt  string
	TaskID  string
	Timeout time.Duration
	// Cwd is the repository working directory the subprocess should run
	// in, completing spec.md §1's invoke(prompt, model, timeout, cwd)
	// capability.
	Cwd string
}

// Result is what a successful invocation returns.
type Result struct {
	Output     string
	ExitCode   int
	DurationMS int64
}

// Invoker is the raw capability a concrete provider (Claude, Codex, etc.)
// implements; Gateway wraps it with rate limiting and credit-pause
// semantics so the orchestrator never talks to it directly.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// CreditError is returned by an Invoker to signal the provider is out of
// credits (as opposed to a transient or fatal error); Gateway trips its
// breaker specifically on this, not on every error, so a single flaky
// invocation doesn't pause the whole pipeline.
type CreditError struct {
	Err error
}

func (e *CreditError) Error() string { return fmt.Sprintf("provider out of credits: %v", e.Err) }
func (e *CreditError) Unwrap() error { return e.Err }

// Gateway wraps an Invoker with a token-bucket rate limiter (teacher's
// api.Client.limiter shape) and a gobreaker.CircuitBreaker that opens on
// CreditError and holds invocations until the provider is healthy again.
type Gateway struct {
	inv     Invoker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Config controls the breaker's sensitivity and the limiter's throughput.
type Config struct {
	RateLimit       rate.Limit
	Burst           int
	BreakerFailures uint32        // consecutive CreditErrors before opening
	BreakerTimeout  time.Duration // how long the breaker stays open before probing
}

func NewGateway(inv Invoker, cfg Config) *Gateway {
	settings := gobreaker.Settings{
		Name:    "provider-gateway",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	}

	return &Gateway{
		inv:     inv,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Invoke rate-limits and breaker-guards a single call to the underlying
// provider. When the breaker is open, it fails fast with ErrCreditsPaused
// instead of calling the provider at all.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	// gobreaker counts any non-nil return from Execute as a breaker
	// failure. Only CreditError should move the breaker toward open, so
	// a non-credit error is reported back through nonCreditErr instead of
	// the Execute return value.
	var nonCreditErr error
	result, err := g.breaker.Execute(func() (any, error) {
		res, callErr := g.inv.Invoke(callCtx, inv)
		if callErr == nil {
			return res, nil
		}
		var credErr *CreditError
		if errors.As(callErr, &credErr) {
			return Result{}, callErr
		}
		nonCreditErr = callErr
		return Result{}, nil
	})

	if nonCreditErr != nil {
		return Result{}, nonCreditErr
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, ErrCreditsPaused
		}
		return Result{}, err
	}

	return result.(Result), nil
}

// State reports the breaker's current state for observability (spec.md §6
// read API surfaces provider health).
func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

// Paused reports whether the breaker is currently open, i.e. invocations
// are failing fast with ErrCreditsPaused instead of reaching the provider.
func (g *Gateway) Paused() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
