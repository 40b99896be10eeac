package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeInvoker struct {
	calls   int
	results []error
}

func (f *fakeInvoker) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.results) && f.results[i] != nil {
		return Result{}, f.results[i]
	}
	return Result{Output: "ok"}, nil
}

func TestGatewayPassesThroughSuccess(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{}
	gw := NewGateway(inv, Config{RateLimit: rate.Inf, Burst: 1, BreakerFailures: 2, BreakerTimeout: time.Second})

	res, err := gw.Invoke(context.Background(), Invocation{Role: "coder"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("unexpected output: %s", res.Output)
	}
}

func TestGatewayTripsOnlyOnCreditErrors(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{results: []error{
		errors.New("transient network blip"),
		errors.New("transient network blip"),
		errors.New("transient network blip"),
	}}
	gw := NewGateway(inv, Config{RateLimit: rate.Inf, Burst: 1, BreakerFailures: 2, BreakerTimeout: time.Second})

	for i := 0; i < 3; i++ {
		_, err := gw.Invoke(context.Background(), Invocation{Role: "coder"})
		if errors.Is(err, ErrCreditsPaused) {
			t.Fatalf("did not expect credits-paused from non-credit errors (call %d)", i)
		}
	}
}

func TestGatewayPausesOnCreditErrors(t *testing.T) {
	t.Parallel()
	inv := &fakeInvoker{results: []error{
		&CreditError{Err: errors.New("insufficient balance")},
		&CreditError{Err: errors.New("insufficient balance")},
	}}
	gw := NewGateway(inv, Config{RateLimit: rate.Inf, Burst: 1, BreakerFailures: 2, BreakerTimeout: time.Hour})

	if _, err := gw.Invoke(context.Background(), Invocation{Role: "coder"}); err == nil {
		t.Fatal("expected first credit error to surface")
	}
	if _, err := gw.Invoke(context.Background(), Invocation{Role: "coder"}); err == nil {
		t.Fatal("expected second credit error to surface and trip the breaker")
	}

	_, err := gw.Invoke(context.Background(), Invocation{Role: "coder"})
	if !errors.Is(err, ErrCreditsPaused) {
		t.Fatalf("expected ErrCreditsPaused once breaker is open, got %v", err)
	}
}
