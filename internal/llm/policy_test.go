package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedBackend struct {
	name  string
	calls int
	errs  []error
	ok    *CompletionResult
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	b.calls++
	if b.calls <= len(b.errs) {
		return nil, b.errs[b.calls-1]
	}
	if b.ok != nil {
		return b.ok, nil
	}
	return &CompletionResult{Content: "ok"}, nil
}

func noSleep(p *Policy) {
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
}

func TestPolicyCreditsErrorSkipsRetriesAndFallsBack(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{errors.New("402 insufficient credits")}}
	fallback := &scriptedBackend{name: "fallback", ok: &CompletionResult{Content: "fallback answer"}}
	p := NewPolicy(primary, fallback, true)
	noSleep(p)

	result, err := p.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected exactly 1 primary call on credits error, got %d", primary.calls)
	}
	if !result.UsedFallback {
		t.Fatalf("expected UsedFallback=true")
	}
}

func TestPolicyRetryableErrorBacksOffThenSucceeds(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{errors.New("429 rate limit"), errors.New("503 timeout")}}
	p := NewPolicy(primary, nil, false)
	noSleep(p)

	result, err := p.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 3 {
		t.Fatalf("expected 2 retries + 1 success = 3 calls, got %d", primary.calls)
	}
	if result.UsedFallback {
		t.Fatalf("did not expect fallback to be used")
	}
}

func TestPolicyOtherErrorCutsStraightToFallbackWithoutRetry(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{errors.New("malformed request body")}}
	fallback := &scriptedBackend{name: "fallback", ok: &CompletionResult{Content: "fallback answer"}}
	p := NewPolicy(primary, fallback, true)
	noSleep(p)

	result, err := p.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected exactly 1 primary call on non-retryable error, got %d", primary.calls)
	}
	if !result.UsedFallback {
		t.Fatalf("expected UsedFallback=true")
	}
}

func TestPolicyFallbackCalledAtMostOnceAndAggregatesError(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{errors.New("boom")}}
	fallback := &scriptedBackend{name: "fallback", errs: []error{errors.New("fallback also down")}}
	p := NewPolicy(primary, fallback, true)
	noSleep(p)

	_, err := p.Complete(context.Background(), &CompletionRequest{})
	if err == nil {
		t.Fatalf("expected an aggregate error")
	}
	if fallback.calls != 1 {
		t.Fatalf("expected fallback called exactly once, got %d", fallback.calls)
	}
}

func TestPolicyExhaustsRetriesThenFallsBack(t *testing.T) {
	primary := &scriptedBackend{name: "primary", errs: []error{
		errors.New("429"), errors.New("429"), errors.New("429"),
	}}
	fallback := &scriptedBackend{name: "fallback", ok: &CompletionResult{Content: "fallback answer"}}
	p := NewPolicy(primary, fallback, true)
	p.MaxRetries = 2
	noSleep(p)

	result, err := p.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.calls != 3 {
		t.Fatalf("expected 1 initial + 2 retries = 3 primary calls, got %d", primary.calls)
	}
	if !result.UsedFallback {
		t.Fatalf("expected UsedFallback=true after exhausting retries")
	}
}

func TestBackoffDelayCapsAtTenSeconds(t *testing.T) {
	if d := backoffDelay(1); d != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %v", d)
	}
	if d := backoffDelay(10); d != 10*time.Second {
		t.Fatalf("attempt 10: expected capped 10s, got %v", d)
	}
}
