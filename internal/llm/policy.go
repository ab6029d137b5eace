package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// errorClass categorizes a backend failure for the retry/fallback policy.
type errorClass int

const (
	classOther errorClass = iota
	classCredits
	classRetryable
)

var creditsMarkers = []string{"402", "credits", "insufficient", "can only afford", "quota exceeded"}
var retryableMarkers = []string{"429", "503", "504", "timeout", "rate limit", "connection", "network"}

func classify(err error) errorClass {
	if err == nil {
		return classOther
	}
	msg := strings.ToLower(err.Error())
	for _, m := range creditsMarkers {
		if strings.Contains(msg, m) {
			return classCredits
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return classRetryable
		}
	}
	return classOther
}

// Policy implements the ordered two-tier primary/fallback calling policy:
// retry the primary up to MaxRetries on retryable errors, cut straight to the
// fallback on credits/quota or any other error, and call the fallback at
// most once.
type Policy struct {
	Primary         Backend
	Fallback        Backend
	FallbackEnabled bool
	MaxRetries      int
	Logger          *slog.Logger

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a Policy with the spec's default retry budget.
func NewPolicy(primary, fallback Backend, fallbackEnabled bool) *Policy {
	return &Policy{
		Primary:         primary,
		Fallback:        fallback,
		FallbackEnabled: fallbackEnabled,
		MaxRetries:      2,
		Logger:          slog.Default(),
	}
}

func backoffDelay(attempt int) time.Duration {
	secs := math.Min(math.Pow(2, float64(attempt-1)), 10)
	return time.Duration(secs * float64(time.Second))
}

func (p *Policy) sleepFor(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Complete runs the provider policy for a single chat-completions call.
func (p *Policy) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	var primaryErr error

	if p.Primary != nil {
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 2
		}

		for attempt := 1; attempt <= maxRetries+1; attempt++ {
			result, err := p.Primary.Complete(ctx, req)
			if err == nil {
				return result, nil
			}
			primaryErr = err

			class := classify(err)
			if class == classCredits {
				p.logger().Warn("llm: primary credits/quota error, skipping retries", "error", err)
				break
			}
			if class != classRetryable {
				p.logger().Warn("llm: primary non-retryable error", "error", err)
				break
			}
			if attempt > maxRetries {
				break
			}
			delay := backoffDelay(attempt)
			p.logger().Info("llm: primary retryable error, backing off", "attempt", attempt, "delay", delay, "error", err)
			if sleepErr := p.sleepFor(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	} else {
		primaryErr = errors.New("llm: no primary backend configured")
	}

	if !p.FallbackEnabled || p.Fallback == nil {
		if primaryErr != nil {
			return nil, primaryErr
		}
		return nil, errors.New("llm: no backend configured")
	}

	result, err := p.Fallback.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: primary failed (%v) and fallback failed (%w)", primaryErr, err)
	}
	result.UsedFallback = true
	return result, nil
}

func (p *Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
