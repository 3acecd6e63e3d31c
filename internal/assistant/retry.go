package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// RetryConfig tunes the retry loop around model calls.
type RetryConfig struct {
	MaxRetries      int           // attempts after the first
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff delay cap
}

// DefaultRetryConfig is applied when Config leaves it zero.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// NOTE: Genkit and the provider SDKs expose no typed errors for
// transient failures, so substring matching is the only available
// signal. Re-evaluate if a future Genkit release adds structured
// errors.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, group := range retryablePatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

// containsAny reports whether s contains any substring,
// case-insensitively.
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// executeWithRetry runs the prompt with exponential backoff. Every
// attempt passes through the rate limiter first, so retries cannot
// burst past the provider quota.
func (a *Agent) executeWithRetry(ctx context.Context, opts []ai.PromptExecuteOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := a.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= a.retryConfig.MaxRetries; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := a.prompt.Execute(ctx, opts...)
		if err == nil {
			a.logger.Debug("prompt executed",
				"attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("prompt execute: %w", err)
		}
		if attempt == a.retryConfig.MaxRetries {
			break
		}

		a.logger.Debug("retrying model call",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, a.retryConfig.MaxInterval)
		}
	}

	return nil, fmt.Errorf("prompt execute after %d retries (elapsed %v): %w",
		a.retryConfig.MaxRetries, time.Since(start), lastErr)
}
