package generation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited means the provider kept signalling rate limits until
	// the retry budget ran out.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderError is any non-success response that is not a rate limit.
	ErrProviderError = errors.New("provider error")

	// ErrTimeout means a single call exceeded its deadline.
	ErrTimeout = errors.New("generation call timed out")

	// ErrParse means structured output could not be decoded into the
	// requested shape.
	ErrParse = errors.New("unparseable structured output")
)

// RateLimitError reports a rate-limit signal. Attempts is zero when the
// error comes straight from a provider and is set by the retrying caller
// once the budget is exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Attempts > 0 {
		msg = fmt.Sprintf("rate limited after %d attempts", e.Attempts)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Err}
}

// ProviderError is a non-retryable provider failure.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := "provider error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("provider error (%d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderError}
	}
	return []error{ErrProviderError, e.Err}
}

// RetryAfter returns the provider hint carried by a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
