package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestrd/internal/generation"
)

const (
	baseBackoff = time.Second
	maxJitter   = 250 * time.Millisecond
)

// RetryConfig holds the retry policy of a Caller.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after a rate limit.
	MaxRetries int

	// MaxContinuations bounds the follow-up calls issued for truncated
	// output.
	MaxContinuations int
}

// ApplyDefaults fills unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = 3
	}
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithBackoffSleep injects the sleep used between rate-limited attempts.
func WithBackoffSleep(sleep func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = sleep }
}

// WithJitter injects the jitter source.
func WithJitter(jitter func() time.Duration) CallerOption {
	return func(c *Caller) { c.jitter = jitter }
}

// WithCallerLogger sets the logger.
func WithCallerLogger(logger *zap.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger }
}

// Caller issues generation requests through a Controller.
type Caller struct {
	ctrl   *Controller
	gen    generation.Generator
	cfg    RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
	logger *zap.Logger
}

// NewCaller creates a caller.
func NewCaller(ctrl *Controller, gen generation.Generator, cfg RetryConfig, opts ...CallerOption) *Caller {
	cfg.ApplyDefaults()
	c := &Caller{
		ctrl:   ctrl,
		gen:    gen,
		cfg:    cfg,
		sleep:  sleepContext,
		jitter: func() time.Duration { return rand.N(maxJitter) },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs req for credential. Truncated output is continued up to
// MaxContinuations times; the returned content is the concatenation of the
// chain and usage is summed across it.
func (c *Caller) Generate(ctx context.Context, credential string, req *generation.Request) (*generation.Response, error) {
	var (
		content strings.Builder
		usage   generation.Usage
		last    *generation.Response
	)

	cur := req
	for {
		resp, err := c.attempt(ctx, credential, cur)
		if err != nil {
			return nil, err
		}
		content.WriteString(resp.Content)
		usage.Add(resp.Usage)
		last = resp

		if !resp.FinishReason.Truncated() {
			break
		}
		if cur.ContinuationCount >= c.cfg.MaxContinuations {
			c.logger.Warn("output still truncated after continuation limit",
				zap.String("phase", req.Phase),
				zap.Int("continuations", cur.ContinuationCount))
			break
		}
		RetriesTotal.WithLabelValues("continuation").Inc()
		cur = cur.Continuation(content.String())
	}

	return &generation.Response{
		Content:      content.String(),
		Usage:        usage,
		Model:        last.Model,
		FinishReason: last.FinishReason,
	}, nil
}

// GenerateStructured runs req and decodes the output into out. Output that
// does not parse is retried once with a corrective prompt.
func (c *Caller) GenerateStructured(ctx context.Context, credential string, req *generation.Request, out any) (*generation.Response, error) {
	resp, err := c.Generate(ctx, credential, req)
	if err != nil {
		return nil, err
	}
	parseErr := generation.DecodeJSON(resp.Content, out)
	if parseErr == nil {
		return resp, nil
	}

	c.logger.Info("structured output did not parse, retrying",
		zap.String("phase", req.Phase), zap.Error(parseErr))
	RetriesTotal.WithLabelValues("parse").Inc()

	retry, err := c.Generate(ctx, credential, req.Corrective(parseErr))
	if err != nil {
		return nil, err
	}
	retry.Usage.Add(resp.Usage)
	if err := generation.DecodeJSON(retry.Content, out); err != nil {
		return nil, fmt.Errorf("after corrective retry: %w", err)
	}
	return retry, nil
}

// attempt calls the generator, retrying rate limits only.
func (c *Caller) attempt(ctx context.Context, credential string, req *generation.Request) (*generation.Response, error) {
	var (
		lastErr  error
		lastHint time.Duration
	)

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		var resp *generation.Response
		err := c.ctrl.Call(ctx, credential, func(ctx context.Context) error {
			r, err := c.gen.Generate(ctx, req)
			resp = r
			return err
		})
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, generation.ErrRateLimited) {
			return nil, classify(ctx, err)
		}

		lastErr = err
		hint, hasHint := generation.RetryAfter(err)
		if hasHint {
			lastHint = hint
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		wait := c.backoff(attempt)
		if hasHint {
			wait = hint
		}
		c.logger.Info("rate limited, backing off",
			zap.String("phase", req.Phase),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait))
		RetriesTotal.WithLabelValues("rate_limited").Inc()

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	var rl *generation.RateLimitError
	cause := lastErr
	if errors.As(lastErr, &rl) {
		cause = rl.Err
	}
	return nil, &generation.RateLimitError{
		RetryAfter: lastHint,
		Attempts:   c.cfg.MaxRetries + 1,
		Err:        cause,
	}
}

func (c *Caller) backoff(attempt int) time.Duration {
	return baseBackoff*time.Duration(1<<attempt) + c.jitter()
}

// classify makes sure every non-rate-limit failure carries a taxonomy
// sentinel. Caller cancellation passes through untouched.
func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return err
	case errors.Is(err, generation.ErrTimeout), errors.Is(err, generation.ErrProviderError):
		return err
	default:
		return &generation.ProviderError{Err: err}
	}
}
