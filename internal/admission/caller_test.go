package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orchestrd/internal/generation"
)

// scriptedGenerator replays a fixed sequence of results and records the
// requests it saw.
type scriptedGenerator struct {
	mu       sync.Mutex
	script   []func(*generation.Request) (*generation.Response, error)
	requests []*generation.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req *generation.Request) (*generation.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	step := g.script[len(g.script)-1]
	if len(g.requests) <= len(g.script) {
		step = g.script[len(g.requests)-1]
	}
	return step(req)
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func reply(content string, finish generation.FinishReason) func(*generation.Request) (*generation.Response, error) {
	return func(*generation.Request) (*generation.Response, error) {
		return &generation.Response{
			Content:      content,
			Model:        "test-model",
			FinishReason: finish,
			Usage:        generation.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func fail(err error) func(*generation.Request) (*generation.Response, error) {
	return func(*generation.Request) (*generation.Response, error) { return nil, err }
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestCaller(t *testing.T, gen generation.Generator, cfg RetryConfig) (*Caller, *sleepRecorder) {
	t.Helper()
	ctrl, err := NewController(Config{MaxConcurrent: 2})
	require.NoError(t, err)
	rec := &sleepRecorder{}
	return NewCaller(ctrl, gen, cfg,
		WithBackoffSleep(rec.Sleep),
		WithJitter(func() time.Duration { return 0 }),
	), rec
}

func TestCaller_RateLimitExhaustsAfterNPlusOneAttempts(t *testing.T) {
	for _, retries := range []int{0, 1, 2, 4} {
		gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
			fail(&generation.RateLimitError{}),
		}}
		caller, rec := newTestCaller(t, gen, RetryConfig{MaxRetries: retries})

		_, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "hi"})
		require.Error(t, err)
		assert.ErrorIs(t, err, generation.ErrRateLimited)
		assert.Equal(t, retries+1, gen.calls())
		assert.Len(t, rec.sleeps, retries)

		var rl *generation.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, retries+1, rl.Attempts)
	}
}

func TestCaller_ExponentialBackoff(t *testing.T) {
	gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
		fail(&generation.RateLimitError{}),
		fail(&generation.RateLimitError{}),
		fail(&generation.RateLimitError{}),
		reply("ok", generation.FinishStop),
	}}
	caller, rec := newTestCaller(t, gen, RetryConfig{MaxRetries: 3})

	resp, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.sleeps)
}

func TestCaller_RetryAfterHintReplacesBackoff(t *testing.T) {
	gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
		fail(&generation.RateLimitError{RetryAfter: 7 * time.Second}),
		fail(&generation.RateLimitError{RetryAfter: 9 * time.Second}),
	}}
	caller, rec := newTestCaller(t, gen, RetryConfig{MaxRetries: 1})

	_, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.sleeps)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "retry after 9s")
}

func TestCaller_ProviderErrorFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "provider error", err: &generation.ProviderError{StatusCode: 500}},
		{name: "untyped error", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){fail(tt.err)}}
			caller, rec := newTestCaller(t, gen, RetryConfig{MaxRetries: 5})

			_, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, generation.ErrProviderError)
			assert.Equal(t, 1, gen.calls())
			assert.Empty(t, rec.sleeps)
		})
	}
}

func TestCaller_ContinuesTruncatedOutput(t *testing.T) {
	gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
		reply("part one, ", generation.FinishLength),
		reply("part two, ", generation.FinishLength),
		reply("done.", generation.FinishStop),
	}}
	caller, _ := newTestCaller(t, gen, RetryConfig{})

	resp, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "write"})
	require.NoError(t, err)

	assert.Equal(t, "part one, part two, done.", resp.Content)
	assert.Equal(t, generation.FinishStop, resp.FinishReason)
	assert.Equal(t, generation.Usage{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45}, resp.Usage)

	require.Len(t, gen.requests, 3)
	for i, req := range gen.requests {
		assert.Equal(t, i, req.ContinuationCount)
	}
	assert.Equal(t, "part one, part two, ", gen.requests[2].Prior)
}

func TestCaller_ContinuationBound(t *testing.T) {
	gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
		reply("x", generation.FinishLength),
	}}
	caller, _ := newTestCaller(t, gen, RetryConfig{MaxContinuations: 3})

	resp, err := caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "write"})
	require.NoError(t, err)
	assert.Equal(t, 4, gen.calls(), "first call plus three continuations")
	assert.Equal(t, "xxxx", resp.Content)
	assert.Equal(t, generation.FinishLength, resp.FinishReason)
}

func TestCaller_GenerateStructured(t *testing.T) {
	type verdict struct {
		Status string `json:"status"`
	}

	t.Run("corrective retry succeeds", func(t *testing.T) {
		gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
			reply("sure! status is approved", generation.FinishStop),
			reply(`{"status":"approved"}`, generation.FinishStop),
		}}
		caller, _ := newTestCaller(t, gen, RetryConfig{})

		var out verdict
		resp, err := caller.GenerateStructured(context.Background(), "cred", &generation.Request{Prompt: "review"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "approved", out.Status)
		assert.Equal(t, 30, resp.Usage.TotalTokens)
		assert.Contains(t, gen.requests[1].Prompt, "could not be parsed")
	})

	t.Run("second failure is a parse error", func(t *testing.T) {
		gen := &scriptedGenerator{script: []func(*generation.Request) (*generation.Response, error){
			reply("nope", generation.FinishStop),
		}}
		caller, _ := newTestCaller(t, gen, RetryConfig{})

		var out verdict
		_, err := caller.GenerateStructured(context.Background(), "cred", &generation.Request{Prompt: "review"}, &out)
		require.Error(t, err)
		assert.ErrorIs(t, err, generation.ErrParse)
		assert.Equal(t, 2, gen.calls())
	})
}

func TestCaller_TimeoutIsNotRetried(t *testing.T) {
	ctrl, err := NewController(Config{MaxConcurrent: 1, CallTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	calls := 0
	gen := generation.GeneratorFunc(func(ctx context.Context, _ *generation.Request) (*generation.Response, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	caller := NewCaller(ctrl, gen, RetryConfig{MaxRetries: 3})

	_, err = caller.Generate(context.Background(), "cred", &generation.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrTimeout)
	assert.Equal(t, 1, calls)
}
