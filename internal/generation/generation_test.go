package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type files struct {
		Files []struct {
			Filename string `json:"filename"`
		} `json:"files"`
	}

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "bare", content: `{"files":[{"filename":"a.md"}]}`, want: 1},
		{name: "fenced", content: "```json\n{\"files\":[{\"filename\":\"a.md\"},{\"filename\":\"b.md\"}]}\n```", want: 2},
		{name: "prose around", content: "Here you go:\n{\"files\":[]}\nLet me know.", want: 0},
		{name: "no json", content: "I cannot do that.", wantErr: true},
		{name: "truncated", content: `{"files":[{"filename":"a.md"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out files
			err := DecodeJSON(tt.content, &out)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out.Files, tt.want)
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("429 from upstream")
	rl := &RateLimitError{RetryAfter: 2 * time.Second, Attempts: 3, Err: cause}

	assert.ErrorIs(t, rl, ErrRateLimited)
	assert.ErrorIs(t, rl, cause)
	assert.Contains(t, rl.Error(), "after 3 attempts")
	assert.Contains(t, rl.Error(), "retry after 2s")

	hint, ok := RetryAfter(rl)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, hint)

	pe := &ProviderError{StatusCode: 400, Message: "bad request"}
	assert.ErrorIs(t, pe, ErrProviderError)
	assert.NotErrorIs(t, pe, ErrRateLimited)
	assert.Equal(t, "provider error (400): bad request", pe.Error())

	_, ok = RetryAfter(pe)
	assert.False(t, ok)
}

func TestRequest_UserContentAndContinuation(t *testing.T) {
	req := &Request{
		Phase:       "SPEC",
		Prompt:      "Write the PRD.",
		ContextDocs: []Document{{Name: "project-brief.md", Content: "A todo app."}},
		Schema:      &Schema{Name: "files", Example: `{"files":[]}`},
	}

	content := req.UserContent()
	assert.Contains(t, content, `<document name="project-brief.md">`)
	assert.Contains(t, content, "Write the PRD.")
	assert.Contains(t, content, `{"files":[]}`)

	next := req.Continuation("partial")
	assert.Equal(t, 1, next.ContinuationCount)
	assert.Equal(t, "partial", next.Prior)
	assert.Equal(t, 0, req.ContinuationCount, "original untouched")

	fix := next.Corrective(errors.New("unexpected EOF"))
	assert.Equal(t, 0, fix.ContinuationCount)
	assert.Empty(t, fix.Prior)
	assert.Contains(t, fix.Prompt, "unexpected EOF")
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{}, nil)
	require.Error(t, err)

	a, err := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAnthropicModel, a.model)
}

func TestAnthropic_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "# PRD\n"}],
			"stop_reason": "max_tokens",
			"usage": {"input_tokens": 12, "output_tokens": 30}
		}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	resp, err := a.Generate(context.Background(), &Request{
		Phase:             "SPEC",
		System:            "You are a product manager.",
		Prompt:            "Write the PRD.",
		MaxTokens:         100,
		ContinuationCount: 1,
		Prior:             "# Intro",
	})
	require.NoError(t, err)

	assert.Equal(t, "# PRD\n", resp.Content)
	assert.Equal(t, FinishLength, resp.FinishReason)
	assert.True(t, resp.FinishReason.Truncated())
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}, resp.Usage)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)

	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 3, "continuation replays prompt, prior answer and instruction")
	assert.EqualValues(t, 100, got["max_tokens"])
}

func TestAnthropic_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    string
		wantIs    error
		wantAfter time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: "3", wantIs: ErrRateLimited, wantAfter: 3 * time.Second},
		{name: "bad request", status: http.StatusBadRequest, wantIs: ErrProviderError},
		{name: "server error", status: http.StatusInternalServerError, wantIs: ErrProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("retry-after", tt.header)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer srv.Close()

			a, err := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL}, nil)
			require.NoError(t, err)

			_, err = a.Generate(context.Background(), &Request{Prompt: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)

			hint, _ := RetryAfter(err)
			assert.Equal(t, tt.wantAfter, hint)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
