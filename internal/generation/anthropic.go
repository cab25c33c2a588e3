package generation

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 8192
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string `json:"-"`
	BaseURL string
	Model   string
}

// Anthropic implements Generator with the Messages API. SDK retries are
// disabled; the admission layer owns the retry policy.
type Anthropic struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger,
	}, nil
}

// Generate sends one request. A continuation replays the original prompt,
// the accumulated answer and an instruction to carry on.
func (a *Anthropic) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserContent())),
	}
	if req.ContinuationCount > 0 && req.Prior != "" {
		messages = append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(req.Prior)),
			anthropic.NewUserMessage(anthropic.NewTextBlock(continuePrompt)),
		)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(ctx, err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	finish := FinishStop
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		finish = FinishLength
	}

	a.logger.Debug("anthropic generation complete",
		zap.String("phase", req.Phase),
		zap.String("model", string(msg.Model)),
		zap.String("stop_reason", string(msg.StopReason)),
		zap.Int("continuation", req.ContinuationCount))

	return &Response{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		Model:        string(msg.Model),
		FinishReason: finish,
	}, nil
}

func (a *Anthropic) translateError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}

	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return &ProviderError{Err: err}
	}
	if apierr.StatusCode == http.StatusTooManyRequests {
		rl := &RateLimitError{Err: err}
		if apierr.Response != nil {
			rl.RetryAfter = parseRetryAfter(apierr.Response.Header.Get("retry-after"))
		}
		return rl
	}
	return &ProviderError{StatusCode: apierr.StatusCode, Err: err}
}

// parseRetryAfter accepts delta-seconds only; HTTP dates are ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
