// Package generation defines the capability the engine uses to produce
// artifact content, together with its error taxonomy and an Anthropic
// adapter.
//
// Callers never talk to a Generator directly; every call goes through the
// admission package, which adds rate limiting, retries and continuations.
package generation

import (
	"context"
	"fmt"
	"strings"
)

// FinishReason tells why the provider stopped producing output.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
)

// Truncated reports whether output was cut off by the token budget.
func (f FinishReason) Truncated() bool {
	return f == FinishLength
}

// Document is a prior artifact passed to the model as context.
type Document struct {
	Name    string
	Content string
}

// Schema asks for output of a specific JSON shape. Example is embedded in
// the prompt verbatim.
type Schema struct {
	Name    string
	Example string
}

// Request is one generation call.
type Request struct {
	Phase       string
	System      string
	Prompt      string
	ContextDocs []Document
	Model       string
	MaxTokens   int
	Temperature float64

	// Schema, when set, requests structured output.
	Schema *Schema

	// ContinuationCount is zero for the first call of a chain. Prior holds
	// the content accumulated so far when it is positive.
	ContinuationCount int
	Prior             string
}

// Usage is the token accounting for one call or a continuation chain.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Response is the provider output.
type Response struct {
	Content      string
	Usage        Usage
	Model        string
	FinishReason FinishReason
}

// Generator produces content. Implementations return *RateLimitError for
// rate-limit signals, *ProviderError for other failures and an error
// wrapping ErrTimeout when the context deadline passes.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req *Request) (*Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

const continuePrompt = "Your previous answer was cut off. Continue exactly where it stopped, without repeating any earlier text."

// UserContent renders the context documents, prompt and schema
// instructions into a single user message.
func (r *Request) UserContent() string {
	var b strings.Builder
	for _, doc := range r.ContextDocs {
		fmt.Fprintf(&b, "<document name=%q>\n%s\n</document>\n\n", doc.Name, doc.Content)
	}
	b.WriteString(r.Prompt)
	if r.Schema != nil {
		b.WriteString("\n\nRespond with a single JSON object and nothing else. It must match this shape:\n")
		b.WriteString(r.Schema.Example)
	}
	return b.String()
}

// Continuation returns the follow-up request for a truncated chain.
func (r *Request) Continuation(accumulated string) *Request {
	next := *r
	next.ContinuationCount = r.ContinuationCount + 1
	next.Prior = accumulated
	return &next
}

// Corrective returns a retry of a structured request whose output did not
// parse.
func (r *Request) Corrective(parseErr error) *Request {
	next := *r
	next.ContinuationCount = 0
	next.Prior = ""
	next.Prompt = fmt.Sprintf("%s\n\nYour previous response could not be parsed (%v). Return only valid JSON.", r.Prompt, parseErr)
	return &next
}
