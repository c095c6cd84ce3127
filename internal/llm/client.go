// Package llm provides one-shot completion clients for auxiliary
// generation tasks such as conversation titles. Interactive streaming
// goes through the relay, not this package.
package llm

import "context"

// Request is a single completion call. System carries the instruction,
// Prompt the text to act on.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Response holds the completed text and token accounting.
type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Client is a one-shot completion backend.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Provider selects which backend serves auxiliary completions.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)
