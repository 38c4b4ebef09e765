// Package llm is the boundary to the remote completion service.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	// Temperature is left to the service default when nil.
	Temperature *float64
}

type Response struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Completer sends one chat completion request. Implementations do not
// retry; any error is reported to the caller as is.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (Response, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
