package model

import (
	"context"

	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

// Request is one chat completion call.
type Request struct {
	Messages    []prompt.Message
	Temperature float32
	MaxTokens   int
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the completion backend abstraction.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
}
