package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message) (*Response, error)

	// CompleteJSON is like Complete but instructs the model to return a
	// single JSON object.
	CompleteJSON(ctx context.Context, messages []Message) (*Response, error)
}
