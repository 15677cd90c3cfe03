package genai

import "context"

// ProviderAdapter is the interface every generation backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "gemini", "anthropic", "openai").
	Name() string

	// Generate sends a blocking request and returns the full response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// SendMessageStream sends a request and returns a finite channel of
	// stream events. The adapter closes the channel after the terminal
	// event; cancellation is cooperative via ctx.
	SendMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
