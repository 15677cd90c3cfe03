package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Middleware wraps a blocking provider call.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters, applies
// middleware, and retries transient stream failures at the transport layer.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	retryPolicy     RetryPolicy
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware adds blocking-call middleware.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithStreamMiddleware adds streaming-call middleware.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

// WithRetryPolicy overrides the default transport retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retryPolicy = p }
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers:   make(map[string]ProviderAdapter),
		retryPolicy: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which adapter handles a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{ModelError: ModelError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{ModelError: ModelError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Generate sends a blocking request through middleware to the resolved
// provider, retrying transient failures.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Generate(ctx, r)
	}
	// Apply middleware in reverse order so first registered runs first.
	c.mu.RLock()
	mws := c.middleware
	policy := c.retryPolicy
	c.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return handler(ctx, req)
	})
}

// SendMessageStream opens a streaming call. A stream that fails or produces
// no chunks before any content arrives is retried with backoff up to the
// policy's attempt bound; once content has been forwarded the stream is
// non-restartable and a failure is surfaced as a terminal StreamError event.
func (c *Client) SendMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
		return adapter.SendMessageStream(ctx, r)
	}
	c.mu.RLock()
	mws := c.streamMW
	policy := c.retryPolicy
	c.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)

		var lastErr error
		for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					out <- StreamEvent{Type: StreamError, Err: &AbortError{ModelError: ModelError{
						Message: "stream cancelled during retry", Cause: ctx.Err(),
					}}}
					return
				case <-time.After(policy.Delay(attempt - 1)):
				}
			}

			ch, err := handler(ctx, req)
			if err != nil {
				lastErr = err
				if !IsRetryable(err) {
					break
				}
				continue
			}

			delivered := false
			failed := false
			for ev := range ch {
				if ev.Type == StreamError {
					lastErr = ev.Err
					failed = true
					// Drain the rest; adapters close promptly after errors.
					continue
				}
				delivered = true
				select {
				case out <- ev:
				case <-ctx.Done():
					out <- StreamEvent{Type: StreamError, Err: &AbortError{ModelError: ModelError{
						Message: "stream cancelled", Cause: ctx.Err(),
					}}}
					return
				}
			}

			if !failed {
				if !delivered {
					// An empty stream is a transport fault, not completion.
					lastErr = &EmptyStreamError{ModelError: ModelError{Message: "model stream produced no chunks"}}
					continue
				}
				return
			}
			if delivered || !IsRetryable(lastErr) {
				// Partial output already forwarded; the stream cannot be
				// restarted without corrupting the consumer's view.
				break
			}
		}

		if lastErr == nil {
			lastErr = &StreamFailure{ModelError: ModelError{Message: "model stream failed"}}
		}
		out <- StreamEvent{Type: StreamError, Err: lastErr}
	}()

	return out, nil
}

// GenerateObject performs a blocking structured-output call, instructing
// the model to respond with JSON matching schema and decoding into out.
func (c *Client) GenerateObject(ctx context.Context, req Request, schema map[string]any, out any) error {
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	instruction := fmt.Sprintf(
		"\nYou must respond with valid JSON matching this schema:\n```json\n%s\n```\nRespond ONLY with the JSON object, no other text.",
		string(schemaJSON),
	)
	req.SystemPrompt += instruction

	resp, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}

	text := extractJSONBlock(resp.Text())
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &NoObjectGeneratedError{ModelError: ModelError{
			Message: fmt.Sprintf("failed to parse structured output: %v", err),
			Cause:   err,
		}}
	}
	return nil
}

// extractJSONBlock strips a ```json fence if the model wrapped its output.
func extractJSONBlock(text string) string {
	trimmed := text
	for _, fence := range []string{"```json", "```"} {
		if idx := strings.Index(trimmed, fence); idx >= 0 {
			trimmed = trimmed[idx+len(fence):]
			if end := strings.Index(trimmed, "```"); end >= 0 {
				trimmed = trimmed[:end]
			}
			break
		}
	}
	return strings.TrimSpace(trimmed)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
