package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// It translates between the genai content model and gollm's prompt API.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates a GollmAdapter for the given provider. If apiKey
// is empty, gollm reads it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{
		apiKey:      apiKey,
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if models := ListModels(provider); len(models) > 0 {
			model = models[0].ID
		} else {
			model = "gemini-3-flash-preview"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries live in the client, not the backend
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Generate sends a blocking request and returns the full response.
func (a *GollmAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// SendMessageStream sends a streaming request. Each text token is emitted as
// a StreamContent event; function calls parsed from the complete output are
// emitted before the terminal StreamFinished event.
func (a *GollmAdapter) SendMessageStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt, err := a.translateRequest(req)
	if err != nil {
		return nil, err
	}
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		// Fallback: generate the full response and emit it as one chunk.
		go func() {
			defer close(ch)

			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			a.emitResponse(ch, req, text, true)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		var fullText strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			fullText.WriteString(token.Text)
			ch <- StreamEvent{Type: StreamContent, Text: token.Text}
		}

		a.emitResponse(ch, req, fullText.String(), false)
	}()

	return ch, nil
}

// emitResponse parses the model output and emits function-call events and
// the terminal finished event. When emitText is true the cleaned text is
// also emitted as content (the non-streaming fallback path).
func (a *GollmAdapter) emitResponse(ch chan<- StreamEvent, req Request, text string, emitText bool) {
	resp := a.buildResponse(req, text)

	if emitText {
		if cleaned := resp.Content.Text(); cleaned != "" {
			ch <- StreamEvent{Type: StreamContent, Text: cleaned}
		}
	}
	for _, call := range resp.Content.FunctionCalls() {
		fc := call
		ch <- StreamEvent{Type: StreamFunctionCall, FunctionCall: &fc}
	}
	ch <- StreamEvent{
		Type:         StreamFinished,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
	}
}

// translateRequest flattens the conversation into a gollm Prompt. gollm's
// prompt API is single-turn, so prior turns are rendered inline.
func (a *GollmAdapter) translateRequest(req Request) (*gollm.Prompt, error) {
	var parts []string
	for _, content := range req.Contents {
		for _, p := range content.Parts {
			switch p.Kind {
			case PartText:
				if content.Role == RoleModel {
					parts = append(parts, "[Assistant]: "+p.Text)
				} else {
					parts = append(parts, p.Text)
				}
			case PartFunctionCall:
				if p.FunctionCall != nil {
					parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)",
						p.FunctionCall.ID, p.FunctionCall.Name, string(p.FunctionCall.Args)))
				}
			case PartFunctionResponse:
				if p.FunctionResponse != nil {
					prefix := "[Tool Result]"
					if p.FunctionResponse.IsError {
						prefix = "[Tool Error]"
					}
					parts = append(parts, fmt.Sprintf("%s %s: %s",
						prefix, p.FunctionResponse.ID, string(p.FunctionResponse.Response)))
				}
			case PartFileContext:
				if p.FileContext != nil {
					parts = append(parts, fmt.Sprintf("[File %s]:\n%s",
						p.FileContext.Path, p.FileContext.Content))
				}
			}
			// Thought parts never round-trip back to the model.
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if req.SystemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(req.SystemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		a.llm.SetOption("top_p", *req.TopP)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a Response from generated text, extracting any
// embedded tool-call JSON.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var parts []Part
	calls := a.parseToolCalls(text)
	cleaned := a.removeToolCallJSON(text, calls)
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
	}
	for _, call := range calls {
		c := call
		parts = append(parts, Part{Kind: PartFunctionCall, FunctionCall: &c})
	}
	if len(parts) == 0 {
		parts = []Part{TextPart(text)}
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inTokens := estimateTokens(req)
	outTokens := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Content:      Content{Role: RoleModel, Parts: parts},
		FinishReason: finishReason,
		Usage: Usage{
			// gollm does not expose provider usage; estimate from text length.
			InputTokens:  inTokens,
			OutputTokens: outTokens,
			TotalTokens:  inTokens + outTokens,
		},
	}
}

// parseToolCalls extracts tool calls embedded as JSON in the response text.
func (a *GollmAdapter) parseToolCalls(text string) []FunctionCall {
	start := strings.Index(text, `{"tool_calls"`)
	if start == -1 {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var calls []FunctionCall
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err == nil {
		for _, rc := range rawCalls {
			calls = append(calls, FunctionCall{
				ID:   "call_" + uuid.New().String()[:8],
				Name: rc.Name,
				Args: rc.Arguments,
			})
		}
	}
	return calls
}

// removeToolCallJSON strips parsed tool-call JSON from the text.
func (a *GollmAdapter) removeToolCallJSON(text string, calls []FunctionCall) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// translateError classifies a gollm error into the typed hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	msgLower := strings.ToLower(msg)

	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 401,
		}}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 403,
		}}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		return &NotFoundError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 404,
		}}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 429, Retryable: true,
		}}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 413,
		}}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 500, Retryable: true,
		}}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{ModelError: ModelError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			ModelError: ModelError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	default:
		return &ProviderError{
			ModelError: ModelError{Message: msg, Cause: err},
			Provider:   a.provider,
			Retryable:  true,
		}
	}
}

// estimateTokens gives a rough input token count for a request.
func estimateTokens(req Request) int {
	total := len(req.SystemPrompt) / 4
	for _, content := range req.Contents {
		for _, p := range content.Parts {
			switch p.Kind {
			case PartText:
				total += len(p.Text) / 4
			case PartFunctionResponse:
				if p.FunctionResponse != nil {
					total += len(p.FunctionResponse.Response) / 4
				}
			case PartFileContext:
				if p.FileContext != nil {
					total += len(p.FileContext.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
