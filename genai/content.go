// Package genai provides the model streaming RPC layer: a provider-agnostic
// content model, a middleware-capable client, retry with backoff, and a
// typed error hierarchy.
//
// The agent core talks to the generation backend exclusively through
// Client.SendMessageStream and Client.GenerateObject; everything behind the
// ProviderAdapter interface is replaceable.
package genai

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a Content entry in a conversation.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// PartKind is the discriminator tag for Part.
type PartKind string

const (
	PartText             PartKind = "text"
	PartThought          PartKind = "thought"
	PartFunctionCall     PartKind = "function_call"
	PartFunctionResponse PartKind = "function_response"
	PartFileContext      PartKind = "file_context"
)

// FunctionCall is a model-initiated tool invocation.
type FunctionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FunctionResponse answers exactly one FunctionCall, matched by ID.
type FunctionResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
	IsError  bool            `json:"is_error,omitempty"`
}

// FileContext marks file content attached to the conversation.
type FileContext struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Part is a tagged union representing one part of a Content entry.
type Part struct {
	Kind             PartKind          `json:"kind"`
	Text             string            `json:"text,omitempty"`
	Thought          string            `json:"thought,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
	FileContext      *FileContext      `json:"file_context,omitempty"`
}

// TextPart creates a text Part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ThoughtPart creates a thought Part.
func ThoughtPart(text string) Part {
	return Part{Kind: PartThought, Thought: text}
}

// FunctionCallPart creates a function-call Part.
func FunctionCallPart(id, name string, args json.RawMessage) Part {
	return Part{Kind: PartFunctionCall, FunctionCall: &FunctionCall{ID: id, Name: name, Args: args}}
}

// FunctionResponsePart creates a function-response Part.
func FunctionResponsePart(id, name string, response json.RawMessage, isError bool) Part {
	return Part{Kind: PartFunctionResponse, FunctionResponse: &FunctionResponse{
		ID: id, Name: name, Response: response, IsError: isError,
	}}
}

// FileContextPart creates a file-context marker Part.
func FileContextPart(path, content string) Part {
	return Part{Kind: PartFileContext, FileContext: &FileContext{Path: path, Content: content}}
}

// Content is one entry in the conversation history.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserContent creates a user Content with text parts.
func UserContent(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// ModelContent creates a model Content with text parts.
func ModelContent(text string) Content {
	return Content{Role: RoleModel, Parts: []Part{TextPart(text)}}
}

// Text returns the concatenation of all text parts.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// FunctionCalls extracts all function-call parts.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if p.Kind == PartFunctionCall && p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses extracts all function-response parts.
func (c Content) FunctionResponses() []FunctionResponse {
	var resps []FunctionResponse
	for _, p := range c.Parts {
		if p.Kind == PartFunctionResponse && p.FunctionResponse != nil {
			resps = append(resps, *p.FunctionResponse)
		}
	}
	return resps
}

// FunctionDeclaration describes a callable tool for the model.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "content_filter", "error", "other"
	Raw    string `json:"raw,omitempty"`
}

// Usage tracks token consumption for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Request is the input to SendMessageStream and Generate.
type Request struct {
	Model        string                `json:"model"`
	SystemPrompt string                `json:"system_prompt,omitempty"`
	Contents     []Content             `json:"contents"`
	Tools        []FunctionDeclaration `json:"tools,omitempty"`
	Temperature  *float64              `json:"temperature,omitempty"`
	TopP         *float64              `json:"top_p,omitempty"`
	MaxTokens    *int                  `json:"max_tokens,omitempty"`
	Provider     string                `json:"provider,omitempty"`
	PromptID     string                `json:"prompt_id,omitempty"`
}

// Response is the output of a blocking Generate call.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Content      Content      `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text of the response content.
func (r Response) Text() string { return r.Content.Text() }

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamContent      StreamEventType = "content"
	StreamThought      StreamEventType = "thought"
	StreamFunctionCall StreamEventType = "function_call"
	StreamFinished     StreamEventType = "finished"
	StreamError        StreamEventType = "error"
	StreamLoopDetected StreamEventType = "loop_detected"
)

// StreamEvent is a single chunk from a streaming model response. The
// producing adapter closes the channel after emitting StreamFinished or
// StreamError; consumers treat the channel as finite and non-restartable.
type StreamEvent struct {
	Type         StreamEventType `json:"type"`
	Text         string          `json:"text,omitempty"`
	FunctionCall *FunctionCall   `json:"function_call,omitempty"`
	FinishReason *FinishReason   `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}
