package agent

import (
	"fmt"

	"github.com/gemloop/gemloop/genai"
)

// History owns the conversation contents for one loop instance. It enforces
// the structural invariant the backend requires: every function-call part in
// a model entry is answered by exactly one function-response part in the
// following user entry before the next model entry is appended.
type History struct {
	contents []genai.Content
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{}
}

// Contents returns a copy of the history.
func (h *History) Contents() []genai.Content {
	out := make([]genai.Content, len(h.contents))
	copy(out, h.contents)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.contents) }

// AddUser appends a user entry.
func (h *History) AddUser(c genai.Content) error {
	if c.Role != genai.RoleUser {
		return fmt.Errorf("AddUser requires a user entry, got role %q", c.Role)
	}
	h.contents = append(h.contents, c)
	return nil
}

// AddModel appends a model entry. It fails if the previous model entry
// still has unanswered function calls.
func (h *History) AddModel(c genai.Content) error {
	if c.Role != genai.RoleModel {
		return fmt.Errorf("AddModel requires a model entry, got role %q", c.Role)
	}
	if ids := h.UnansweredCalls(); len(ids) > 0 {
		return fmt.Errorf("cannot append model entry: %d function call(s) still unanswered", len(ids))
	}
	h.contents = append(h.contents, c)
	return nil
}

// UnansweredCalls returns the IDs of function calls in the last model entry
// that have no matching response in the following user entry.
func (h *History) UnansweredCalls() []string {
	lastModel := -1
	for i := len(h.contents) - 1; i >= 0; i-- {
		if h.contents[i].Role == genai.RoleModel {
			lastModel = i
			break
		}
	}
	if lastModel == -1 {
		return nil
	}

	calls := h.contents[lastModel].FunctionCalls()
	if len(calls) == 0 {
		return nil
	}

	answered := make(map[string]int)
	for i := lastModel + 1; i < len(h.contents); i++ {
		if h.contents[i].Role != genai.RoleUser {
			continue
		}
		for _, resp := range h.contents[i].FunctionResponses() {
			answered[resp.ID]++
		}
	}

	var unanswered []string
	for _, call := range calls {
		if answered[call.ID] != 1 {
			unanswered = append(unanswered, call.ID)
		}
	}
	return unanswered
}

// FoldResponses builds the user entry answering a batch of completed calls
// and appends it. Responses are ordered by the call order of the preceding
// model entry, keyed by call ID, so each response maps unambiguously to its
// request regardless of execution order.
func (h *History) FoldResponses(responses []ToolCallResponse) error {
	byID := make(map[string]ToolCallResponse, len(responses))
	for _, r := range responses {
		if _, dup := byID[r.CallID]; dup {
			return fmt.Errorf("duplicate response for call %s", r.CallID)
		}
		byID[r.CallID] = r
	}

	var parts []genai.Part
	for _, id := range h.UnansweredCalls() {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("missing response for call %s", id)
		}
		parts = append(parts, r.Parts...)
		delete(byID, id)
	}
	for id := range byID {
		return fmt.Errorf("response for unknown call %s", id)
	}

	if len(parts) == 0 {
		return fmt.Errorf("no responses to fold")
	}
	h.contents = append(h.contents, genai.Content{Role: genai.RoleUser, Parts: parts})
	return nil
}

// ApproxTokens estimates token usage of the history at four characters per
// token, for context-window warnings.
func (h *History) ApproxTokens() int {
	total := 0
	for _, c := range h.contents {
		for _, p := range c.Parts {
			switch p.Kind {
			case genai.PartText:
				total += len(p.Text)
			case genai.PartThought:
				total += len(p.Thought)
			case genai.PartFunctionCall:
				if p.FunctionCall != nil {
					total += len(p.FunctionCall.Args) + len(p.FunctionCall.Name)
				}
			case genai.PartFunctionResponse:
				if p.FunctionResponse != nil {
					total += len(p.FunctionResponse.Response)
				}
			case genai.PartFileContext:
				if p.FileContext != nil {
					total += len(p.FileContext.Content)
				}
			}
		}
	}
	return total / 4
}
