package agent

import (
	"encoding/json"
	"testing"

	"github.com/gemloop/gemloop/genai"
)

func modelWithCalls(ids ...string) genai.Content {
	var parts []genai.Part
	for _, id := range ids {
		parts = append(parts, genai.FunctionCallPart(id, "read_file", json.RawMessage(`{}`)))
	}
	return genai.Content{Role: genai.RoleModel, Parts: parts}
}

func responseFor(id string) ToolCallResponse {
	return ToolCallResponse{
		CallID: id,
		Parts:  []genai.Part{genai.FunctionResponsePart(id, "read_file", json.RawMessage(`{"output":"ok"}`), false)},
	}
}

func TestHistoryRejectsModelWithUnansweredCalls(t *testing.T) {
	h := NewHistory()
	if err := h.AddUser(genai.UserContent("hi")); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := h.AddModel(modelWithCalls("c1")); err != nil {
		t.Fatalf("AddModel: %v", err)
	}

	if err := h.AddModel(genai.ModelContent("next")); err == nil {
		t.Fatal("expected rejection while c1 is unanswered")
	}

	if err := h.FoldResponses([]ToolCallResponse{responseFor("c1")}); err != nil {
		t.Fatalf("FoldResponses: %v", err)
	}
	if err := h.AddModel(genai.ModelContent("next")); err != nil {
		t.Fatalf("AddModel after fold: %v", err)
	}
}

func TestHistoryFoldOrdersByCallOrder(t *testing.T) {
	h := NewHistory()
	if err := h.AddUser(genai.UserContent("go")); err != nil {
		t.Fatal(err)
	}
	if err := h.AddModel(modelWithCalls("a", "b", "c")); err != nil {
		t.Fatal(err)
	}

	// Responses arrive in completion order, not call order.
	err := h.FoldResponses([]ToolCallResponse{responseFor("c"), responseFor("a"), responseFor("b")})
	if err != nil {
		t.Fatalf("FoldResponses: %v", err)
	}

	last := h.Contents()[h.Len()-1]
	if last.Role != genai.RoleUser {
		t.Fatalf("folded entry role = %q", last.Role)
	}
	resps := last.FunctionResponses()
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for i, want := range []string{"a", "b", "c"} {
		if resps[i].ID != want {
			t.Errorf("response %d = %q, want %q", i, resps[i].ID, want)
		}
	}
}

func TestHistoryFoldRejectsMissingResponse(t *testing.T) {
	h := NewHistory()
	h.AddUser(genai.UserContent("go"))
	h.AddModel(modelWithCalls("a", "b"))

	if err := h.FoldResponses([]ToolCallResponse{responseFor("a")}); err == nil {
		t.Fatal("expected error for missing response b")
	}
}

func TestHistoryFoldRejectsUnknownAndDuplicate(t *testing.T) {
	h := NewHistory()
	h.AddUser(genai.UserContent("go"))
	h.AddModel(modelWithCalls("a"))

	if err := h.FoldResponses([]ToolCallResponse{responseFor("a"), responseFor("ghost")}); err == nil {
		t.Fatal("expected error for unknown call id")
	}
	if err := h.FoldResponses([]ToolCallResponse{responseFor("a"), responseFor("a")}); err == nil {
		t.Fatal("expected error for duplicate response")
	}
}

func TestHistoryUnansweredCalls(t *testing.T) {
	h := NewHistory()
	h.AddUser(genai.UserContent("go"))
	h.AddModel(modelWithCalls("x", "y"))

	got := h.UnansweredCalls()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("UnansweredCalls = %v", got)
	}

	if err := h.FoldResponses([]ToolCallResponse{responseFor("x"), responseFor("y")}); err != nil {
		t.Fatal(err)
	}
	if got := h.UnansweredCalls(); len(got) != 0 {
		t.Errorf("UnansweredCalls after fold = %v", got)
	}
}
