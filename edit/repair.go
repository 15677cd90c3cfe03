package edit

import (
	"context"
	"fmt"

	"github.com/gemloop/gemloop/genai"
)

// ObjectGenerator is the slice of the model client the repairer needs.
type ObjectGenerator interface {
	GenerateObject(ctx context.Context, req genai.Request, schema map[string]any, out any) error
}

// Repairer asks the model once to correct a near-miss search string. There
// is no retry beyond the single shot; a second failure surfaces the
// original edit error.
type Repairer struct {
	client ObjectGenerator
	model  string
}

// NewRepairer creates a Repairer using the given client and model.
func NewRepairer(client ObjectGenerator, model string) *Repairer {
	return &Repairer{client: client, model: model}
}

// repairResponse is the structured output contract for the repair call.
type repairResponse struct {
	Search            string `json:"search"`
	Replace           string `json:"replace"`
	NoChangesRequired bool   `json:"noChangesRequired"`
	Explanation       string `json:"explanation"`
}

var repairSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"search": map[string]any{
			"type":        "string",
			"description": "Corrected literal text that exists in the file exactly once.",
		},
		"replace": map[string]any{
			"type":        "string",
			"description": "Corrected replacement text.",
		},
		"noChangesRequired": map[string]any{
			"type":        "boolean",
			"description": "True if the file already reflects the intended change.",
		},
		"explanation": map[string]any{
			"type":        "string",
			"description": "One sentence explaining the correction.",
		},
	},
	"required": []any{"search", "replace", "noChangesRequired", "explanation"},
}

const repairSystemPrompt = `You correct failed file edits. You are given the current file content, a search string that failed to match, and the intended replacement. Produce a corrected search string that matches the file content exactly (preserving the file's actual whitespace and punctuation) together with the corresponding replacement. If the file already contains the intended result, set noChangesRequired.`

// Repair performs the one-shot correction. It returns the corrected params,
// or noChanges=true when the model judged the edit already applied.
func (r *Repairer) Repair(ctx context.Context, content string, p Params, cause error) (Params, bool, error) {
	prompt := fmt.Sprintf(
		"The edit below failed with: %v\n\n--- file %s ---\n%s\n--- end file ---\n\nFailed search:\n%s\n\nIntended replacement:\n%s\n",
		cause, p.FilePath, content, p.Search, p.Replace,
	)

	var resp repairResponse
	req := genai.Request{
		Model:        r.model,
		SystemPrompt: repairSystemPrompt,
		Contents:     []genai.Content{genai.UserContent(prompt)},
	}
	if err := r.client.GenerateObject(ctx, req, repairSchema, &resp); err != nil {
		return Params{}, false, fmt.Errorf("edit repair call failed: %w", err)
	}

	if resp.NoChangesRequired {
		return Params{}, true, nil
	}
	if resp.Search == "" {
		return Params{}, false, fmt.Errorf("edit repair produced an empty search string")
	}
	return Params{
		FilePath:            p.FilePath,
		Search:              resp.Search,
		Replace:             resp.Replace,
		ExpectedOccurrences: p.ExpectedOccurrences,
	}, false, nil
}
