package edit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gemloop/gemloop/tools"
)

// ReplaceTool exposes the strategy engine as the "replace" tool. The edit
// is recalculated at both confirmation and execution time so no mutable
// state is shared between the two calls; Calculate is deterministic on the
// file content, which execution re-reads.
type ReplaceTool struct {
	env      tools.Environment
	repairer *Repairer // nil disables the LLM repair path
}

// NewReplaceTool creates the replace tool. repairer may be nil.
func NewReplaceTool(env tools.Environment, repairer *Repairer) *ReplaceTool {
	return &ReplaceTool{env: env, repairer: repairer}
}

func (t *ReplaceTool) Name() string { return "replace" }

func (t *ReplaceTool) Description() string {
	return "Replace text in a file. The old_string must match exactly once (including whitespace) " +
		"unless expected_replacements is set. An empty old_string creates a new file."
}

func (t *ReplaceTool) Kind() tools.Kind { return tools.KindEdit }

func (t *ReplaceTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path to the file to modify.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact literal text to replace. Empty string creates a new file.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"expected_replacements": map[string]any{
				"type":        "integer",
				"description": "Exact number of occurrences to replace. Default: 1.",
			},
		},
		"required": []any{"file_path", "old_string", "new_string"},
	}
}

func (t *ReplaceTool) ValidateParams(args json.RawMessage) error {
	return tools.ValidateArgs(t.Schema(), args)
}

func (t *ReplaceTool) parseParams(raw json.RawMessage) (Params, error) {
	args, err := tools.ParseArgs(raw)
	if err != nil {
		return Params{}, err
	}
	filePath, ok := tools.StringArg(args, "file_path")
	if !ok || filePath == "" {
		return Params{}, fmt.Errorf("file_path is required")
	}
	oldString, ok := tools.StringArg(args, "old_string")
	if !ok {
		return Params{}, fmt.Errorf("old_string is required")
	}
	newString, ok := tools.StringArg(args, "new_string")
	if !ok {
		return Params{}, fmt.Errorf("new_string is required")
	}
	expected, _ := tools.IntArg(args, "expected_replacements")
	return Params{
		FilePath:            filePath,
		Search:              oldString,
		Replace:             newString,
		ExpectedOccurrences: expected,
	}, nil
}

// calculated is the outcome of one calculation pass, including the repair
// fallback.
type calculated struct {
	content   string // current content, "" for new files
	result    Result
	noChanges bool
	repaired  bool
}

func (t *ReplaceTool) calculate(ctx context.Context, p Params) (calculated, error) {
	exists := t.env.FileExists(p.FilePath)
	content := ""
	if exists {
		var err error
		content, err = t.env.ReadFileRaw(p.FilePath)
		if err != nil {
			return calculated{}, err
		}
	}

	result, err := Calculate(content, exists, p)
	if err == nil {
		return calculated{content: content, result: result}, nil
	}

	// One-shot repair for any edit-mismatch failure. A creation attempt
	// against an existing file is a caller mistake, not a near miss.
	var editErr *Error
	if t.repairer == nil || !errors.As(err, &editErr) || editErr.Code == CodeTargetExists {
		return calculated{}, err
	}
	repairedParams, noChanges, repairErr := t.repairer.Repair(ctx, content, p, err)
	if repairErr != nil {
		return calculated{}, err // surface the original edit error
	}
	if noChanges {
		return calculated{content: content, noChanges: true}, nil
	}
	result, retryErr := Calculate(content, exists, repairedParams)
	if retryErr != nil {
		return calculated{}, fmt.Errorf("%w (auto-corrected search %q failed too: %v)",
			err, searchSnippet(repairedParams.Search), retryErr)
	}
	return calculated{content: content, result: result, repaired: true}, nil
}

func (t *ReplaceTool) ShouldConfirmExecute(ctx context.Context, args json.RawMessage) (*tools.ConfirmationDetails, error) {
	p, err := t.parseParams(args)
	if err != nil {
		return nil, err
	}
	calc, err := t.calculate(ctx, p)
	if err != nil {
		return nil, err
	}
	if calc.noChanges {
		return nil, nil
	}

	verb := "Edit"
	if calc.result.CreatedFile {
		verb = "Create"
	}
	return &tools.ConfirmationDetails{
		Message: fmt.Sprintf("%s %s", verb, p.FilePath),
		Diff:    tools.UnifiedDiff(p.FilePath, calc.content, calc.result.NewContent),
	}, nil
}

func (t *ReplaceTool) Execute(ctx context.Context, args json.RawMessage, onOutput func(string)) (tools.ToolResult, error) {
	p, err := t.parseParams(args)
	if err != nil {
		return tools.ToolResult{}, err
	}
	calc, err := t.calculate(ctx, p)
	if err != nil {
		return tools.ToolResult{}, err
	}
	if calc.noChanges {
		msg := fmt.Sprintf("No changes required, %s already matches the intended state.", p.FilePath)
		return tools.ToolResult{Content: msg, Display: msg}, nil
	}

	if err := t.env.WriteFile(p.FilePath, calc.result.NewContent); err != nil {
		return tools.ToolResult{}, err
	}

	var msg string
	switch {
	case calc.result.CreatedFile:
		msg = fmt.Sprintf("Created %s", p.FilePath)
	case calc.repaired:
		msg = fmt.Sprintf("Replaced %d occurrence(s) in %s (search string was auto-corrected)", calc.result.Occurrences, p.FilePath)
	default:
		msg = fmt.Sprintf("Replaced %d occurrence(s) in %s", calc.result.Occurrences, p.FilePath)
	}
	return tools.ToolResult{Content: msg, Display: msg}, nil
}
