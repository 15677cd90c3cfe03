package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RegisterCoreTools registers the built-in tools on a Registry. The tools
// delegate to env for all filesystem and process work.
func RegisterCoreTools(reg *Registry, env Environment, defaultTimeout, maxTimeout time.Duration) {
	reg.Register(newReadFileTool(env))
	reg.Register(newWriteFileTool(env))
	reg.Register(newShellTool(env, defaultTimeout, maxTimeout))
	reg.Register(newGrepTool(env))
	reg.Register(newGlobTool(env))
	reg.Register(newListDirectoryTool(env))
}

func newReadFileTool(env Environment) Tool {
	return &FuncTool{
		ToolName:        "read_file",
		ToolDescription: "Read a file from the filesystem. Returns line-numbered content.",
		ToolKind:        KindReadOnly,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to the file to read.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-based line number to start reading from.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to read. Default: 2000.",
				},
			},
			"required": []any{"file_path"},
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			filePath, ok := StringArg(args, "file_path")
			if !ok || filePath == "" {
				return ToolResult{}, fmt.Errorf("file_path is required")
			}
			offset, _ := IntArg(args, "offset")
			limit, _ := IntArg(args, "limit")
			if limit == 0 {
				limit = 2000
			}
			content, err := env.ReadFile(filePath, offset, limit)
			if err != nil {
				return ToolResult{}, err
			}
			return ToolResult{Content: content, Display: fmt.Sprintf("Read %s", filePath)}, nil
		},
	}
}

func newWriteFileTool(env Environment) Tool {
	return &FuncTool{
		ToolName:        "write_file",
		ToolDescription: "Write content to a file. Creates the file and parent directories if needed.",
		ToolKind:        KindEdit,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{
					"type":        "string",
					"description": "Path to write to.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full file content to write.",
				},
			},
			"required": []any{"file_path", "content"},
		},
		Confirm: func(ctx context.Context, raw json.RawMessage) (*ConfirmationDetails, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return nil, err
			}
			filePath, _ := StringArg(args, "file_path")
			content, _ := StringArg(args, "content")
			verb := "Create"
			old := ""
			if env.FileExists(filePath) {
				verb = "Overwrite"
				old, _ = env.ReadFileRaw(filePath)
			}
			return &ConfirmationDetails{
				Message: fmt.Sprintf("%s %s (%d bytes)", verb, filePath, len(content)),
				Diff:    UnifiedDiff(filePath, old, content),
			}, nil
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			filePath, ok := StringArg(args, "file_path")
			if !ok || filePath == "" {
				return ToolResult{}, fmt.Errorf("file_path is required")
			}
			content, ok := StringArg(args, "content")
			if !ok {
				return ToolResult{}, fmt.Errorf("content is required")
			}
			if err := env.WriteFile(filePath, content); err != nil {
				return ToolResult{}, err
			}
			msg := fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), filePath)
			return ToolResult{Content: msg, Display: msg}, nil
		},
	}
}

func newShellTool(env Environment, defaultTimeout, maxTimeout time.Duration) Tool {
	return &FuncTool{
		ToolName:        "run_shell_command",
		ToolDescription: "Execute a shell command. Returns stdout, stderr, and exit code.",
		ToolKind:        KindOther,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to run.",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Override the default command timeout in milliseconds.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Human-readable description of what this command does.",
				},
			},
			"required": []any{"command"},
		},
		Confirm: func(ctx context.Context, raw json.RawMessage) (*ConfirmationDetails, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return nil, err
			}
			command, _ := StringArg(args, "command")
			return &ConfirmationDetails{Message: fmt.Sprintf("Run shell command: %s", command)}, nil
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			command, ok := StringArg(args, "command")
			if !ok || command == "" {
				return ToolResult{}, fmt.Errorf("command is required")
			}
			timeout := defaultTimeout
			if timeoutMs, ok := IntArg(args, "timeout_ms"); ok && timeoutMs > 0 {
				timeout = time.Duration(timeoutMs) * time.Millisecond
			}
			if timeout > maxTimeout {
				timeout = maxTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout, "", nil)
			if err != nil {
				return ToolResult{}, err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if onOutput != nil {
				onOutput(result.Output())
			}

			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above. "+
					"You can retry with a longer timeout via the timeout_ms parameter.]", timeout)
			}
			if result.ExitCode != 0 && !result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			return ToolResult{Content: sb.String()}, nil
		},
	}
}

func newGrepTool(env Environment) Tool {
	return &FuncTool{
		ToolName:        "search_file_content",
		ToolDescription: "Search file contents using regex patterns. Returns matching lines with file paths and line numbers.",
		ToolKind:        KindReadOnly,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Regex pattern to search for.",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory or file to search. Default: working directory.",
				},
				"glob_filter": map[string]any{
					"type":        "string",
					"description": "File pattern filter (e.g., \"*.go\").",
				},
				"case_insensitive": map[string]any{
					"type":        "boolean",
					"description": "Case insensitive search. Default: false.",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results. Default: 100.",
				},
			},
			"required": []any{"pattern"},
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			pattern, ok := StringArg(args, "pattern")
			if !ok || pattern == "" {
				return ToolResult{}, fmt.Errorf("pattern is required")
			}
			path, _ := StringArg(args, "path")
			globFilter, _ := StringArg(args, "glob_filter")
			caseInsensitive, _ := BoolArg(args, "case_insensitive")
			maxResults, _ := IntArg(args, "max_results")
			if maxResults <= 0 {
				maxResults = 100
			}

			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return ToolResult{}, err
			}
			if out == "" {
				out = "No matches found."
			}
			return ToolResult{Content: out}, nil
		},
	}
}

func newGlobTool(env Environment) Tool {
	return &FuncTool{
		ToolName:        "glob",
		ToolDescription: "Find files matching a glob pattern. Returns file paths sorted by modification time (newest first).",
		ToolKind:        KindReadOnly,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern (e.g., \"*.go\").",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Base directory. Default: working directory.",
				},
			},
			"required": []any{"pattern"},
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			pattern, ok := StringArg(args, "pattern")
			if !ok || pattern == "" {
				return ToolResult{}, fmt.Errorf("pattern is required")
			}
			path, _ := StringArg(args, "path")

			matches, err := env.Glob(pattern, path)
			if err != nil {
				return ToolResult{}, err
			}
			if len(matches) == 0 {
				return ToolResult{Content: "No files matched the pattern."}, nil
			}
			return ToolResult{Content: strings.Join(matches, "\n")}, nil
		},
	}
}

func newListDirectoryTool(env Environment) Tool {
	return &FuncTool{
		ToolName:        "list_directory",
		ToolDescription: "List the entries of a directory.",
		ToolKind:        KindReadOnly,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list. Default: working directory.",
				},
			},
		},
		Run: func(ctx context.Context, raw json.RawMessage, onOutput func(string)) (ToolResult, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return ToolResult{}, err
			}
			path, _ := StringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return ToolResult{}, err
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			if sb.Len() == 0 {
				return ToolResult{Content: "Directory is empty."}, nil
			}
			return ToolResult{Content: sb.String()}, nil
		},
	}
}
