package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gemloop/gemloop/tools"
)

const maxProjectDocBytes = 32 * 1024

// defaultSystemPrompt is the interactive agent's base instruction set.
const defaultSystemPrompt = `You are an expert software engineering agent operating inside the user's repository.

Core rules:
- Use the available tools to read, search, and modify files; never invent file contents.
- Before editing a file, read it. Keep edits minimal and precise.
- When using the replace tool, old_string must match the file exactly, including whitespace.
- Prefer small verifiable steps; run commands to check your work when appropriate.
- When the task is complete, stop calling tools and summarize what you did.`

// BuildSystemPrompt assembles the full system instruction: base prompt,
// environment context, discovered project docs, and templated user
// instructions.
func BuildSystemPrompt(env tools.Environment, model string, state *ContextState, userInstructions string) (string, error) {
	var sb strings.Builder
	sb.WriteString(defaultSystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(BuildEnvironmentContext(env, model))

	if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
		sb.WriteString("\n\n# Project Instructions\n\n")
		sb.WriteString(docs)
	}

	if userInstructions != "" {
		templated := userInstructions
		if state != nil {
			var err error
			templated, err = state.Template(userInstructions)
			if err != nil {
				return "", err
			}
		}
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(templated)
	}
	return sb.String(), nil
}

// BuildEnvironmentContext generates the structured environment block.
func BuildEnvironmentContext(env tools.Environment, model string) string {
	workingDir := env.WorkingDirectory()
	isGitRepo := isGitRepository(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if isGitRepo {
		if branch := gitBranch(workingDir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// projectDocNames are instruction files loaded from the repo, most specific
// last so deeper directories win on conflicting guidance.
var projectDocNames = []string{"AGENTS.md", "GEMINI.md"}

// DiscoverProjectDocs walks from the git root (or working directory) down
// to the working directory, loading recognized instruction files up to a
// 32KB cap.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, fileName := range projectDocNames {
			path := filepath.Join(dir, fileName)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - totalBytes
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}

			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", fileName, dir, text))
			totalBytes += len(text)
		}
	}

	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns directories from root to target, inclusive.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == ".." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func gitRoot(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func gitBranch(dir string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
