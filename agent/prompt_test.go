package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gemloop/gemloop/tools"
)

func TestPathHierarchy(t *testing.T) {
	root := filepath.Join("/", "repo")
	target := filepath.Join(root, "pkg", "sub")

	dirs := pathHierarchy(root, target)
	want := []string{root, filepath.Join(root, "pkg"), target}
	if len(dirs) != len(want) {
		t.Fatalf("dirs = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("dirs[%d] = %q, want %q", i, dirs[i], want[i])
		}
	}
}

func TestPathHierarchySameDir(t *testing.T) {
	dirs := pathHierarchy("/repo", "/repo")
	if len(dirs) != 1 || dirs[0] != "/repo" {
		t.Errorf("dirs = %v", dirs)
	}
}

func TestDiscoverProjectDocs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agents rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "GEMINI.md"), []byte("gemini rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := DiscoverProjectDocs(dir)
	if !strings.Contains(docs, "agents rules") || !strings.Contains(docs, "gemini rules") {
		t.Errorf("docs missing content: %q", docs)
	}
}

func TestDiscoverProjectDocsWalksFromGitRoot(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	if out, err := exec.Command("git", "init", "-q", dir).CombinedOutput(); err != nil {
		t.Skipf("git init failed: %v (%s)", err, out)
	}
	sub := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("root rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "GEMINI.md"), []byte("pkg rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := DiscoverProjectDocs(sub)
	if !strings.Contains(docs, "root rules") || !strings.Contains(docs, "pkg rules") {
		t.Errorf("docs missing content: %q", docs)
	}
	// Deeper directories come later so they win on conflicts.
	if strings.Index(docs, "root rules") > strings.Index(docs, "pkg rules") {
		t.Error("root doc should precede the deeper doc")
	}
}

func TestDiscoverProjectDocsCap(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", maxProjectDocBytes+100)
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := DiscoverProjectDocs(dir)
	if !strings.Contains(docs, "truncated at 32KB") {
		t.Error("oversized doc not truncated")
	}
}

func TestBuildSystemPromptTemplatesInstructions(t *testing.T) {
	env := tools.NewLocalEnvironment(t.TempDir())
	state := NewContextState()
	if err := state.Set("task", "refactor the parser"); err != nil {
		t.Fatal(err)
	}

	prompt, err := BuildSystemPrompt(env, "gemini-3-flash-preview", state, "Focus on: ${task}")
	if err != nil {
		t.Fatalf("BuildSystemPrompt: %v", err)
	}
	if !strings.Contains(prompt, "Focus on: refactor the parser") {
		t.Error("instructions not templated")
	}
	if !strings.Contains(prompt, "<environment>") {
		t.Error("environment block missing")
	}
}

func TestBuildSystemPromptMissingVariable(t *testing.T) {
	env := tools.NewLocalEnvironment(t.TempDir())
	if _, err := BuildSystemPrompt(env, "", NewContextState(), "do ${undefined}"); err == nil {
		t.Fatal("expected missing-variable error")
	}
}
