package edit

import (
	"strings"
	"testing"
)

func TestExactSingleOccurrence(t *testing.T) {
	content := "alpha\nbeta\ngamma\n"
	result, err := Calculate(content, true, Params{FilePath: "x.txt", Search: "beta", Replace: "BETA"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewContent != "alpha\nBETA\ngamma\n" {
		t.Errorf("content = %q", result.NewContent)
	}
	if result.Occurrences != 1 || result.FuzzyMatched {
		t.Errorf("result = %+v", result)
	}
}

func TestSecondIdenticalEditFails(t *testing.T) {
	content := "alpha\nbeta\ngamma\n"
	p := Params{FilePath: "x.txt", Search: "beta", Replace: "BETA"}

	first, err := Calculate(content, true, p)
	if err != nil {
		t.Fatalf("first edit failed: %v", err)
	}

	// Applying the same edit to the already-edited content must fail, not
	// silently succeed.
	_, err = Calculate(first.NewContent, true, p)
	if CodeOf(err) != CodeNoOccurrence {
		t.Errorf("expected %s, got %v", CodeNoOccurrence, err)
	}
}

func TestMultipleOccurrencesRejected(t *testing.T) {
	content := "x\nrepeat\ny\nrepeat\n"
	_, err := Calculate(content, true, Params{FilePath: "x.txt", Search: "repeat", Replace: "once"})
	if CodeOf(err) != CodeOccurrenceMismatch {
		t.Errorf("expected %s, got %v", CodeOccurrenceMismatch, err)
	}
}

func TestExpectedReplacementsMatchesCount(t *testing.T) {
	content := "x\nrepeat\ny\nrepeat\n"
	result, err := Calculate(content, true, Params{
		FilePath: "x.txt", Search: "repeat", Replace: "once", ExpectedOccurrences: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Occurrences != 2 {
		t.Errorf("occurrences = %d", result.Occurrences)
	}
	if result.NewContent != "x\nonce\ny\nonce\n" {
		t.Errorf("content = %q", result.NewContent)
	}
}

func TestNoOpEditRejected(t *testing.T) {
	_, err := Calculate("abc\n", true, Params{FilePath: "x.txt", Search: "abc", Replace: "abc"})
	if CodeOf(err) != CodeNoChange {
		t.Errorf("expected %s, got %v", CodeNoChange, err)
	}
}

func TestEmptySearchCreatesFile(t *testing.T) {
	result, err := Calculate("", false, Params{FilePath: "new.txt", Search: "", Replace: "hello\n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.CreatedFile || result.NewContent != "hello\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestEmptySearchExistingFileRejected(t *testing.T) {
	_, err := Calculate("old\n", true, Params{FilePath: "x.txt", Search: "", Replace: "new\n"})
	if CodeOf(err) != CodeTargetExists {
		t.Errorf("expected %s, got %v", CodeTargetExists, err)
	}
}

func TestFuzzyMatchPreservesIndentation(t *testing.T) {
	content := "  foo();\n  bar();\n"
	result, err := Calculate(content, true, Params{
		FilePath: "x.txt",
		Search:   "foo();\nbar();",
		Replace:  "baz();",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FuzzyMatched {
		t.Error("expected the fuzzy path to match")
	}
	if result.NewContent != "  baz();\n" {
		t.Errorf("content = %q, indentation not preserved", result.NewContent)
	}
}

func TestFuzzyMatchPreservesRelativeIndentation(t *testing.T) {
	content := "\tif ok {\n\t\tdo()\n\t}\n"
	result, err := Calculate(content, true, Params{
		FilePath: "x.go",
		Search:   "if ok {\n\tdo()\n}",
		Replace:  "if ok {\n\tdone()\n}",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewContent != "\tif ok {\n\t\tdone()\n\t}\n" {
		t.Errorf("content = %q", result.NewContent)
	}
}

func TestFuzzyZeroMatches(t *testing.T) {
	_, err := Calculate("alpha\n", true, Params{FilePath: "x.txt", Search: "missing", Replace: "y"})
	if CodeOf(err) != CodeNoOccurrence {
		t.Errorf("expected %s, got %v", CodeNoOccurrence, err)
	}
}

func TestFuzzyAmbiguousMatches(t *testing.T) {
	content := "  dup()\nmid\n  dup()\n"
	_, err := Calculate(content, true, Params{FilePath: "x.txt", Search: "dup()", Replace: "one()"})
	if CodeOf(err) != CodeOccurrenceMismatch {
		t.Errorf("expected %s, got %v", CodeOccurrenceMismatch, err)
	}
}

func TestMismatchErrorsQuoteSearchString(t *testing.T) {
	_, err := Calculate("alpha\n", true, Params{FilePath: "x.txt", Search: "missing", Replace: "y"})
	if err == nil || !strings.Contains(err.Error(), `"missing"`) {
		t.Errorf("no-occurrence error should quote the search string, got %v", err)
	}

	_, err = Calculate("x\nrepeat\ny\nrepeat\n", true, Params{FilePath: "x.txt", Search: "repeat", Replace: "once"})
	if err == nil || !strings.Contains(err.Error(), `"repeat"`) {
		t.Errorf("mismatch error should quote the search string, got %v", err)
	}

	long := strings.Repeat("z", 200)
	_, err = Calculate("alpha\n", true, Params{FilePath: "x.txt", Search: long, Replace: "y"})
	if err == nil || strings.Contains(err.Error(), long) {
		t.Errorf("long search strings should be shortened, got %v", err)
	}
}

func TestCRLFNormalization(t *testing.T) {
	content := "alpha\r\nbeta\r\n"
	result, err := Calculate(content, true, Params{FilePath: "x.txt", Search: "beta\r\n", Replace: "BETA\r\n"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewContent != "alpha\nBETA\n" {
		t.Errorf("content = %q", result.NewContent)
	}
}

func TestTrailingNewlinePreserved(t *testing.T) {
	withNL, err := Calculate("a\nb\n", true, Params{FilePath: "x", Search: "a", Replace: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if withNL.NewContent != "A\nb\n" {
		t.Errorf("trailing newline lost: %q", withNL.NewContent)
	}

	withoutNL, err := Calculate("a\nb", true, Params{FilePath: "x", Search: "a", Replace: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if withoutNL.NewContent != "A\nb" {
		t.Errorf("trailing newline invented: %q", withoutNL.NewContent)
	}
}
