// Package edit implements the search/replace strategy engine: exact and
// fuzzy matching with auditable occurrence semantics, a one-shot LLM repair
// path for near-miss search strings, and the replace tool built on top.
package edit

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the model so it can react to specific failures.
const (
	CodeNoOccurrence       = "EDIT_NO_OCCURRENCE_FOUND"
	CodeOccurrenceMismatch = "EDIT_EXPECTED_OCCURRENCE_MISMATCH"
	CodeNoChange           = "EDIT_NO_CHANGE"
	CodeTargetExists       = "EDIT_TARGET_EXISTS"
)

// Error is an edit failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NoOccurrenceError reports that the search string matched nothing, even
// after the fuzzy pass.
func NoOccurrenceError(path, search string) *Error {
	return &Error{
		Code:    CodeNoOccurrence,
		Message: fmt.Sprintf("could not find %q in %s", searchSnippet(search), path),
	}
}

// OccurrenceMismatchError reports an ambiguous match count.
func OccurrenceMismatchError(path, search string, expected, found int) *Error {
	return &Error{
		Code: CodeOccurrenceMismatch,
		Message: fmt.Sprintf("expected %d occurrence(s) of %q in %s but found %d; "+
			"provide more surrounding context to disambiguate, or set expected_replacements",
			expected, searchSnippet(search), path, found),
	}
}

// NoChangeError reports a no-op edit.
func NoChangeError(path string) *Error {
	return &Error{
		Code:    CodeNoChange,
		Message: fmt.Sprintf("search and replace are identical for %s, nothing to do", path),
	}
}

// TargetExistsError reports a creation attempt against an existing file.
func TargetExistsError(path string) *Error {
	return &Error{
		Code:    CodeTargetExists,
		Message: fmt.Sprintf("cannot create %s with an empty search string, the file already exists", path),
	}
}

// searchSnippet shortens long search strings for error messages.
func searchSnippet(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// CodeOf returns the edit error code, or "" for non-edit errors. Wrapped
// edit errors keep their code.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
