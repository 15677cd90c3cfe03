package edit

import "strings"

// Params describes one search/replace transformation.
type Params struct {
	FilePath string
	Search   string
	Replace  string
	// ExpectedOccurrences is the exact number of matches required; zero
	// means one.
	ExpectedOccurrences int
}

// Result is a successfully calculated edit, ready to write.
type Result struct {
	NewContent  string
	Occurrences int
	CreatedFile bool
	// FuzzyMatched reports that the trimmed-line path found the match.
	FuzzyMatched bool
}

// Calculate computes the transformed content without touching the
// filesystem. exists reports whether the target file currently exists;
// content is its current text (ignored when it does not).
//
// An empty search string means file creation. Otherwise an exact pass
// counts literal occurrences of the normalized search string and requires
// the count to equal ExpectedOccurrences; zero exact matches fall through
// to a fuzzy pass that compares whitespace-trimmed lines over an
// equal-length window and re-indents the replacement to the matched window.
func Calculate(content string, exists bool, p Params) (Result, error) {
	expected := p.ExpectedOccurrences
	if expected <= 0 {
		expected = 1
	}

	search := normalize(p.Search)
	replace := normalize(p.Replace)

	if search == "" {
		if exists {
			return Result{}, TargetExistsError(p.FilePath)
		}
		return Result{NewContent: replace, Occurrences: 0, CreatedFile: true}, nil
	}
	if search == replace {
		return Result{}, NoChangeError(p.FilePath)
	}

	normContent := normalize(content)
	hadTrailingNewline := strings.HasSuffix(normContent, "\n")

	// Exact pass.
	count := strings.Count(normContent, search)
	if count > 0 {
		if count != expected {
			return Result{}, OccurrenceMismatchError(p.FilePath, p.Search, expected, count)
		}
		newContent := strings.ReplaceAll(normContent, search, replace)
		return Result{
			NewContent:  restoreTrailingNewline(newContent, hadTrailingNewline),
			Occurrences: count,
		}, nil
	}

	// Fuzzy pass: trimmed-line comparison over an equal-length window.
	newContent, matches, ok := fuzzyReplace(normContent, search, replace)
	if !ok {
		return Result{}, NoOccurrenceError(p.FilePath, p.Search)
	}
	if matches != expected {
		return Result{}, OccurrenceMismatchError(p.FilePath, p.Search, expected, matches)
	}
	return Result{
		NewContent:   restoreTrailingNewline(newContent, hadTrailingNewline),
		Occurrences:  matches,
		FuzzyMatched: true,
	}, nil
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func restoreTrailingNewline(s string, had bool) string {
	s = strings.TrimSuffix(s, "\n")
	if had {
		return s + "\n"
	}
	return s
}

// fuzzyReplace slides a window the size of the search block over the file
// lines, comparing each line pair after trimming surrounding whitespace.
// The replacement is re-indented so the matched window's indentation is
// preserved. Returns the new content, the match count, and whether any
// window matched.
func fuzzyReplace(content, search, replace string) (string, int, bool) {
	fileLines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	searchLines := strings.Split(strings.TrimSuffix(search, "\n"), "\n")
	if len(searchLines) == 0 || len(searchLines) > len(fileLines) {
		return "", 0, false
	}

	var starts []int
	for i := 0; i+len(searchLines) <= len(fileLines); i++ {
		matched := true
		for j, sl := range searchLines {
			if strings.TrimSpace(fileLines[i+j]) != strings.TrimSpace(sl) {
				matched = false
				break
			}
		}
		if matched {
			starts = append(starts, i)
			i += len(searchLines) - 1
		}
	}
	if len(starts) == 0 {
		return "", 0, false
	}

	var out []string
	prev := 0
	for _, start := range starts {
		out = append(out, fileLines[prev:start]...)
		replacement := reindent(replace, searchLines[0], fileLines[start])
		out = append(out, strings.Split(strings.TrimSuffix(replacement, "\n"), "\n")...)
		prev = start + len(searchLines)
	}
	out = append(out, fileLines[prev:]...)
	return strings.Join(out, "\n"), len(starts), true
}

// reindent rewrites the replacement block's indentation: the search block's
// base indent is swapped for the matched file line's indent, preserving any
// relative indentation within the replacement.
func reindent(replace, searchFirstLine, fileFirstLine string) string {
	searchIndent := leadingWhitespace(searchFirstLine)
	fileIndent := leadingWhitespace(fileFirstLine)
	if searchIndent == fileIndent {
		return replace
	}

	lines := strings.Split(replace, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if searchIndent != "" && strings.HasPrefix(line, searchIndent) {
			lines[i] = fileIndent + strings.TrimPrefix(line, searchIndent)
		} else {
			lines[i] = fileIndent + line
		}
	}
	return strings.Join(lines, "\n")
}

func leadingWhitespace(s string) string {
	for i, r := range s {
		if r != ' ' && r != '\t' {
			return s[:i]
		}
	}
	return s
}
