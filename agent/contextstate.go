package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ContextState holds prompt-templating variables for one loop invocation.
// Keys are write-once; a second Set on the same key is an error so two
// components cannot silently fight over a variable.
type ContextState struct {
	values map[string]string
}

// NewContextState creates an empty ContextState.
func NewContextState() *ContextState {
	return &ContextState{values: make(map[string]string)}
}

// Set binds a key. Rebinding an existing key fails.
func (s *ContextState) Set(key, value string) error {
	if _, exists := s.values[key]; exists {
		return fmt.Errorf("context variable %q is already set", key)
	}
	s.values[key] = value
	return nil
}

// Get returns the value for key.
func (s *ContextState) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the bound keys, sorted.
func (s *ContextState) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var templateVarPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Template substitutes ${key} references in text from the state. Any
// reference to an unset key fails fast, naming every missing key.
func (s *ContextState) Template(text string) (string, error) {
	var missing []string
	seen := make(map[string]bool)

	result := templateVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := match[2 : len(match)-1]
		if v, ok := s.values[key]; ok {
			return v
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return match
	})

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("template references unset context variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}
