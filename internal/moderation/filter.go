package moderation

import "strings"

// Filter rejects text containing any configured banned word, case-insensitively.
type Filter struct {
	words []string
}

// NewFilter constructs a filter. Blank entries are ignored.
func NewFilter(words []string) *Filter {
	normalized := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		normalized = append(normalized, word)
	}
	return &Filter{words: normalized}
}

// ContainsBannedWord reports whether text contains a banned word anywhere.
func (f *Filter) ContainsBannedWord(text string) bool {
	if f == nil || len(f.words) == 0 || text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, word := range f.words {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}
