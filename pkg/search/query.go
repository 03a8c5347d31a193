package search

import "strings"

// Query is a parsed name search. An empty prefix matches any value.
type Query struct {
	LastPrefix  string `json:"last_prefix"`
	FirstPrefix string `json:"first_prefix"`
}

// ParseQuery splits text at its first comma. Without a comma the whole text
// is the last-name prefix. Nothing is trimmed or case-folded.
func ParseQuery(text string) Query {
	i := strings.IndexByte(text, ',')
	if i < 0 {
		return Query{LastPrefix: text}
	}
	return Query{LastPrefix: text[:i], FirstPrefix: text[i+1:]}
}
