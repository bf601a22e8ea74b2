package app

import "strings"

// IntentKind classifies the model's first-pass reply.
type IntentKind int

const (
	// IntentDirect means the reply is the final answer.
	IntentDirect IntentKind = iota
	// IntentSearch means the model asked for a web search before answering.
	IntentSearch
)

const searchMarker = "[SEARCH:"

// Intent is the parsed tool-call decision of a first-pass reply.
type Intent struct {
	Kind  IntentKind
	Query string
}

// ParseToolIntent parses the search sentinel the system prompt instructs the
// model to emit. The grammar is strict: the reply must start with "[SEARCH:",
// a closing "]" must follow, and the query between them must be non-empty
// after trimming. Anything else, including a malformed sentinel, is treated
// as a direct answer so a confused model degrades to normal chat instead of
// an error.
func ParseToolIntent(content string) Intent {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, searchMarker) {
		return Intent{Kind: IntentDirect}
	}
	rest := trimmed[len(searchMarker):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return Intent{Kind: IntentDirect}
	}
	query := strings.TrimSpace(rest[:end])
	if query == "" {
		return Intent{Kind: IntentDirect}
	}
	return Intent{Kind: IntentSearch, Query: query}
}
