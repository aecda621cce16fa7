package embedding

import (
	"strings"
)

// ContentKind classifies text being embedded so the GenAI backend can pick
// the task type its models are tuned for.
type ContentKind string

const (
	KindDiscovery ContentKind = "discovery" // Stored findings
	KindNote      ContentKind = "note"      // Agent-to-agent notes
	KindQuery     ContentKind = "query"     // Search queries
)

// SelectTaskType maps a content kind to the GenAI embedding task type.
// Documents are indexed with RETRIEVAL_DOCUMENT and queries with
// RETRIEVAL_QUERY so the asymmetric retrieval models line up.
func SelectTaskType(kind ContentKind) string {
	switch kind {
	case KindDiscovery, KindNote:
		return "RETRIEVAL_DOCUMENT"
	case KindQuery:
		return "RETRIEVAL_QUERY"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// DetectQueryTask refines the task type for a search query: question-shaped
// queries use QUESTION_ANSWERING, everything else plain retrieval.
func DetectQueryTask(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if strings.HasSuffix(q, "?") {
		return "QUESTION_ANSWERING"
	}
	for _, prefix := range []string{"what ", "how ", "why ", "when ", "where ", "which ", "who "} {
		if strings.HasPrefix(q, prefix) {
			return "QUESTION_ANSWERING"
		}
	}
	return "RETRIEVAL_QUERY"
}
