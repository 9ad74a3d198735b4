package secrets

import (
	"sort"

	"go.uber.org/zap"
)

// Finding locates one redacted secret in the scrubbed input. The secret
// value is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	// Start and End are byte offsets into the input.
	Start int `json:"start"`
	End   int `json:"end"`
	// Line is 1-indexed.
	Line int `json:"line"`
}

// Result is the outcome of scrubbing one text, findings ordered by offset.
type Result struct {
	Scrubbed string    `json:"-"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rules that matched, sorted.
func (r *Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// LogFields describes the redactions made in sourceRef for a log entry.
func (r *Result) LogFields(sourceRef string) []zap.Field {
	lines := make([]int, len(r.Findings))
	for i, f := range r.Findings {
		lines[i] = f.Line
	}
	return []zap.Field{
		zap.String("source_ref", sourceRef),
		zap.Int("findings", len(r.Findings)),
		zap.Strings("rules", r.RuleIDs()),
		zap.Ints("lines", lines),
	}
}
