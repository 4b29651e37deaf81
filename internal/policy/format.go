package policy

import (
	"fmt"
	"strings"
)

// Marker lines bounding an injected policy context block so downstream
// consumers can identify it.
const (
	injectionHeader = "--- RELEVANT COMPLIANCE POLICIES ---"
	injectionFooter = "--- END COMPLIANCE POLICIES ---"
)

// FormatForInjection renders retrieved snippets as a delimited advisory
// context block. Zero snippets render as the empty string. The block is
// context only — it is never itself a gating decision.
func FormatForInjection(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(injectionHeader)
	sb.WriteByte('\n')
	for _, s := range snippets {
		fmt.Fprintf(&sb, "[%s] %s (similarity %.2f)\n%s\n", s.PolicyType, s.Title, s.Similarity, s.Excerpt)
	}
	sb.WriteString(injectionFooter)
	sb.WriteByte('\n')
	return sb.String()
}
