// Package decision defines the gating decision record and its append-only
// writers. Every dispatched tool call produces exactly one Entry, written to
// an ephemeral operational stream and a durable event stream (and optionally
// mirrored to a database). Records are write-once: nothing in this package
// updates or deletes an entry after it is appended.
package decision

import "time"

// EventType is the fixed event type tag on every decision record.
const EventType = "agentic_decision"

// Outcomes of a gated call.
const (
	OutcomeExecuted = "executed"
	OutcomeBlocked  = "blocked"
)

// PolicyResult summarizes the compliance evaluation of a single call.
// RetrievalError carries the degradation message of a failed policy
// retrieval; it distinguishes "retrieval broke" from "no matching policies"
// in the ledger without surfacing the failure to the caller.
type PolicyResult struct {
	GuardrailAllowed   bool    `json:"guardrail_allowed"`
	GuardrailCode      string  `json:"guardrail_code,omitempty"`
	PolicySnippetCount int     `json:"policy_snippet_count,omitempty"`
	TopSimilarity      float64 `json:"top_similarity,omitempty"`
	RetrievalError     string  `json:"retrieval_error,omitempty"`
}

// Entry is a single decision-log record. One self-contained JSON object per
// line in the log streams, fields stable across releases.
type Entry struct {
	EventType      string         `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	DecisionID     string         `json:"decision_id"`
	ToolName       string         `json:"tool_name"`
	IntentCategory string         `json:"intent_category"`
	PolicyResult   PolicyResult   `json:"policy_result"`
	Args           map[string]any `json:"args,omitempty"`
	Outcome        string         `json:"outcome"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorSubCode   string         `json:"error_sub_code,omitempty"`
	ErrorReason    string         `json:"error_reason,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
}
