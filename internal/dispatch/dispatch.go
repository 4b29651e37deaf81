// Package dispatch runs the gating pipeline every tool call passes through:
// argument validation, guardrail evaluation, the risk circuit breaker for
// trades, best-effort policy retrieval, one decision-log write, and finally
// handler execution with retrieved policy context spliced into the output.
// There is no path from transport to tool handler except through Dispatch.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/qtos-io/tradegate/internal/decision"
	"github.com/qtos-io/tradegate/internal/guardrail"
	"github.com/qtos-io/tradegate/internal/observability"
	"github.com/qtos-io/tradegate/internal/policy"
	"github.com/qtos-io/tradegate/internal/risk"
	"github.com/qtos-io/tradegate/internal/tools"
)

// maxQueryBytes caps the retrieval query built from tool arguments.
const maxQueryBytes = 8000

// ExposureSource supplies the current book snapshot for risk checks.
type ExposureSource interface {
	Snapshot(ctx context.Context) (risk.ExposureState, error)
}

// StaticSource is an ExposureSource backed by a fixed snapshot, used when no
// upstream account endpoint is configured.
type StaticSource struct {
	State risk.ExposureState
}

// Snapshot returns the fixed state.
func (s StaticSource) Snapshot(context.Context) (risk.ExposureState, error) {
	return s.State, nil
}

// PolicyRetriever is the slice of the policy package the dispatcher needs.
type PolicyRetriever interface {
	Retrieve(ctx context.Context, query string) policy.RetrievalResult
}

// Response is the outcome of a dispatched tool call.
type Response struct {
	DecisionID string
	Blocked    bool
	Code       string         // Denial code (guardrail code or risk sentinel).
	SubCode    string         // Risk sub-code, set only for circuit-breaker denials.
	Reason     string         // Human-readable denial reason.
	Details    map[string]any // Numeric inputs behind a risk denial.
	Output     string         // Handler output with policy context prefixed.
	Metadata   map[string]any
}

// Dispatcher wires the gates around the tool registry.
type Dispatcher struct {
	registry  *tools.Registry
	guard     guardrail.Engine
	limits    risk.ExposureLimits
	volLookup risk.VolLookup
	exposure  ExposureSource
	retriever PolicyRetriever
	recorder  *decision.Recorder
	obs       *observability.Observability
	logger    *slog.Logger
}

// Config collects the dispatcher's collaborators. Registry, Guard, and
// Recorder are required; the rest may be zero for reduced functionality.
type Config struct {
	Registry  *tools.Registry
	Guard     guardrail.Engine
	Limits    risk.ExposureLimits
	VolLookup risk.VolLookup
	Exposure  ExposureSource
	Retriever PolicyRetriever
	Recorder  *decision.Recorder
	Obs       *observability.Observability
}

// New creates a Dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	exposure := cfg.Exposure
	if exposure == nil {
		exposure = StaticSource{}
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		guard:     cfg.Guard,
		limits:    cfg.Limits,
		volLookup: cfg.VolLookup,
		exposure:  exposure,
		retriever: cfg.Retriever,
		recorder:  cfg.Recorder,
		obs:       cfg.Obs,
		logger:    logger,
	}
}

// Dispatch runs the full gating pipeline for one tool call.
//
// The pipeline order is fixed: validation, guardrails, risk (trade tools
// only), retrieval, decision log, execution. Exactly one decision record is
// written per call that reaches the gates; the write happens before the
// handler runs so an approved call is in the audit trail even if the process
// dies mid-execution. In strict audit mode a failed write converts the
// approval into a block.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any) (*Response, error) {
	tool := d.registry.Get(toolName)
	if tool == nil {
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}

	start := time.Now()
	decisionID := newDecisionID(toolName)

	if d.obs != nil && d.obs.Metrics != nil {
		d.obs.Metrics.ActiveRequests.Inc()
		defer func() {
			d.obs.Metrics.ActiveRequests.Dec()
			d.obs.Metrics.DecisionDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
		}()
	}

	var span trace.Span
	if d.obs != nil && d.obs.Tracer != nil {
		ctx, span = d.obs.Tracer.Tracer().Start(ctx, "dispatch."+toolName,
			trace.WithAttributes(
				attribute.String("tool.name", toolName),
				attribute.String("decision.id", decisionID),
			))
		defer span.End()
	}

	// Validation failures are corrective errors back to the caller, not
	// gating decisions; nothing is logged for them.
	if err := tool.Validate(args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", toolName, err)
	}

	tc := guardrail.ToolCallContext{ToolName: toolName, Args: args, RequestID: decisionID}
	guardRes := d.guard.Evaluate(tc)
	if !guardRes.Allowed {
		entry := d.newEntry(decisionID, tool, args, start)
		entry.PolicyResult = decision.PolicyResult{GuardrailAllowed: false, GuardrailCode: guardRes.AuditCode}
		entry.Outcome = decision.OutcomeBlocked
		entry.ErrorCode = guardRes.AuditCode
		entry.ErrorReason = guardRes.Reason
		return d.block(ctx, entry, span, &Response{
			DecisionID: decisionID,
			Blocked:    true,
			Code:       guardRes.AuditCode,
			Reason:     guardRes.Reason,
		})
	}

	if tradeTool, ok := tool.(tools.TradeCall); ok {
		req, err := tradeTool.TradeRequest(args)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", toolName, err)
		}
		exposure, err := d.exposure.Snapshot(ctx)
		if err != nil {
			// Degrade to an empty book: the structural and single-order
			// checks still apply, exposure projections start from zero.
			d.logger.WarnContext(ctx, "exposure snapshot unavailable", slog.String("error", err.Error()))
			exposure = risk.ExposureState{}
		}
		riskRes := risk.Check(req, exposure, d.limits, d.volLookup)
		if !riskRes.Allowed {
			entry := d.newEntry(decisionID, tool, args, start)
			entry.PolicyResult = decision.PolicyResult{GuardrailAllowed: true}
			entry.Outcome = decision.OutcomeBlocked
			entry.ErrorCode = riskRes.ErrorCode
			entry.ErrorSubCode = riskRes.SubCode
			entry.ErrorReason = riskRes.Reason
			return d.block(ctx, entry, span, &Response{
				DecisionID: decisionID,
				Blocked:    true,
				Code:       riskRes.ErrorCode,
				SubCode:    riskRes.SubCode,
				Reason:     riskRes.Reason,
				Details:    riskRes.Details,
			})
		}
	}

	retrieval := d.retrieve(ctx, toolName, args)

	entry := d.newEntry(decisionID, tool, args, start)
	entry.PolicyResult = decision.PolicyResult{
		GuardrailAllowed:   true,
		PolicySnippetCount: len(retrieval.Snippets),
		RetrievalError:     retrieval.Err,
	}
	if len(retrieval.Snippets) > 0 {
		entry.PolicyResult.TopSimilarity = retrieval.Snippets[0].Similarity
	}
	entry.Outcome = decision.OutcomeExecuted
	if err := d.record(ctx, entry); err != nil {
		// Strict audit mode: no record, no execution.
		return d.finish(span, &Response{
			DecisionID: decisionID,
			Blocked:    true,
			Code:       "AUDIT_UNAVAILABLE",
			Reason:     "decision could not be recorded",
		}, decision.OutcomeBlocked, "AUDIT_UNAVAILABLE", toolName)
	}

	execStart := time.Now()
	result, err := tool.Execute(ctx, args)
	d.observeExecution(toolName, execStart, err)
	if hook, ok := d.guard.(guardrail.PostExecHook); ok {
		outcome := decision.OutcomeExecuted
		if err != nil {
			outcome = "error"
		}
		hook.AfterExecution(tc, outcome)
	}
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", toolName, err)
	}

	output := result.Output
	if prefix := policy.FormatForInjection(retrieval.Snippets); prefix != "" {
		output = prefix + "\n\n" + output
	}

	return d.finish(span, &Response{
		DecisionID: decisionID,
		Output:     output,
		Metadata:   result.Metadata,
	}, decision.OutcomeExecuted, "", toolName)
}

func (d *Dispatcher) newEntry(decisionID string, tool tools.Tool, args map[string]any, start time.Time) decision.Entry {
	return decision.Entry{
		EventType:      decision.EventType,
		Timestamp:      time.Now().UTC(),
		DecisionID:     decisionID,
		ToolName:       tool.Name(),
		IntentCategory: tool.Intent(),
		Args:           args,
		DurationMs:     time.Since(start).Milliseconds(),
	}
}

// block records a denial and returns the blocked response. A failed record in
// strict mode leaves the call blocked either way, so the response passes
// through unchanged.
func (d *Dispatcher) block(ctx context.Context, entry decision.Entry, span trace.Span, resp *Response) (*Response, error) {
	_ = d.record(ctx, entry)
	d.logger.InfoContext(ctx, "tool call blocked",
		slog.String("decision_id", resp.DecisionID),
		slog.String("tool", entry.ToolName),
		slog.String("code", resp.Code),
		slog.String("reason", resp.Reason),
	)
	return d.finish(span, resp, decision.OutcomeBlocked, resp.Code, entry.ToolName)
}

// record delegates to the recorder. Write-failure counting lives inside the
// Recorder's failure hook so best-effort failures are counted too.
func (d *Dispatcher) record(ctx context.Context, entry decision.Entry) error {
	return d.recorder.Record(ctx, entry)
}

func (d *Dispatcher) finish(span trace.Span, resp *Response, outcome, code, toolName string) (*Response, error) {
	if d.obs != nil && d.obs.Metrics != nil {
		d.obs.Metrics.DecisionsTotal.WithLabelValues(toolName, outcome).Inc()
		if code != "" {
			d.obs.Metrics.DenialsTotal.WithLabelValues(toolName, code).Inc()
		}
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("decision.outcome", outcome),
			attribute.String("decision.code", code),
		)
	}
	return resp, nil
}

func (d *Dispatcher) observeExecution(toolName string, start time.Time, err error) {
	if d.obs == nil || d.obs.Metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	d.obs.Metrics.ToolExecutionsTotal.WithLabelValues(toolName, status).Inc()
	d.obs.Metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
}

// retrieve runs best-effort policy retrieval. Never fails the call.
func (d *Dispatcher) retrieve(ctx context.Context, toolName string, args map[string]any) policy.RetrievalResult {
	if d.retriever == nil {
		return policy.RetrievalResult{Err: "not configured"}
	}
	start := time.Now()
	res := d.retriever.Retrieve(ctx, RetrievalQuery(toolName, args))
	if d.obs != nil && d.obs.Metrics != nil {
		result := "hit"
		switch {
		case res.Err != "":
			result = "degraded"
		case len(res.Snippets) == 0:
			result = "empty"
		}
		d.obs.Metrics.RetrievalsTotal.WithLabelValues(result).Inc()
		d.obs.Metrics.RetrievalDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
	return res
}

// RetrievalQuery builds the semantic query for a call: the tool name followed
// by "key: value" lines for each non-empty argument, keys sorted for
// determinism, truncated to the embedding input cap.
func RetrievalQuery(toolName string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(toolName)
	for _, k := range keys {
		v := args[k]
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if s == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(s)
	}
	q := sb.String()
	if len(q) > maxQueryBytes {
		// Back up to a rune boundary so truncation never yields invalid UTF-8.
		cut := maxQueryBytes
		for cut > 0 && !utf8.RuneStart(q[cut]) {
			cut--
		}
		q = q[:cut]
	}
	return q
}

func newDecisionID(toolName string) string {
	return fmt.Sprintf("%s-%d-%s", toolName, time.Now().UnixNano(), uuid.NewString()[:8])
}
