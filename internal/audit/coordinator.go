// Package audit runs an invoice through structural validation, total
// consistency and, when both pass, the reasoning stage, and consolidates a
// single decision.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nfaudit/internal/audit/metrics"
	"nfaudit/internal/consistency"
	"nfaudit/internal/invoice"
	"nfaudit/internal/reasoning"
	"nfaudit/pkg/requestcontext"
)

// DeterministicConfidence is attached to rejections by the deterministic stages.
const DeterministicConfidence = 1.0

// ConsistencyChecker reconciles totals.
type ConsistencyChecker interface {
	Check(ctx context.Context, inv invoice.Record) consistency.Report
}

// Reasoner produces the final opinion for invoices that passed the
// deterministic stages.
type Reasoner interface {
	Reason(ctx context.Context, inv invoice.Record, advisories []invoice.Irregularity) (*reasoning.Outcome, error)
}

// Coordinator implements Auditor. It holds no per-audit state.
type Coordinator struct {
	structural  *StructuralChecker
	consistency ConsistencyChecker
	reasoner    Reasoner
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	newID       func() uuid.UUID
}

var _ Auditor = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithIDGenerator overrides audit ID generation.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewCoordinator wires the stages. A nil reasoner makes every invoice that
// passes the deterministic stages inconclusive.
func NewCoordinator(structural *StructuralChecker, engine ConsistencyChecker, reasoner Reasoner, opts ...Option) (*Coordinator, error) {
	if structural == nil {
		return nil, errors.New("structural checker is required")
	}
	if engine == nil {
		return nil, errors.New("consistency engine is required")
	}
	c := &Coordinator{
		structural:  structural,
		consistency: engine,
		reasoner:    reasoner,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:      otel.Tracer("nfaudit/audit"),
		newID:       uuid.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// decisionBuilder accumulates one audit's findings. It never escapes Audit.
type decisionBuilder struct {
	auditID        uuid.UUID
	invoiceKey     string
	stage          invoice.Stage
	irregularities []invoice.Irregularity
	decidedAt      time.Time
}

func (b *decisionBuilder) add(items ...invoice.Irregularity) {
	b.irregularities = append(b.irregularities, items...)
}

func (b *decisionBuilder) findings() []invoice.Irregularity {
	out := make([]invoice.Irregularity, len(b.irregularities))
	copy(out, b.irregularities)
	return out
}

func (b *decisionBuilder) decide(approved bool, confidence float64, rationale, provider string) Result {
	verdict := VerdictRejected
	if approved {
		verdict = VerdictApproved
	}
	return Result{
		Verdict: verdict,
		Decision: &Decision{
			AuditID:        b.auditID,
			InvoiceKey:     b.invoiceKey,
			Approved:       approved,
			Irregularities: b.findings(),
			Confidence:     confidence,
			Rationale:      rationale,
			StageReached:   b.stage,
			Provider:       provider,
			DecidedAt:      b.decidedAt,
		},
	}
}

func (b *decisionBuilder) reject(rationale string) Result {
	return b.decide(false, DeterministicConfidence, rationale, "")
}

func (b *decisionBuilder) inconclusive(reason string, attempts []reasoning.Attempt) Result {
	if attempts == nil {
		attempts = []reasoning.Attempt{}
	}
	return Result{
		Verdict: VerdictInconclusive,
		Inconclusive: &Inconclusive{
			AuditID:        b.auditID,
			InvoiceKey:     b.invoiceKey,
			Reason:         reason,
			Irregularities: invoice.Advisory(b.irregularities),
			Attempts:       attempts,
			StageReached:   invoice.StageReasoning,
			DecidedAt:      b.decidedAt,
		},
	}
}

// Audit runs the pipeline. It never panics and never returns an error: every
// failure becomes a rejection or an Inconclusive result.
func (c *Coordinator) Audit(ctx context.Context, inv invoice.Record) (res Result) {
	start := time.Now()
	b := &decisionBuilder{
		auditID:    c.newID(),
		invoiceKey: inv.Key(),
		stage:      invoice.StageStructural,
		decidedAt:  requestcontext.Now(ctx).UTC(),
	}

	ctx, span := c.tracer.Start(ctx, "audit.run", trace.WithAttributes(
		attribute.String("audit.id", b.auditID.String()),
		attribute.String("invoice.key", b.invoiceKey),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncrementRecoveredPanics()
			c.logger.ErrorContext(ctx, "audit panicked",
				"audit_id", b.auditID,
				"stage", b.stage,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			span.SetStatus(otelcodes.Error, "panic")
			res = b.inconclusive(fmt.Sprintf("internal error during %s stage", b.stage), nil)
		}
		c.finish(ctx, span, res, time.Since(start))
	}()

	// Structural
	outcome := c.runStructural(ctx, inv)
	b.add(outcome.Irregularities...)
	if !outcome.StructurallyValid {
		return b.reject(fmt.Sprintf("structural validation failed: %s", outcome.Errors[0]))
	}

	// Consistency
	b.stage = invoice.StageConsistency
	report := c.runConsistency(ctx, inv)
	b.add(report.Irregularities...)
	if !report.Passed {
		return b.reject(fmt.Sprintf("declared total %s does not match computed total %s (difference %s)",
			report.DeclaredTotal.StringFixed(2), report.ComputedTotal.StringFixed(2), report.Diff.StringFixed(2)))
	}

	// Reasoning
	b.stage = invoice.StageReasoning
	if c.reasoner == nil {
		return b.inconclusive("no reasoning provider configured", nil)
	}
	stageStart := time.Now()
	out, err := c.reasoner.Reason(ctx, inv, invoice.Advisory(b.irregularities))
	c.metrics.ObserveStageLatency(string(invoice.StageReasoning), time.Since(stageStart))
	if err != nil {
		var chain *reasoning.ChainError
		var attempts []reasoning.Attempt
		if errors.As(err, &chain) {
			attempts = chain.Attempts
		}
		c.logger.WarnContext(ctx, "reasoning stage failed",
			"audit_id", b.auditID,
			"attempts", len(attempts),
			"error", err,
		)
		return b.inconclusive(inconclusiveReason(err), attempts)
	}
	b.add(out.Irregularities...)
	return b.decide(out.Approved, clampConfidence(out.Confidence), out.Rationale, out.Provider)
}

// Validate runs only the structural stage. Nothing is decided or recorded.
func (c *Coordinator) Validate(ctx context.Context, inv invoice.Record) ValidationOutcome {
	return c.runStructural(ctx, inv)
}

func (c *Coordinator) runStructural(ctx context.Context, inv invoice.Record) ValidationOutcome {
	ctx, span := c.tracer.Start(ctx, "audit.structural")
	defer span.End()
	start := time.Now()
	outcome := c.structural.Check(ctx, inv)
	c.metrics.ObserveStageLatency(string(invoice.StageStructural), time.Since(start))
	span.SetAttributes(attribute.Bool("valid", outcome.StructurallyValid))
	return outcome
}

func (c *Coordinator) runConsistency(ctx context.Context, inv invoice.Record) consistency.Report {
	ctx, span := c.tracer.Start(ctx, "audit.consistency")
	defer span.End()
	start := time.Now()
	report := c.consistency.Check(ctx, inv)
	c.metrics.ObserveStageLatency(string(invoice.StageConsistency), time.Since(start))
	span.SetAttributes(attribute.Bool("passed", report.Passed), attribute.String("diff", report.Diff.StringFixed(2)))
	return report
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, res Result, elapsed time.Duration) {
	stage := string(res.StageReached())
	c.metrics.IncrementOutcome(string(res.Verdict), stage)
	c.metrics.ObserveAuditLatency(elapsed)
	span.SetAttributes(attribute.String("verdict", string(res.Verdict)), attribute.String("stage", stage))

	attrs := []any{
		"audit_id", res.AuditID(),
		"invoice_key", res.InvoiceKey(),
		"verdict", res.Verdict,
		"stage", stage,
		"duration_ms", elapsed.Milliseconds(),
	}
	if res.Decision != nil {
		attrs = append(attrs, "irregularities", len(res.Decision.Irregularities), "confidence", res.Decision.Confidence)
	}
	c.logger.InfoContext(ctx, "audit completed", attrs...)
}

func inconclusiveReason(err error) string {
	switch {
	case errors.Is(err, reasoning.ErrProviderTimeout):
		return "reasoning providers timed out"
	case errors.Is(err, reasoning.ErrMalformedOutput):
		return "reasoning providers returned unusable output"
	default:
		return "reasoning providers unavailable"
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
