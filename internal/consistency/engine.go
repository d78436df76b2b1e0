// Package consistency reconciles an invoice's declared total against its line
// items and the taxes computed for it.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"

	"nfaudit/internal/fiscal/tax"
	"nfaudit/internal/invoice"
)

var (
	// DefaultTolerance is the accepted gap between declared and computed totals.
	DefaultTolerance = decimal.RequireFromString("0.10")
	// DefaultTaxTolerance is the accepted gap per declared tax amount.
	DefaultTaxTolerance = decimal.RequireFromString("0.50")
)

// TaxComputer produces the tax breakdown for a base.
type TaxComputer interface {
	Compute(base decimal.Decimal, jurisdiction, regime string) tax.Breakdown
}

// Report is the outcome of a consistency check.
type Report struct {
	Passed         bool
	ComputedTotal  decimal.Decimal
	DeclaredTotal  decimal.Decimal
	Diff           decimal.Decimal
	Breakdown      tax.Breakdown
	Irregularities []invoice.Irregularity
}

// Engine runs the check. It holds only immutable configuration.
type Engine struct {
	calc         TaxComputer
	tolerance    decimal.Decimal
	taxTolerance decimal.Decimal
	rules        []compiledRule
	pendingRules []Rule
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTolerance sets the total tolerance. Negative values are ignored.
func WithTolerance(d decimal.Decimal) Option {
	return func(e *Engine) {
		if !d.IsNegative() {
			e.tolerance = d
		}
	}
}

// WithTaxTolerance sets the per-tax tolerance. Negative values are ignored.
func WithTaxTolerance(d decimal.Decimal) Option {
	return func(e *Engine) {
		if !d.IsNegative() {
			e.taxTolerance = d
		}
	}
}

// WithLogger sets the logger used for rule evaluation failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRules replaces the default advisory rules.
func WithRules(rules []Rule) Option {
	return func(e *Engine) {
		e.pendingRules = rules
	}
}

// New builds an engine. Advisory rules are compiled up front.
func New(calc TaxComputer, opts ...Option) (*Engine, error) {
	if calc == nil {
		return nil, errors.New("tax computer is required")
	}
	e := &Engine{
		calc:         calc,
		tolerance:    DefaultTolerance,
		taxTolerance: DefaultTaxTolerance,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		pendingRules: DefaultRules(),
	}
	for _, opt := range opts {
		opt(e)
	}
	compiled, err := compileRules(e.pendingRules)
	if err != nil {
		return nil, err
	}
	e.rules = compiled
	e.pendingRules = nil
	return e, nil
}

// Tolerance returns the configured total tolerance.
func (e *Engine) Tolerance() decimal.Decimal {
	return e.tolerance
}

// Check reconciles the declared total:
//
//	computed = Σ line totals + Σ taxes composing the total − discount
//
// and passes iff |computed − declared| ≤ tolerance. A failing check carries a
// single blocking TOTAL_MISMATCH; a passing one may carry advisory findings.
func (e *Engine) Check(ctx context.Context, inv invoice.Record) Report {
	items := inv.ItemsTotal()
	breakdown := e.calc.Compute(items.Sub(inv.Discount), inv.Jurisdiction, inv.Regime)
	computed := items.Add(breakdown.TotalComposing()).Sub(inv.Discount)

	r := Report{
		ComputedTotal: computed,
		Breakdown:     breakdown,
	}
	if inv.DeclaredTotal == nil {
		r.Irregularities = []invoice.Irregularity{blocking(invoice.CodeMissingField, "declared total is missing")}
		return r
	}

	r.DeclaredTotal = *inv.DeclaredTotal
	r.Diff = computed.Sub(r.DeclaredTotal).Abs()
	if r.Diff.GreaterThan(e.tolerance) {
		r.Irregularities = []invoice.Irregularity{blocking(invoice.CodeTotalMismatch, fmt.Sprintf(
			"declared total %s differs from computed total %s by %s (tolerance %s)",
			r.DeclaredTotal.StringFixed(2), computed.StringFixed(2), r.Diff.StringFixed(2), e.tolerance.StringFixed(2),
		))}
		return r
	}

	r.Passed = true
	r.Irregularities = e.advisories(ctx, inv, items, breakdown)
	return r
}

func (e *Engine) advisories(ctx context.Context, inv invoice.Record, items decimal.Decimal, b tax.Breakdown) []invoice.Irregularity {
	var out []invoice.Irregularity

	for i, it := range inv.Items {
		expected := it.Quantity.Mul(it.UnitValue)
		if expected.Sub(it.Total).Abs().GreaterThan(e.tolerance) {
			out = append(out, advisory(invoice.CodeLineTotalMismatch, fmt.Sprintf(
				"item %d (%s): quantity × unit value is %s but line total is %s",
				i+1, it.ProductCode, expected.StringFixed(2), it.Total.StringFixed(2),
			)))
		}
	}

	if inv.ProductsTotal != nil && inv.ProductsTotal.Sub(items).Abs().GreaterThan(e.tolerance) {
		out = append(out, advisory(invoice.CodeProductsTotalMismatch, fmt.Sprintf(
			"declared products total %s differs from sum of items %s",
			inv.ProductsTotal.StringFixed(2), items.StringFixed(2),
		)))
	}

	declared := map[tax.Kind]*decimal.Decimal{
		tax.ICMS:   inv.Taxes.ICMS,
		tax.IPI:    inv.Taxes.IPI,
		tax.PIS:    inv.Taxes.PIS,
		tax.COFINS: inv.Taxes.COFINS,
	}
	for _, line := range b.Lines {
		d := declared[line.Tax]
		if d == nil {
			continue
		}
		if d.Sub(line.Amount).Abs().GreaterThan(e.taxTolerance) {
			out = append(out, advisory(invoice.CodeTaxAmountMismatch, fmt.Sprintf(
				"declared %s %s differs from expected %s at %s%% (%s rate)",
				line.Tax, d.StringFixed(2), line.Amount.StringFixed(2), line.Rate.String(), line.RateSource,
			)))
		}
	}

	if inv.TaxTotal != nil && inv.TaxTotal.Sub(b.Total()).Abs().GreaterThan(e.taxTolerance) {
		out = append(out, advisory(invoice.CodeTaxTotalMismatch, fmt.Sprintf(
			"declared tax total %s differs from computed %s",
			inv.TaxTotal.StringFixed(2), b.Total().StringFixed(2),
		)))
	}

	return append(out, e.evalRules(ctx, inv, items, b)...)
}

func blocking(code, msg string) invoice.Irregularity {
	return invoice.Irregularity{Code: code, Message: msg, Severity: invoice.SeverityBlocking, Stage: invoice.StageConsistency}
}

func advisory(code, msg string) invoice.Irregularity {
	return invoice.Irregularity{Code: code, Message: msg, Severity: invoice.SeverityAdvisory, Stage: invoice.StageConsistency}
}
