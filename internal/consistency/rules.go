package consistency

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"nfaudit/internal/fiscal/tax"
	"nfaudit/internal/invoice"
)

// Rule is an advisory heuristic written in CEL over the "invoice" map. A rule
// whose expression evaluates to true raises an advisory irregularity.
//
// Amounts are exposed as integer cents so comparisons stay exact. Declared
// amounts that are absent are -1.
type Rule struct {
	Code       string
	Message    string
	Expression string
}

type compiledRule struct {
	Rule
	program cel.Program
}

// DefaultRules are heuristics that flag improbable but not impossible invoices.
func DefaultRules() []Rule {
	return []Rule{
		{
			Code:       "ICMS_EXCEEDS_PRODUCTS",
			Message:    "declared ICMS exceeds the value of the goods, which is improbable",
			Expression: `invoice.declared_icms_cents > invoice.items_cents`,
		},
		{
			Code:       "DISCOUNT_EXCEEDS_ITEMS",
			Message:    "discount is larger than the sum of items",
			Expression: `invoice.discount_cents > invoice.items_cents`,
		},
		{
			Code:       "DEFAULT_RATE_USED",
			Message:    "expected taxes were computed with default rates for an unknown jurisdiction or regime",
			Expression: `invoice.default_rates_used`,
		},
	}
}

var ruleEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("invoice", cel.MapType(cel.StringType, cel.DynType)))
})

func compileRules(rules []Rule) ([]compiledRule, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %s: %w", r.Code, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %s: %w", r.Code, err)
		}
		out = append(out, compiledRule{Rule: r, program: prg})
	}
	return out, nil
}

func (e *Engine) evalRules(ctx context.Context, inv invoice.Record, items decimal.Decimal, b tax.Breakdown) []invoice.Irregularity {
	if len(e.rules) == 0 {
		return nil
	}
	activation := map[string]any{"invoice": ruleInput(inv, items, b)}

	var out []invoice.Irregularity
	for _, r := range e.rules {
		val, _, err := r.program.Eval(activation)
		if err != nil {
			e.logger.WarnContext(ctx, "advisory rule evaluation failed",
				"rule", r.Code,
				"error", err,
			)
			continue
		}
		hit, ok := val.Value().(bool)
		if !ok {
			e.logger.WarnContext(ctx, "advisory rule did not return bool", "rule", r.Code)
			continue
		}
		if hit {
			out = append(out, advisory(r.Code, r.Message))
		}
	}
	return out
}

func ruleInput(inv invoice.Record, items decimal.Decimal, b tax.Breakdown) map[string]any {
	in := map[string]any{
		"items_cents":           cents(items),
		"discount_cents":        cents(inv.Discount),
		"item_count":            int64(len(inv.Items)),
		"cfop":                  inv.CFOP,
		"operation":             string(inv.Operation),
		"jurisdiction":          inv.Jurisdiction,
		"regime":                b.Regime,
		"computed_taxes_cents":  cents(b.Total()),
		"default_rates_used":    b.UsedDefaults(),
		"declared_total_cents":  optionalCents(inv.DeclaredTotal),
		"products_total_cents":  optionalCents(inv.ProductsTotal),
		"declared_icms_cents":   optionalCents(inv.Taxes.ICMS),
		"declared_ipi_cents":    optionalCents(inv.Taxes.IPI),
		"declared_pis_cents":    optionalCents(inv.Taxes.PIS),
		"declared_cofins_cents": optionalCents(inv.Taxes.COFINS),
	}
	if l, ok := b.Line(tax.ICMS); ok {
		in["computed_icms_cents"] = cents(l.Amount)
	}
	return in
}

func cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func optionalCents(d *decimal.Decimal) int64 {
	if d == nil {
		return -1
	}
	return cents(*d)
}
