// Package tax computes the expected ICMS, IPI, PIS and COFINS for a taxable base.
package tax

import (
	"errors"

	"github.com/shopspring/decimal"

	"nfaudit/internal/fiscal/tables"
)

// Kind names a tax.
type Kind string

const (
	ICMS   Kind = "ICMS"
	IPI    Kind = "IPI"
	PIS    Kind = "PIS"
	COFINS Kind = "COFINS"
)

// Rounding selects where amounts are rounded to cents.
type Rounding int

const (
	// RoundPerLine rounds each tax line once; sums are taken over rounded lines.
	RoundPerLine Rounding = iota
	// RoundAggregate keeps line amounts exact and rounds only the sums.
	RoundAggregate
)

// Line is one computed tax.
type Line struct {
	Tax           Kind              `json:"tax"`
	Rate          decimal.Decimal   `json:"rate"`
	Amount        decimal.Decimal   `json:"amount"`
	RateSource    tables.RateSource `json:"rate_source"`
	ComposesTotal bool              `json:"composes_total"`
}

// Breakdown is the full computation for one base.
type Breakdown struct {
	Base         decimal.Decimal `json:"base"`
	Jurisdiction string          `json:"jurisdiction"`
	Regime       string          `json:"regime"`
	Lines        []Line          `json:"lines"`
	rounding     Rounding
}

// Line returns the line for a tax.
func (b Breakdown) Line(k Kind) (Line, bool) {
	for _, l := range b.Lines {
		if l.Tax == k {
			return l, true
		}
	}
	return Line{}, false
}

// Total sums every tax line.
func (b Breakdown) Total() decimal.Decimal {
	return b.sum(func(Line) bool { return true })
}

// TotalComposing sums the lines added on top of goods in the invoice total.
func (b Breakdown) TotalComposing() decimal.Decimal {
	return b.sum(func(l Line) bool { return l.ComposesTotal })
}

// UsedDefaults reports whether any rate fell back to a default.
func (b Breakdown) UsedDefaults() bool {
	for _, l := range b.Lines {
		if l.RateSource == tables.SourceDefault {
			return true
		}
	}
	return false
}

func (b Breakdown) sum(include func(Line) bool) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Lines {
		if include(l) {
			total = total.Add(l.Amount)
		}
	}
	if b.rounding == RoundAggregate {
		return total.Round(2)
	}
	return total
}

// Calculator is stateless apart from its immutable tables.
type Calculator struct {
	tables   *tables.Tables
	rounding Rounding
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithRounding overrides the default per-line rounding.
func WithRounding(r Rounding) Option {
	return func(c *Calculator) {
		c.rounding = r
	}
}

// NewCalculator binds a calculator to reference tables.
func NewCalculator(t *tables.Tables, opts ...Option) (*Calculator, error) {
	if t == nil {
		return nil, errors.New("reference tables are required")
	}
	c := &Calculator{tables: t, rounding: RoundPerLine}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compute returns the tax breakdown for base. Unknown jurisdictions or regimes
// fall back to default rates and are marked as such; they are not errors.
func (c *Calculator) Compute(base decimal.Decimal, jurisdiction, regime string) Breakdown {
	icmsRate, icmsSrc := c.tables.ICMSRate(jurisdiction)
	rr, regimeSrc := c.tables.Regime(regime)

	b := Breakdown{
		Base:         base,
		Jurisdiction: jurisdiction,
		Regime:       rr.Name,
		rounding:     c.rounding,
	}
	b.Lines = []Line{
		c.line(ICMS, base, icmsRate, icmsSrc),
		c.line(IPI, base, rr.IPI, regimeSrc),
		c.line(PIS, base, rr.PIS, regimeSrc),
		c.line(COFINS, base, rr.COFINS, regimeSrc),
	}
	return b
}

func (c *Calculator) line(k Kind, base, rate decimal.Decimal, src tables.RateSource) Line {
	return Line{
		Tax:           k,
		Rate:          rate,
		Amount:        c.amount(base, rate),
		RateSource:    src,
		ComposesTotal: c.tables.ComposesTotal(string(k)),
	}
}

// amount is base × rate / 100. Round is half away from zero, which is
// half-up for the non-negative bases audited here.
func (c *Calculator) amount(base, rate decimal.Decimal) decimal.Decimal {
	v := base.Mul(rate).Shift(-2)
	if c.rounding == RoundPerLine {
		return v.Round(2)
	}
	return v
}
