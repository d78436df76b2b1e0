package consistency

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/fiscal/tax"
	"nfaudit/internal/invoice"
)

// =============================================================================
// Consistency Engine Test Suite
// =============================================================================
// Justification: the total reconciliation is the only arithmetic gate between
// structural checks and the reasoning stage. Tests pin the formula, the
// tolerance boundary and the advisory findings raised on a passing invoice.

type EngineSuite struct {
	suite.Suite
	calc   *tax.Calculator
	engine *Engine
	ctx    context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	calc, err := tax.NewCalculator(tables.MustDefault())
	s.Require().NoError(err)
	s.calc = calc
	s.engine, err = New(calc)
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

// baseInvoice: two items worth 1000.00 in SP, so ICMS at 18% is 180.00.
func baseInvoice() invoice.Record {
	return invoice.Record{
		CFOP:         "5102",
		Operation:    invoice.OperationSale,
		Jurisdiction: "SP",
		Regime:       "non_cumulative",
		Items: []invoice.LineItem{
			{ProductCode: "A1", Quantity: d("2"), UnitValue: d("300.00"), Total: d("600.00")},
			{ProductCode: "B2", Quantity: d("4"), UnitValue: d("100.00"), Total: d("400.00")},
		},
		DeclaredTotal: ptr("1180.00"),
	}
}

// =============================================================================
// Constructor
// =============================================================================

func (s *EngineSuite) TestNew() {
	s.Run("nil tax computer returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "tax computer is required")
	})

	s.Run("negative tolerance is ignored", func() {
		e, err := New(s.calc, WithTolerance(d("-1")))
		s.Require().NoError(err)
		s.True(e.Tolerance().Equal(DefaultTolerance))
	})

	s.Run("invalid rule expression returns error", func() {
		_, err := New(s.calc, WithRules([]Rule{{Code: "BROKEN", Expression: "invoice.items_cents >"}}))
		s.Error(err)
		s.Contains(err.Error(), "BROKEN")
	})
}

// =============================================================================
// Total reconciliation
// =============================================================================

func (s *EngineSuite) TestExactMatchPassesWithZeroDiff() {
	r := s.engine.Check(s.ctx, baseInvoice())

	s.True(r.Passed)
	s.True(r.Diff.IsZero())
	s.True(r.ComputedTotal.Equal(d("1180.00")))
	s.False(invoice.AnyBlocking(r.Irregularities))
}

func (s *EngineSuite) TestToleranceBoundary() {
	s.Run("diff equal to tolerance passes", func() {
		inv := baseInvoice()
		inv.DeclaredTotal = ptr("1180.10")
		r := s.engine.Check(s.ctx, inv)
		s.True(r.Passed)
		s.True(r.Diff.Equal(d("0.10")))
	})

	s.Run("diff one cent over tolerance fails", func() {
		inv := baseInvoice()
		inv.DeclaredTotal = ptr("1180.11")
		r := s.engine.Check(s.ctx, inv)
		s.False(r.Passed)
		s.Require().Len(r.Irregularities, 1)
		s.Equal(invoice.CodeTotalMismatch, r.Irregularities[0].Code)
	})

	s.Run("configured tolerance applies", func() {
		e, err := New(s.calc, WithTolerance(d("1.00")))
		s.Require().NoError(err)
		inv := baseInvoice()
		inv.DeclaredTotal = ptr("1179.00")
		s.True(e.Check(s.ctx, inv).Passed)
	})
}

func (s *EngineSuite) TestMismatchReportsDiff() {
	inv := baseInvoice()
	inv.DeclaredTotal = ptr("1465.50")

	r := s.engine.Check(s.ctx, inv)

	s.False(r.Passed)
	s.True(r.Diff.Equal(d("285.50")))
	s.Require().Len(r.Irregularities, 1)
	irr := r.Irregularities[0]
	s.Equal(invoice.CodeTotalMismatch, irr.Code)
	s.Equal(invoice.SeverityBlocking, irr.Severity)
	s.Equal(invoice.StageConsistency, irr.Stage)
	s.Contains(irr.Message, "285.50")
}

func (s *EngineSuite) TestDiscountReducesBaseAndTotal() {
	inv := baseInvoice()
	inv.Discount = d("100.00")
	// base 900.00, ICMS 162.00, total 1000 + 162 - 100
	inv.DeclaredTotal = ptr("1062.00")

	r := s.engine.Check(s.ctx, inv)

	s.True(r.Passed)
	s.True(r.Breakdown.Base.Equal(d("900.00")))
}

func (s *EngineSuite) TestMissingDeclaredTotalFails() {
	inv := baseInvoice()
	inv.DeclaredTotal = nil

	r := s.engine.Check(s.ctx, inv)

	s.False(r.Passed)
	s.Require().Len(r.Irregularities, 1)
	s.Equal(invoice.CodeMissingField, r.Irregularities[0].Code)
}

// =============================================================================
// Advisory findings
// =============================================================================

func (s *EngineSuite) TestAdvisories() {
	codes := func(r Report) []string {
		var out []string
		for _, irr := range r.Irregularities {
			s.Equal(invoice.SeverityAdvisory, irr.Severity)
			out = append(out, irr.Code)
		}
		return out
	}

	s.Run("clean invoice has none", func() {
		s.Empty(s.engine.Check(s.ctx, baseInvoice()).Irregularities)
	})

	s.Run("line total disagrees with quantity times unit value", func() {
		inv := baseInvoice()
		inv.Items[0].UnitValue = d("250.00")
		s.Contains(codes(s.engine.Check(s.ctx, inv)), invoice.CodeLineTotalMismatch)
	})

	s.Run("declared products total disagrees with items", func() {
		inv := baseInvoice()
		inv.ProductsTotal = ptr("990.00")
		s.Contains(codes(s.engine.Check(s.ctx, inv)), invoice.CodeProductsTotalMismatch)
	})

	s.Run("declared ICMS outside tax tolerance", func() {
		inv := baseInvoice()
		inv.Taxes.ICMS = ptr("150.00")
		s.Contains(codes(s.engine.Check(s.ctx, inv)), invoice.CodeTaxAmountMismatch)
	})

	s.Run("declared ICMS within tax tolerance", func() {
		inv := baseInvoice()
		inv.Taxes.ICMS = ptr("180.40")
		s.Empty(codes(s.engine.Check(s.ctx, inv)))
	})

	s.Run("declared tax total disagrees", func() {
		inv := baseInvoice()
		inv.TaxTotal = ptr("180.00")
		s.Contains(codes(s.engine.Check(s.ctx, inv)), invoice.CodeTaxTotalMismatch)
	})

	s.Run("ICMS above goods value trips the CEL rule", func() {
		inv := baseInvoice()
		inv.Taxes.ICMS = ptr("1500.00")
		s.Contains(codes(s.engine.Check(s.ctx, inv)), "ICMS_EXCEEDS_PRODUCTS")
	})

	s.Run("unknown jurisdiction flags default rates", func() {
		inv := baseInvoice()
		inv.Jurisdiction = "XX"
		s.Contains(codes(s.engine.Check(s.ctx, inv)), "DEFAULT_RATE_USED")
	})

	s.Run("custom rules replace defaults", func() {
		e, err := New(s.calc, WithRules([]Rule{{
			Code:       "MANY_ITEMS",
			Message:    "unusually many items",
			Expression: `invoice.item_count >= 2`,
		}}))
		s.Require().NoError(err)
		inv := baseInvoice()
		inv.Jurisdiction = "XX"
		s.Equal([]string{"MANY_ITEMS"}, codes(e.Check(s.ctx, inv)))
	})
}
