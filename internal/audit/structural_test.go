package audit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/invoice"
	"nfaudit/pkg/requestcontext"
)

const (
	validKey   = "35240312345678000195550010000012341123456782"
	validCNPJ  = "12.345.678/0001-95"
	validCPF   = "529.982.247-25"
	otherCNPJ  = "11222333000181"
	invalidCPF = "529.982.247-26"
)

var auditNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func pinnedCtx() context.Context {
	return requestcontext.WithTime(context.Background(), auditNow)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func wellFormed() invoice.Record {
	return invoice.Record{
		AccessKey:    validKey,
		Number:       "1234",
		Series:       "1",
		Issuer:       invoice.Party{TaxID: validCNPJ, UF: "SP"},
		Recipient:    invoice.Party{TaxID: validCPF},
		CFOP:         "5102",
		Operation:    invoice.OperationSale,
		Jurisdiction: "SP",
		Regime:       "non_cumulative",
		IssuedAt:     time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC),
		Items: []invoice.LineItem{{
			ProductCode: "P-1",
			Quantity:    decimal.NewFromInt(10),
			UnitValue:   decimal.NewFromInt(100),
			Total:       decimal.NewFromInt(1000),
		}},
		DeclaredTotal: dec("1180.00"),
	}
}

func newChecker(t *testing.T) *StructuralChecker {
	t.Helper()
	c, err := NewStructuralChecker(tables.MustDefault(), 0)
	require.NoError(t, err)
	return c
}

func codes(items []invoice.Irregularity) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Code)
	}
	return out
}

func TestNewStructuralChecker(t *testing.T) {
	_, err := NewStructuralChecker(nil, 0)
	require.Error(t, err)

	c, err := NewStructuralChecker(tables.MustDefault(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleIssueAge, c.staleAge)
}

func TestStructuralCheckWellFormed(t *testing.T) {
	out := newChecker(t).Check(pinnedCtx(), wellFormed())

	assert.True(t, out.StructurallyValid)
	assert.Empty(t, out.Irregularities)
	assert.Empty(t, out.Errors)
	assert.Empty(t, out.Warnings)
}

func TestStructuralCheckBlocking(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*invoice.Record)
		code   string
	}{
		{"bad access key digit", func(r *invoice.Record) { r.AccessKey = validKey[:43] + "3" }, invoice.CodeAccessKeyInvalid},
		{"short access key", func(r *invoice.Record) { r.AccessKey = "3524" }, invoice.CodeAccessKeyInvalid},
		{"bad recipient CPF", func(r *invoice.Record) { r.Recipient.TaxID = invalidCPF }, invoice.CodeTaxIDInvalid},
		{"repeated digits issuer", func(r *invoice.Record) { r.Issuer.TaxID = "11111111111111" }, invoice.CodeTaxIDInvalid},
		{"missing number", func(r *invoice.Record) { r.Number = "" }, invoice.CodeMissingField},
		{"missing items", func(r *invoice.Record) { r.Items = nil }, invoice.CodeMissingField},
		{"missing declared total", func(r *invoice.Record) { r.DeclaredTotal = nil }, invoice.CodeMissingField},
		{"missing issue date", func(r *invoice.Record) { r.IssuedAt = time.Time{} }, invoice.CodeMissingField},
		{"cfop bad origin", func(r *invoice.Record) { r.CFOP = "4102" }, invoice.CodeCFOPInvalid},
		{"cfop letters", func(r *invoice.Record) { r.CFOP = "51A2" }, invoice.CodeCFOPInvalid},
		{"purchase cfop on sale", func(r *invoice.Record) { r.CFOP = "1102" }, invoice.CodeCFOPUnknown},
		{"cfop outside table", func(r *invoice.Record) { r.CFOP = "5999" }, invoice.CodeCFOPUnknown},
		{"future issue date", func(r *invoice.Record) { r.IssuedAt = auditNow.Add(24 * time.Hour) }, invoice.CodeIssueDateFuture},
		{"negative declared total", func(r *invoice.Record) { r.DeclaredTotal = dec("-1.00") }, invoice.CodeNegativeAmount},
		{"negative discount", func(r *invoice.Record) { r.Discount = decimal.RequireFromString("-5") }, invoice.CodeNegativeAmount},
		{"negative declared tax", func(r *invoice.Record) { r.Taxes.ICMS = dec("-0.01") }, invoice.CodeNegativeAmount},
		{"negative line quantity", func(r *invoice.Record) { r.Items[0].Quantity = decimal.NewFromInt(-1) }, invoice.CodeNegativeAmount},
		{"sub-centavo declared total", func(r *invoice.Record) { r.DeclaredTotal = dec("1180.004") }, invoice.CodeAmountPrecision},
		{"sub-centavo declared tax", func(r *invoice.Record) { r.Taxes.ICMS = dec("180.005") }, invoice.CodeAmountPrecision},
		{"sub-centavo line total", func(r *invoice.Record) { r.Items[0].Total = decimal.RequireFromString("1000.001") }, invoice.CodeAmountPrecision},
		{"blank issuer tax id", func(r *invoice.Record) { r.Issuer.TaxID = "   " }, invoice.CodeMissingField},
		{"empty items", func(r *invoice.Record) { r.Items = []invoice.LineItem{} }, invoice.CodeMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := wellFormed()
			tt.mutate(&inv)
			out := newChecker(t).Check(pinnedCtx(), inv)

			assert.False(t, out.StructurallyValid)
			assert.Contains(t, codes(out.Irregularities), tt.code)
			assert.NotEmpty(t, out.Errors)
			for _, it := range out.Irregularities {
				assert.Equal(t, invoice.StageStructural, it.Stage)
			}
		})
	}
}

func TestStructuralCheckAdvisory(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*invoice.Record)
		code   string
	}{
		{"key issuer differs", func(r *invoice.Record) { r.Issuer.TaxID = otherCNPJ }, invoice.CodeAccessKeyMismatch},
		{"key state differs", func(r *invoice.Record) { r.Jurisdiction = "RJ" }, invoice.CodeAccessKeyMismatch},
		{"key month differs", func(r *invoice.Record) { r.IssuedAt = time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC) }, invoice.CodeAccessKeyMismatch},
		{"key number differs", func(r *invoice.Record) { r.Number = "999" }, invoice.CodeAccessKeyMismatch},
		{"unknown jurisdiction", func(r *invoice.Record) { r.AccessKey = ""; r.Jurisdiction = "XX" }, invoice.CodeUnknownJurisdiction},
		{"stale issue date", func(r *invoice.Record) {
			r.AccessKey = ""
			r.IssuedAt = auditNow.Add(-90 * 24 * time.Hour)
		}, invoice.CodeIssueDateStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := wellFormed()
			tt.mutate(&inv)
			out := newChecker(t).Check(pinnedCtx(), inv)

			assert.True(t, out.StructurallyValid, "errors: %v", out.Errors)
			assert.Contains(t, codes(out.Irregularities), tt.code)
			assert.NotEmpty(t, out.Warnings)
		})
	}
}

func TestStructuralCheckEdgeCases(t *testing.T) {
	t.Run("access key is optional", func(t *testing.T) {
		inv := wellFormed()
		inv.AccessKey = ""
		assert.True(t, newChecker(t).Check(pinnedCtx(), inv).StructurallyValid)
	})

	t.Run("operation inferred when absent", func(t *testing.T) {
		inv := wellFormed()
		inv.Operation = ""
		inv.CFOP = "1102"
		inv.AccessKey = ""
		assert.True(t, newChecker(t).Check(pinnedCtx(), inv).StructurallyValid)
	})

	t.Run("small clock skew tolerated", func(t *testing.T) {
		inv := wellFormed()
		inv.IssuedAt = auditNow.Add(time.Minute)
		inv.AccessKey = ""
		assert.True(t, newChecker(t).Check(pinnedCtx(), inv).StructurallyValid)
	})

	t.Run("dotted cfop accepted", func(t *testing.T) {
		inv := wellFormed()
		inv.CFOP = "5.102"
		assert.True(t, newChecker(t).Check(pinnedCtx(), inv).StructurallyValid)
	})

	t.Run("findings keep check order", func(t *testing.T) {
		inv := wellFormed()
		inv.Number = ""
		inv.AccessKey = validKey[:43] + "3"
		out := newChecker(t).Check(pinnedCtx(), inv)
		assert.Equal(t, []string{invoice.CodeMissingField, invoice.CodeAccessKeyInvalid}, codes(out.Irregularities))
	})
}

func TestStructuralCheckRequiredFieldNames(t *testing.T) {
	out := newChecker(t).Check(pinnedCtx(), invoice.Record{})

	assert.False(t, out.StructurallyValid)
	assert.Equal(t, []string{
		"required field number is missing",
		"required field issuer.tax_id is missing",
		"required field recipient.tax_id is missing",
		"required field cfop is missing",
		"required field jurisdiction is missing",
		"required field issued_at is missing",
		"required field items is missing",
		"required field declared_total is missing",
	}, out.Errors)
}

func TestStructuralCheckAmountPrecision(t *testing.T) {
	t.Run("trailing zeros are not extra precision", func(t *testing.T) {
		inv := wellFormed()
		inv.DeclaredTotal = dec("1180.000")
		inv.Discount = decimal.RequireFromString("0.0000")
		out := newChecker(t).Check(pinnedCtx(), inv)
		assert.True(t, out.StructurallyValid, "errors: %v", out.Errors)
		assert.NotContains(t, codes(out.Irregularities), invoice.CodeAmountPrecision)
	})

	t.Run("quantities and unit values may carry more places", func(t *testing.T) {
		inv := wellFormed()
		inv.Items[0].Quantity = decimal.RequireFromString("10.0000")
		inv.Items[0].UnitValue = decimal.RequireFromString("99.9999999999")
		out := newChecker(t).Check(pinnedCtx(), inv)
		assert.NotContains(t, codes(out.Irregularities), invoice.CodeAmountPrecision)
	})

	t.Run("message names the field", func(t *testing.T) {
		inv := wellFormed()
		inv.ProductsTotal = dec("1000.123")
		out := newChecker(t).Check(pinnedCtx(), inv)
		require.False(t, out.StructurallyValid)
		assert.Contains(t, out.Errors, "products_total has more than 2 decimal places (1000.123)")
	})
}
