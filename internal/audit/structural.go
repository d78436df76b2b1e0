package audit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"nfaudit/internal/fiscal/identifier"
	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/invoice"
	"nfaudit/pkg/requestcontext"
)

// DefaultStaleIssueAge is how old an issue date may be before it is flagged.
const DefaultStaleIssueAge = 60 * 24 * time.Hour

// clockSkew tolerates issuer clocks slightly ahead of ours.
const clockSkew = 5 * time.Minute

// operationOrder is tried when an invoice does not state its operation kind.
var operationOrder = []invoice.OperationKind{
	invoice.OperationSale,
	invoice.OperationPurchase,
	invoice.OperationTransfer,
	invoice.OperationReturn,
}

// StructuralChecker runs identifier checks and required-field presence.
type StructuralChecker struct {
	tables    *tables.Tables
	validator *identifier.Validator
	staleAge  time.Duration
}

// NewStructuralChecker binds the checker to reference tables. staleAge <= 0
// selects DefaultStaleIssueAge.
func NewStructuralChecker(t *tables.Tables, staleAge time.Duration) (*StructuralChecker, error) {
	if t == nil {
		return nil, errors.New("reference tables are required")
	}
	v, err := identifier.NewValidator(t)
	if err != nil {
		return nil, err
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleIssueAge
	}
	return &StructuralChecker{tables: t, validator: v, staleAge: staleAge}, nil
}

type outcomeBuilder struct {
	items []invoice.Irregularity
}

func (b *outcomeBuilder) add(code string, sev invoice.Severity, format string, args ...any) {
	b.items = append(b.items, invoice.Irregularity{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
		Stage:    invoice.StageStructural,
	})
}

func (b *outcomeBuilder) blocking(code, format string, args ...any) {
	b.add(code, invoice.SeverityBlocking, format, args...)
}

func (b *outcomeBuilder) advisory(code, format string, args ...any) {
	b.add(code, invoice.SeverityAdvisory, format, args...)
}

func (b *outcomeBuilder) build() ValidationOutcome {
	out := ValidationOutcome{
		StructurallyValid: !invoice.AnyBlocking(b.items),
		Errors:            []string{},
		Warnings:          []string{},
		Irregularities:    b.items,
	}
	if out.Irregularities == nil {
		out.Irregularities = []invoice.Irregularity{}
	}
	for _, it := range b.items {
		if it.Blocking() {
			out.Errors = append(out.Errors, it.Message)
		} else {
			out.Warnings = append(out.Warnings, it.Message)
		}
	}
	return out
}

// Check validates inv. "Now" comes from ctx so callers can pin the clock.
func (c *StructuralChecker) Check(ctx context.Context, inv invoice.Record) ValidationOutcome {
	var b outcomeBuilder

	c.checkRequired(&b, inv)
	c.checkTaxIDs(&b, inv)
	c.checkAccessKey(&b, inv)
	c.checkCFOP(&b, inv)
	c.checkJurisdiction(&b, inv)
	c.checkIssueDate(&b, inv, requestcontext.Now(ctx))
	checkAmounts(&b, inv)

	return b.build()
}

// requiredFields is the presence view of a record. The field tag is the name
// reported in MISSING_FIELD messages; declaration order is report order.
type requiredFields struct {
	Number         string             `field:"number" validate:"required"`
	IssuerTaxID    string             `field:"issuer.tax_id" validate:"required"`
	RecipientTaxID string             `field:"recipient.tax_id" validate:"required"`
	CFOP           string             `field:"cfop" validate:"required"`
	Jurisdiction   string             `field:"jurisdiction" validate:"required"`
	IssuedAt       *time.Time         `field:"issued_at" validate:"required"`
	Items          []invoice.LineItem `field:"items" validate:"min=1"`
	DeclaredTotal  *decimal.Decimal   `field:"declared_total" validate:"required"`
}

var presence = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("field")
	})
	return v
}()

func requiredView(inv invoice.Record) requiredFields {
	rf := requiredFields{
		Number:         strings.TrimSpace(inv.Number),
		IssuerTaxID:    strings.TrimSpace(inv.Issuer.TaxID),
		RecipientTaxID: strings.TrimSpace(inv.Recipient.TaxID),
		CFOP:           strings.TrimSpace(inv.CFOP),
		Jurisdiction:   strings.TrimSpace(inv.Jurisdiction),
		Items:          inv.Items,
		DeclaredTotal:  inv.DeclaredTotal,
	}
	if !inv.IssuedAt.IsZero() {
		issued := inv.IssuedAt
		rf.IssuedAt = &issued
	}
	return rf
}

func (c *StructuralChecker) checkRequired(b *outcomeBuilder, inv invoice.Record) {
	err := presence.Struct(requiredView(inv))
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		b.blocking(invoice.CodeMissingField, "required fields could not be checked: %v", err)
		return
	}
	for _, fe := range fieldErrs {
		b.blocking(invoice.CodeMissingField, "required field %s is missing", fe.Field())
	}
}

func (c *StructuralChecker) checkTaxIDs(b *outcomeBuilder, inv invoice.Record) {
	for _, p := range []struct {
		role string
		id   string
	}{
		{"issuer", inv.Issuer.TaxID},
		{"recipient", inv.Recipient.TaxID},
	} {
		if strings.TrimSpace(p.id) == "" {
			continue
		}
		if res := identifier.ValidateTaxID(p.id); !res.Valid {
			b.blocking(invoice.CodeTaxIDInvalid, "%s tax id %s: %s", p.role, p.id, res.Reason)
		}
	}
}

// checkAccessKey validates the key when present and cross-checks the fields
// it encodes against the invoice.
func (c *StructuralChecker) checkAccessKey(b *outcomeBuilder, inv invoice.Record) {
	if strings.TrimSpace(inv.AccessKey) == "" {
		return
	}
	parts, res := identifier.ParseAccessKey(inv.AccessKey)
	if !res.Valid {
		b.blocking(invoice.CodeAccessKeyInvalid, "access key: %s", res.Reason)
		return
	}

	if kind, ok := identifier.KindOf(inv.Issuer.TaxID); ok && kind == identifier.KindEntity {
		if issuer := digits(inv.Issuer.TaxID); issuer != parts.IssuerTaxID {
			b.advisory(invoice.CodeAccessKeyMismatch,
				"access key encodes issuer %s but invoice issuer is %s", parts.IssuerTaxID, issuer)
		}
	}
	if uf, ok := c.validator.UFOfAccessKey(parts); ok && inv.Jurisdiction != "" &&
		!strings.EqualFold(uf, inv.Jurisdiction) {
		b.advisory(invoice.CodeAccessKeyMismatch,
			"access key encodes state %s but invoice jurisdiction is %s", uf, strings.ToUpper(inv.Jurisdiction))
	}
	if !inv.IssuedAt.IsZero() &&
		(parts.Year() != inv.IssuedAt.Year() || parts.Month() != int(inv.IssuedAt.Month())) {
		b.advisory(invoice.CodeAccessKeyMismatch,
			"access key encodes issue month %04d-%02d but invoice was issued %s",
			parts.Year(), parts.Month(), inv.IssuedAt.Format("2006-01"))
	}
	if inv.Number != "" && strings.TrimLeft(parts.Number, "0") != strings.TrimLeft(digits(inv.Number), "0") {
		b.advisory(invoice.CodeAccessKeyMismatch,
			"access key encodes invoice number %s but invoice number is %s", strings.TrimLeft(parts.Number, "0"), inv.Number)
	}
}

func (c *StructuralChecker) checkCFOP(b *outcomeBuilder, inv invoice.Record) {
	if strings.TrimSpace(inv.CFOP) == "" {
		return
	}
	res := c.validateCFOP(inv.CFOP, inv.Operation)
	if res.Valid {
		return
	}
	switch res.Code {
	case identifier.CodeBadFormat, identifier.CodeBadOrigin, identifier.CodeEmpty:
		b.blocking(invoice.CodeCFOPInvalid, "%s", res.Reason)
	default:
		b.blocking(invoice.CodeCFOPUnknown, "%s", res.Reason)
	}
}

// validateCFOP checks against the stated operation, or against every known
// operation when none is stated.
func (c *StructuralChecker) validateCFOP(code string, kind invoice.OperationKind) identifier.Result {
	if kind != "" {
		return c.validator.ValidateCFOP(code, kind)
	}
	var first identifier.Result
	for i, k := range operationOrder {
		res := c.validator.ValidateCFOP(code, k)
		if res.Valid {
			return res
		}
		if i == 0 {
			first = res
		}
	}
	return first
}

func (c *StructuralChecker) checkJurisdiction(b *outcomeBuilder, inv invoice.Record) {
	if inv.Jurisdiction == "" || c.tables.KnownUF(inv.Jurisdiction) {
		return
	}
	b.advisory(invoice.CodeUnknownJurisdiction,
		"jurisdiction %s has no ICMS rate, default rate applies", inv.Jurisdiction)
}

func (c *StructuralChecker) checkIssueDate(b *outcomeBuilder, inv invoice.Record, now time.Time) {
	if inv.IssuedAt.IsZero() {
		return
	}
	if inv.IssuedAt.After(now.Add(clockSkew)) {
		b.blocking(invoice.CodeIssueDateFuture, "issue date %s is in the future", inv.IssuedAt.Format(time.RFC3339))
		return
	}
	if now.Sub(inv.IssuedAt) > c.staleAge {
		b.advisory(invoice.CodeIssueDateStale, "issue date %s is older than %d days",
			inv.IssuedAt.Format("2006-01-02"), int(c.staleAge.Hours()/24))
	}
}

// moneyPlaces is the number of decimal places NF-e monetary fields carry.
const moneyPlaces = 2

func checkAmounts(b *outcomeBuilder, inv invoice.Record) {
	money := func(field string, v decimal.Decimal) {
		if v.IsNegative() {
			b.blocking(invoice.CodeNegativeAmount, "%s is negative (%s)", field, v.StringFixed(2))
		}
		if v.Exponent() < -moneyPlaces && !v.Equal(v.Round(moneyPlaces)) {
			b.blocking(invoice.CodeAmountPrecision, "%s has more than %d decimal places (%s)", field, moneyPlaces, v.String())
		}
	}
	negative := func(field string, v decimal.Decimal) {
		if v.IsNegative() {
			b.blocking(invoice.CodeNegativeAmount, "%s is negative (%s)", field, v.StringFixed(2))
		}
	}
	if inv.DeclaredTotal != nil {
		money("declared_total", *inv.DeclaredTotal)
	}
	if inv.ProductsTotal != nil {
		money("products_total", *inv.ProductsTotal)
	}
	if inv.TaxTotal != nil {
		money("tax_total", *inv.TaxTotal)
	}
	money("discount", inv.Discount)
	for _, t := range []struct {
		name string
		v    *decimal.Decimal
	}{
		{"taxes.icms", inv.Taxes.ICMS},
		{"taxes.ipi", inv.Taxes.IPI},
		{"taxes.pis", inv.Taxes.PIS},
		{"taxes.cofins", inv.Taxes.COFINS},
	} {
		if t.v != nil {
			money(t.name, *t.v)
		}
	}
	// quantities and unit values legitimately carry up to 4 and 10 places
	for i, it := range inv.Items {
		negative(fmt.Sprintf("items[%d].quantity", i), it.Quantity)
		negative(fmt.Sprintf("items[%d].unit_value", i), it.UnitValue)
		money(fmt.Sprintf("items[%d].total", i), it.Total)
	}
}

func digits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
