// Package invoice models an NF-e as received for audit and the irregularities
// raised against it.
package invoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind classifies the commercial operation behind the invoice.
type OperationKind string

const (
	OperationPurchase OperationKind = "purchase"
	OperationSale     OperationKind = "sale"
	OperationTransfer OperationKind = "transfer"
	OperationReturn   OperationKind = "return"
)

var operationAliases = map[string]OperationKind{
	"purchase":      OperationPurchase,
	"compra":        OperationPurchase,
	"sale":          OperationSale,
	"venda":         OperationSale,
	"transfer":      OperationTransfer,
	"transferencia": OperationTransfer,
	"return":        OperationReturn,
	"devolucao":     OperationReturn,
}

// ParseOperationKind accepts the canonical names and their Portuguese forms.
func ParseOperationKind(s string) (OperationKind, error) {
	if k, ok := operationAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Party is an issuer or recipient.
type Party struct {
	TaxID string `json:"tax_id"`
	Name  string `json:"name,omitempty"`
	UF    string `json:"uf,omitempty"`
}

// LineItem is one product line.
type LineItem struct {
	ProductCode string          `json:"product_code"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitValue   decimal.Decimal `json:"unit_value"`
	Total       decimal.Decimal `json:"total"`
}

// DeclaredTaxes are the tax amounts printed on the invoice. Nil means not declared.
type DeclaredTaxes struct {
	ICMS   *decimal.Decimal `json:"icms,omitempty"`
	IPI    *decimal.Decimal `json:"ipi,omitempty"`
	PIS    *decimal.Decimal `json:"pis,omitempty"`
	COFINS *decimal.Decimal `json:"cofins,omitempty"`
}

// Record is an invoice submitted for audit. Amounts are exact decimals.
type Record struct {
	AccessKey     string           `json:"access_key"`
	Number        string           `json:"number"`
	Series        string           `json:"series,omitempty"`
	Issuer        Party            `json:"issuer"`
	Recipient     Party            `json:"recipient"`
	CFOP          string           `json:"cfop"`
	Operation     OperationKind    `json:"operation"`
	Jurisdiction  string           `json:"jurisdiction"`
	Regime        string           `json:"regime,omitempty"`
	IssuedAt      time.Time        `json:"issued_at"`
	Items         []LineItem       `json:"items"`
	ProductsTotal *decimal.Decimal `json:"products_total,omitempty"`
	Discount      decimal.Decimal  `json:"discount"`
	Taxes         DeclaredTaxes    `json:"taxes"`
	TaxTotal      *decimal.Decimal `json:"tax_total,omitempty"`
	DeclaredTotal *decimal.Decimal `json:"declared_total,omitempty"`
	RawDocument   string           `json:"raw_document,omitempty"`
}

// ItemsTotal sums the declared line totals.
func (r Record) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range r.Items {
		sum = sum.Add(it.Total)
	}
	return sum
}

// TaxBase is the goods value net of discount.
func (r Record) TaxBase() decimal.Decimal {
	return r.ItemsTotal().Sub(r.Discount)
}

// Key returns a stable identifier for logs and events: the access key when
// present, else the invoice number.
func (r Record) Key() string {
	if r.AccessKey != "" {
		return r.AccessKey
	}
	return r.Number
}

var issueDateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "02/01/2006"}

// ParseIssueDate accepts RFC 3339 timestamps, ISO dates and the DD/MM/YYYY form
// printed on DANFE documents.
func ParseIssueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range issueDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised issue date %q", s)
}
