package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"nfaudit/internal/invoice"
	dErrors "nfaudit/pkg/domain-errors"
)

// AuditRequest is the HTTP body for POST /audits. Missing fields are left for
// the structural stage to report; only values that cannot be parsed are
// rejected here.
type AuditRequest struct {
	AccessKey     string                `json:"access_key"`
	Number        string                `json:"number"`
	Series        string                `json:"series"`
	Issuer        invoice.Party         `json:"issuer"`
	Recipient     invoice.Party         `json:"recipient"`
	CFOP          string                `json:"cfop"`
	Operation     string                `json:"operation"`
	Jurisdiction  string                `json:"jurisdiction"`
	Regime        string                `json:"regime"`
	IssuedAt      string                `json:"issued_at"`
	Items         []invoice.LineItem    `json:"items"`
	ProductsTotal *decimal.Decimal      `json:"products_total"`
	Discount      decimal.Decimal       `json:"discount"`
	Taxes         invoice.DeclaredTaxes `json:"taxes"`
	TaxTotal      *decimal.Decimal      `json:"tax_total"`
	DeclaredTotal *decimal.Decimal      `json:"declared_total"`
	RawDocument   string                `json:"raw_document"`

	// Parsed values (populated by Validate)
	issuedAt  time.Time
	operation invoice.OperationKind
}

// Validate parses dates and operation kinds.
// Implements the Validatable interface for httputil.DecodeAndPrepare.
func (r *AuditRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	return r.validate("")
}

func (r *AuditRequest) validate(prefix string) error {
	if s := strings.TrimSpace(r.IssuedAt); s != "" {
		t, err := invoice.ParseIssueDate(s)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, prefix+"issued_at is not a recognised date")
		}
		r.issuedAt = t
	}
	if s := strings.TrimSpace(r.Operation); s != "" {
		op, err := invoice.ParseOperationKind(s)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, prefix+"operation must be one of purchase, sale, transfer, return")
		}
		r.operation = op
	}
	if len(r.Items) > maxItems {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%sitems must have at most %d entries", prefix, maxItems))
	}
	return nil
}

const maxItems = 990

// Record converts the validated request into the domain record.
func (r *AuditRequest) Record() invoice.Record {
	return invoice.Record{
		AccessKey:     strings.TrimSpace(r.AccessKey),
		Number:        strings.TrimSpace(r.Number),
		Series:        strings.TrimSpace(r.Series),
		Issuer:        r.Issuer,
		Recipient:     r.Recipient,
		CFOP:          strings.TrimSpace(r.CFOP),
		Operation:     r.operation,
		Jurisdiction:  strings.TrimSpace(r.Jurisdiction),
		Regime:        strings.TrimSpace(r.Regime),
		IssuedAt:      r.issuedAt,
		Items:         r.Items,
		ProductsTotal: r.ProductsTotal,
		Discount:      r.Discount,
		Taxes:         r.Taxes,
		TaxTotal:      r.TaxTotal,
		DeclaredTotal: r.DeclaredTotal,
		RawDocument:   r.RawDocument,
	}
}

// BatchRequest is the HTTP body for POST /audits/batch.
type BatchRequest struct {
	Invoices []AuditRequest `json:"invoices"`
}

// Validate checks every invoice in the batch. The size cap is configured per
// handler and checked there.
func (r *BatchRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Invoices) == 0 {
		return dErrors.New(dErrors.CodeValidation, "invoices must not be empty")
	}
	for i := range r.Invoices {
		if err := r.Invoices[i].validate(fmt.Sprintf("invoices[%d].", i)); err != nil {
			return err
		}
	}
	return nil
}

// Records converts every invoice in the batch.
func (r *BatchRequest) Records() []invoice.Record {
	out := make([]invoice.Record, len(r.Invoices))
	for i := range r.Invoices {
		out[i] = r.Invoices[i].Record()
	}
	return out
}
