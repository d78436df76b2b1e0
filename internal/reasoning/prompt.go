package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"nfaudit/internal/invoice"
	"nfaudit/internal/retrieval"
)

const systemPrompt = `You are a Brazilian tax auditor reviewing an NF-e that already passed
structural and arithmetic checks. Use the reference passages and tools when needed.
Answer with a single JSON object and nothing else:
{"approved": bool, "irregularities": [{"code": string, "message": string, "severity": "blocking"|"advisory"}], "confidence": number between 0 and 1, "rationale": string}`

// BuildQuery synthesises the retrieval query from the invoice's fiscal profile.
func BuildQuery(inv invoice.Record) string {
	parts := []string{"CFOP " + inv.CFOP}
	if inv.Operation != "" {
		parts = append(parts, "operação "+string(inv.Operation))
	}
	if inv.Jurisdiction != "" {
		parts = append(parts, "ICMS "+strings.ToUpper(inv.Jurisdiction))
	}
	if inv.Regime != "" {
		parts = append(parts, "regime "+inv.Regime)
	}
	return strings.Join(parts, " ")
}

type promptInvoice struct {
	AccessKey     string                 `json:"access_key,omitempty"`
	Number        string                 `json:"number"`
	CFOP          string                 `json:"cfop"`
	Operation     invoice.OperationKind  `json:"operation,omitempty"`
	Jurisdiction  string                 `json:"jurisdiction"`
	Regime        string                 `json:"regime,omitempty"`
	IssuedAt      string                 `json:"issued_at"`
	IssuerTaxID   string                 `json:"issuer_tax_id"`
	RecipientUF   string                 `json:"recipient_uf,omitempty"`
	Items         []invoice.LineItem     `json:"items"`
	Discount      string                 `json:"discount"`
	Taxes         invoice.DeclaredTaxes  `json:"taxes"`
	DeclaredTotal string                 `json:"declared_total"`
	Advisories    []invoice.Irregularity `json:"prior_findings,omitempty"`
}

// BuildMessages assembles the conversation for one audit.
func BuildMessages(inv invoice.Record, advisories []invoice.Irregularity, passages []retrieval.Passage) ([]Message, error) {
	p := promptInvoice{
		AccessKey:    inv.AccessKey,
		Number:       inv.Number,
		CFOP:         inv.CFOP,
		Operation:    inv.Operation,
		Jurisdiction: inv.Jurisdiction,
		Regime:       inv.Regime,
		IssuedAt:     inv.IssuedAt.Format("2006-01-02"),
		IssuerTaxID:  inv.Issuer.TaxID,
		RecipientUF:  inv.Recipient.UF,
		Items:        inv.Items,
		Discount:     inv.Discount.StringFixed(2),
		Taxes:        inv.Taxes,
		Advisories:   advisories,
	}
	if inv.DeclaredTotal != nil {
		p.DeclaredTotal = inv.DeclaredTotal.StringFixed(2)
	}
	doc, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode invoice for prompt: %w", err)
	}

	var b strings.Builder
	b.WriteString("Invoice:\n")
	b.Write(doc)
	b.WriteString("\n\nReference passages:\n")
	if len(passages) == 0 {
		b.WriteString("(none available)\n")
	}
	for i, ps := range passages {
		fmt.Fprintf(&b, "[%d] %s", i+1, strings.TrimSpace(ps.Content))
		if ps.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", ps.Source)
		}
		b.WriteByte('\n')
	}

	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: b.String()},
	}, nil
}
