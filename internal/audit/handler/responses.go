package handler

import (
	"nfaudit/internal/audit"
)

// BatchResponse is the HTTP response for POST /audits/batch.
type BatchResponse struct {
	Results  []audit.Result `json:"results"`
	Approved int            `json:"approved"`
	Rejected int            `json:"rejected"`
	// Inconclusive results need manual review.
	Inconclusive int `json:"inconclusive"`
}

func toBatchResponse(results []audit.Result) *BatchResponse {
	resp := &BatchResponse{Results: results}
	for _, res := range results {
		switch res.Verdict {
		case audit.VerdictApproved:
			resp.Approved++
		case audit.VerdictRejected:
			resp.Rejected++
		case audit.VerdictInconclusive:
			resp.Inconclusive++
		}
	}
	return resp
}

// InvoiceAuditsResponse is the body of GET /invoices/{key}/audits.
type InvoiceAuditsResponse struct {
	InvoiceKey string         `json:"invoice_key"`
	Count      int            `json:"count"`
	Audits     []audit.Result `json:"audits"`
}
