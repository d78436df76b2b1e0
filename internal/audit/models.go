package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"nfaudit/internal/invoice"
	"nfaudit/internal/reasoning"
)

// Verdict is the top-level outcome of an audit.
type Verdict string

const (
	VerdictApproved     Verdict = "approved"
	VerdictRejected     Verdict = "rejected"
	VerdictInconclusive Verdict = "inconclusive"
)

// ValidationOutcome is the structural stage result. It is built once and not
// modified afterwards.
type ValidationOutcome struct {
	StructurallyValid bool                   `json:"structurally_valid"`
	Errors            []string               `json:"errors"`
	Warnings          []string               `json:"warnings"`
	Irregularities    []invoice.Irregularity `json:"irregularities"`
}

// Decision is a final approve or reject.
type Decision struct {
	AuditID        uuid.UUID              `json:"audit_id"`
	InvoiceKey     string                 `json:"invoice_key"`
	Approved       bool                   `json:"approved"`
	Irregularities []invoice.Irregularity `json:"irregularities"`
	Confidence     float64                `json:"confidence"`
	Rationale      string                 `json:"rationale"`
	StageReached   invoice.Stage          `json:"stage_reached"`
	Provider       string                 `json:"provider,omitempty"`
	DecidedAt      time.Time              `json:"decided_at"`
}

// Inconclusive means the deterministic stages passed but no provider produced
// a usable decision. Callers route these to manual review.
type Inconclusive struct {
	AuditID        uuid.UUID              `json:"audit_id"`
	InvoiceKey     string                 `json:"invoice_key"`
	Reason         string                 `json:"reason"`
	Irregularities []invoice.Irregularity `json:"irregularities"`
	Attempts       []reasoning.Attempt    `json:"attempts"`
	StageReached   invoice.Stage          `json:"stage_reached"`
	DecidedAt      time.Time              `json:"decided_at"`
}

// Result carries exactly one of Decision or Inconclusive.
type Result struct {
	Verdict      Verdict       `json:"verdict"`
	Decision     *Decision     `json:"decision,omitempty"`
	Inconclusive *Inconclusive `json:"inconclusive,omitempty"`
}

// AuditID returns the ID of whichever branch is set.
func (r Result) AuditID() uuid.UUID {
	if r.Decision != nil {
		return r.Decision.AuditID
	}
	if r.Inconclusive != nil {
		return r.Inconclusive.AuditID
	}
	return uuid.Nil
}

// InvoiceKey returns the audited invoice key of whichever branch is set.
func (r Result) InvoiceKey() string {
	if r.Decision != nil {
		return r.Decision.InvoiceKey
	}
	if r.Inconclusive != nil {
		return r.Inconclusive.InvoiceKey
	}
	return ""
}

// DecidedAt returns when the pipeline settled the invoice.
func (r Result) DecidedAt() time.Time {
	if r.Decision != nil {
		return r.Decision.DecidedAt
	}
	if r.Inconclusive != nil {
		return r.Inconclusive.DecidedAt
	}
	return time.Time{}
}

// StageReached returns the last stage run.
func (r Result) StageReached() invoice.Stage {
	if r.Decision != nil {
		return r.Decision.StageReached
	}
	if r.Inconclusive != nil {
		return r.Inconclusive.StageReached
	}
	return ""
}

// Auditor is the core entry point.
type Auditor interface {
	Audit(ctx context.Context, inv invoice.Record) Result
}
