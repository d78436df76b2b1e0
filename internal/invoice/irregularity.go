package invoice

// Severity distinguishes findings that reject an invoice from those that only inform.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Stage names a step of the audit pipeline.
type Stage string

const (
	StageStructural  Stage = "structural"
	StageConsistency Stage = "consistency"
	StageReasoning   Stage = "reasoning"
)

// Irregularity codes raised by the deterministic stages.
const (
	CodeMissingField          = "MISSING_FIELD"
	CodeTaxIDInvalid          = "TAX_ID_CHECKSUM"
	CodeAccessKeyInvalid      = "ACCESS_KEY_CHECKSUM"
	CodeAccessKeyMismatch     = "ACCESS_KEY_MISMATCH"
	CodeCFOPInvalid           = "CFOP_INVALID"
	CodeCFOPUnknown           = "CFOP_UNKNOWN"
	CodeIssueDateFuture       = "ISSUE_DATE_FUTURE"
	CodeIssueDateStale        = "ISSUE_DATE_STALE"
	CodeNegativeAmount        = "NEGATIVE_AMOUNT"
	CodeAmountPrecision       = "AMOUNT_PRECISION"
	CodeUnknownJurisdiction   = "JURISDICTION_UNKNOWN"
	CodeTotalMismatch         = "TOTAL_MISMATCH"
	CodeLineTotalMismatch     = "LINE_TOTAL_MISMATCH"
	CodeProductsTotalMismatch = "PRODUCTS_TOTAL_MISMATCH"
	CodeTaxAmountMismatch     = "TAX_AMOUNT_MISMATCH"
	CodeTaxTotalMismatch      = "TAX_TOTAL_MISMATCH"
)

// Irregularity is one finding against an invoice.
type Irregularity struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Stage    Stage    `json:"stage,omitempty"`
}

// Blocking reports whether the finding rejects the invoice on its own.
func (i Irregularity) Blocking() bool {
	return i.Severity == SeverityBlocking
}

// Advisory filters out blocking findings, preserving order.
func Advisory(items []Irregularity) []Irregularity {
	out := make([]Irregularity, 0, len(items))
	for _, it := range items {
		if !it.Blocking() {
			out = append(out, it)
		}
	}
	return out
}

// AnyBlocking reports whether any finding is blocking.
func AnyBlocking(items []Irregularity) bool {
	for _, it := range items {
		if it.Blocking() {
			return true
		}
	}
	return false
}
