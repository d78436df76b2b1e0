package identifier

import (
	"errors"
	"fmt"
	"strings"

	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/invoice"
)

// Validator runs the checks that need reference tables.
type Validator struct {
	tables *tables.Tables
}

// NewValidator binds a validator to loaded tables.
func NewValidator(t *tables.Tables) (*Validator, error) {
	if t == nil {
		return nil, errors.New("reference tables are required")
	}
	return &Validator{tables: t}, nil
}

// ValidateCFOP checks the code format, its origin digit and membership in the
// set allowed for the operation kind. A single dot separator ("5.102") is accepted.
func (v *Validator) ValidateCFOP(code string, kind invoice.OperationKind) Result {
	c := strings.Replace(strings.TrimSpace(code), ".", "", 1)
	if c == "" {
		return invalid(CodeEmpty, "cfop is empty")
	}
	if len(c) != 4 || digitsOnly(c) != c {
		return invalid(CodeBadFormat, fmt.Sprintf("cfop %q must be 4 digits", code))
	}
	if !v.tables.CFOPOriginAllowed(c[0]) {
		return invalid(CodeBadOrigin, fmt.Sprintf("cfop %s starts with %c, which is not a valid origin", c, c[0]))
	}
	op, ok := v.tables.Operation(string(kind))
	if !ok {
		return invalid(CodeUnknownOperation, fmt.Sprintf("operation kind %q has no cfop table", kind))
	}
	if !op.AllowsOrigin(c[0]) {
		return invalid(CodeOperationMismatch, fmt.Sprintf("cfop %s cannot describe a %s", c, kind))
	}
	if !op.Contains(c) {
		return invalid(CodeNotInTable, fmt.Sprintf("cfop %s is not a known %s code", c, kind))
	}
	return valid()
}

// UFOfAccessKey resolves the state abbreviation embedded in a parsed key.
func (v *Validator) UFOfAccessKey(p AccessKeyParts) (string, bool) {
	return v.tables.UFForCode(p.UFCode)
}
