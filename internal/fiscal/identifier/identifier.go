// Package identifier checks the self-verifying identifiers printed on an NF-e:
// taxpayer IDs (CPF/CNPJ), the 44-digit access key and the CFOP code.
//
// Every check is total: malformed input yields an invalid Result with a stable
// Code and a human-readable Reason, never a panic or an error.
package identifier

import "strings"

// Result codes.
const (
	CodeEmpty             = "EMPTY"
	CodeBadLength         = "BAD_LENGTH"
	CodeRepeatedDigits    = "REPEATED_DIGITS"
	CodeCheckDigit        = "CHECK_DIGIT"
	CodeBadFormat         = "BAD_FORMAT"
	CodeBadOrigin         = "BAD_ORIGIN"
	CodeOperationMismatch = "OPERATION_MISMATCH"
	CodeNotInTable        = "NOT_IN_TABLE"
	CodeUnknownOperation  = "UNKNOWN_OPERATION"
)

// Result is the outcome of a single identifier check.
type Result struct {
	Valid  bool
	Code   string
	Reason string
}

func valid() Result {
	return Result{Valid: true}
}

func invalid(code, reason string) Result {
	return Result{Code: code, Reason: reason}
}

// digitsOnly drops every non-digit rune.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func allSame(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// mod11 returns the weighted modulo-11 check digit of digits; remainders 0 and 1 map to 0.
func mod11(digits string, weights []int) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * weights[i]
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}
