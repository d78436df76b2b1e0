package identifier

import (
	"fmt"
	"strconv"
)

// TaxIDKind tells individuals (CPF) from entities (CNPJ).
type TaxIDKind string

const (
	KindIndividual TaxIDKind = "individual"
	KindEntity     TaxIDKind = "entity"
)

const (
	cpfLength  = 11
	cnpjLength = 14
)

var (
	cnpjWeights1 = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjWeights2 = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cpfWeights1  = []int{10, 9, 8, 7, 6, 5, 4, 3, 2}
	cpfWeights2  = []int{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}
)

// ValidateTaxID checks a CPF or CNPJ. Formatting characters are ignored.
func ValidateTaxID(id string) Result {
	d := digitsOnly(id)
	switch len(d) {
	case 0:
		return invalid(CodeEmpty, "tax id is empty")
	case cpfLength, cnpjLength:
	default:
		return invalid(CodeBadLength, fmt.Sprintf("tax id has %d digits, want 11 or 14", len(d)))
	}
	if allSame(d) {
		return invalid(CodeRepeatedDigits, "tax id is a repeated-digit sequence")
	}

	want, _ := CheckDigits(d[:len(d)-2])
	if d[len(d)-2:] != want {
		return invalid(CodeCheckDigit, fmt.Sprintf("tax id check digits %s do not match expected %s", d[len(d)-2:], want))
	}
	return valid()
}

// KindOf classifies a tax ID by digit count. ok is false for other lengths.
func KindOf(id string) (kind TaxIDKind, ok bool) {
	switch len(digitsOnly(id)) {
	case cpfLength:
		return KindIndividual, true
	case cnpjLength:
		return KindEntity, true
	}
	return "", false
}

// CheckDigits computes the two trailing digits for a 9-digit CPF base or a
// 12-digit CNPJ base.
func CheckDigits(base string) (string, error) {
	if digitsOnly(base) != base {
		return "", fmt.Errorf("base %q must contain only digits", base)
	}
	var w1, w2 []int
	switch len(base) {
	case cpfLength - 2:
		w1, w2 = cpfWeights1, cpfWeights2
	case cnpjLength - 2:
		w1, w2 = cnpjWeights1, cnpjWeights2
	default:
		return "", fmt.Errorf("base has %d digits, want 9 or 12", len(base))
	}
	first := mod11(base, w1)
	second := mod11(base+strconv.Itoa(first), w2)
	return strconv.Itoa(first) + strconv.Itoa(second), nil
}
