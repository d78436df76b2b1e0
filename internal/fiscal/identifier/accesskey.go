package identifier

import (
	"fmt"
	"strconv"
)

const accessKeyLength = 44

// AccessKeyParts is the decoded layout of an NF-e access key.
type AccessKeyParts struct {
	UFCode       string // IBGE state code
	YearMonth    string // YYMM of issue
	IssuerTaxID  string
	Model        string // 55 NF-e, 65 NFC-e
	Series       string
	Number       string
	EmissionType string
	NumericCode  string
	CheckDigit   string
}

// ValidateAccessKey checks length and the trailing modulo-11 digit.
func ValidateAccessKey(key string) Result {
	d := digitsOnly(key)
	if d == "" {
		return invalid(CodeEmpty, "access key is empty")
	}
	if len(d) != accessKeyLength {
		return invalid(CodeBadLength, fmt.Sprintf("access key has %d digits, want 44", len(d)))
	}
	want, _ := AccessKeyCheckDigit(d[:accessKeyLength-1])
	if got := int(d[accessKeyLength-1] - '0'); got != want {
		return invalid(CodeCheckDigit, fmt.Sprintf("access key check digit %d does not match expected %d", got, want))
	}
	return valid()
}

// AccessKeyCheckDigit computes the check digit over the first 43 digits.
// Weights cycle 2..9 starting from the rightmost digit.
func AccessKeyCheckDigit(prefix string) (int, error) {
	if len(prefix) != accessKeyLength-1 || digitsOnly(prefix) != prefix {
		return 0, fmt.Errorf("access key prefix must be 43 digits")
	}
	weights := make([]int, len(prefix))
	w := 2
	for i := len(prefix) - 1; i >= 0; i-- {
		weights[i] = w
		if w++; w > 9 {
			w = 2
		}
	}
	return mod11(prefix, weights), nil
}

// ParseAccessKey validates key and splits it into its fields.
func ParseAccessKey(key string) (AccessKeyParts, Result) {
	res := ValidateAccessKey(key)
	if !res.Valid {
		return AccessKeyParts{}, res
	}
	d := digitsOnly(key)
	return AccessKeyParts{
		UFCode:       d[0:2],
		YearMonth:    d[2:6],
		IssuerTaxID:  d[6:20],
		Model:        d[20:22],
		Series:       d[22:25],
		Number:       d[25:34],
		EmissionType: d[34:35],
		NumericCode:  d[35:43],
		CheckDigit:   d[43:44],
	}, res
}

// Year returns the four-digit issue year encoded in the key.
func (p AccessKeyParts) Year() int {
	yy, _ := strconv.Atoi(p.YearMonth[:2])
	return 2000 + yy
}

// Month returns the issue month encoded in the key.
func (p AccessKeyParts) Month() int {
	mm, _ := strconv.Atoi(p.YearMonth[2:])
	return mm
}
