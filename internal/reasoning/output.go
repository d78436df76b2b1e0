package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"nfaudit/internal/invoice"
)

// FindingOutput is one irregularity reported by a provider.
type FindingOutput struct {
	Code     string `json:"code" validate:"required,max=64"`
	Message  string `json:"message" validate:"required"`
	Severity string `json:"severity" validate:"omitempty,oneof=blocking advisory"`
}

// Verdict is the structured answer a provider must produce.
type Verdict struct {
	Approved       *bool           `json:"approved" validate:"required"`
	Irregularities []FindingOutput `json:"irregularities" validate:"dive"`
	Confidence     *float64        `json:"confidence" validate:"required,min=0,max=1"`
	Rationale      string          `json:"rationale" validate:"required"`
}

var verdictValidator = validator.New()

// ParseVerdict extracts and validates a Verdict from provider content. Any
// failure wraps ErrMalformedOutput.
func ParseVerdict(content string) (*Verdict, error) {
	body := extractJSON(content)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in response (len: %d)", ErrMalformedOutput, len(content))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := verdictValidator.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return &v, nil
}

// Findings converts provider irregularities into reasoning-stage findings.
// Severity defaults to advisory.
func (v *Verdict) Findings() []invoice.Irregularity {
	out := make([]invoice.Irregularity, 0, len(v.Irregularities))
	for _, f := range v.Irregularities {
		sev := invoice.SeverityAdvisory
		if f.Severity == string(invoice.SeverityBlocking) {
			sev = invoice.SeverityBlocking
		}
		out = append(out, invoice.Irregularity{
			Code:     strings.ToUpper(strings.TrimSpace(f.Code)),
			Message:  f.Message,
			Severity: sev,
			Stage:    invoice.StageReasoning,
		})
	}
	return out
}

// extractJSON strips markdown fences and returns the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
