// Package tables holds the immutable fiscal reference data used by the
// identifier validator and the tax calculator: ICMS rates per state,
// PIS/COFINS/IPI rates per regime, CFOP membership per operation and the
// IBGE state codes embedded in access keys.
//
// A *Tables is built once (Default or Parse) and never mutated afterwards,
// so it is safe to share across goroutines.
package tables

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embedded []byte

// RateSource records where a rate came from.
type RateSource string

const (
	SourceJurisdiction RateSource = "jurisdiction"
	SourceRegime       RateSource = "regime"
	SourceDefault      RateSource = "default"
)

// RegimeRates are the federal rates that depend on the tax regime.
type RegimeRates struct {
	Name   string
	PIS    decimal.Decimal
	COFINS decimal.Decimal
	IPI    decimal.Decimal
}

// Operation is the CFOP membership for one operation kind.
type Operation struct {
	origins map[byte]struct{}
	codes   map[string]struct{}
}

// AllowsOrigin reports whether a CFOP starting with d fits the operation.
func (o Operation) AllowsOrigin(d byte) bool {
	_, ok := o.origins[d]
	return ok
}

// Contains reports whether code is a known CFOP for the operation.
func (o Operation) Contains(code string) bool {
	_, ok := o.codes[code]
	return ok
}

// Tables is the loaded reference data.
type Tables struct {
	defaultICMS   decimal.Decimal
	icms          map[string]decimal.Decimal
	defaultRegime RegimeRates
	regimes       map[string]RegimeRates
	composition   map[string]struct{}
	cfopOrigins   map[byte]struct{}
	operations    map[string]Operation
	ufCodes       map[string]string
}

type document struct {
	ICMS struct {
		DefaultRate string            `yaml:"default_rate"`
		Rates       map[string]string `yaml:"rates"`
	} `yaml:"icms"`
	Regimes struct {
		Default string `yaml:"default"`
		Entries map[string]struct {
			Aliases []string `yaml:"aliases"`
			PIS     string   `yaml:"pis"`
			COFINS  string   `yaml:"cofins"`
			IPI     string   `yaml:"ipi"`
		} `yaml:"entries"`
	} `yaml:"regimes"`
	TotalComposition []string `yaml:"total_composition"`
	CFOP             struct {
		Origins    []int `yaml:"origins"`
		Operations map[string]struct {
			Origins []int    `yaml:"origins"`
			Codes   []string `yaml:"codes"`
		} `yaml:"operations"`
	} `yaml:"cfop"`
	UFCodes map[string]string `yaml:"uf_codes"`
}

var loadDefault = sync.OnceValues(func() (*Tables, error) {
	return Parse(strings.NewReader(string(embedded)))
})

// Default returns the tables compiled into the binary. The result is shared.
func Default() (*Tables, error) {
	return loadDefault()
}

// MustDefault is Default for program initialisation and tests.
func MustDefault() *Tables {
	t, err := Default()
	if err != nil {
		panic(err)
	}
	return t
}

// Parse reads a tables document. Every rate must be a non-negative decimal.
func Parse(r io.Reader) (*Tables, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode tables: %w", err)
	}

	t := &Tables{
		icms:        make(map[string]decimal.Decimal, len(doc.ICMS.Rates)),
		regimes:     make(map[string]RegimeRates),
		composition: make(map[string]struct{}, len(doc.TotalComposition)),
		cfopOrigins: make(map[byte]struct{}, len(doc.CFOP.Origins)),
		operations:  make(map[string]Operation, len(doc.CFOP.Operations)),
		ufCodes:     make(map[string]string, len(doc.UFCodes)),
	}

	var err error
	if t.defaultICMS, err = parseRate("icms.default_rate", doc.ICMS.DefaultRate); err != nil {
		return nil, err
	}
	for uf, raw := range doc.ICMS.Rates {
		rate, err := parseRate("icms.rates."+uf, raw)
		if err != nil {
			return nil, err
		}
		t.icms[strings.ToUpper(uf)] = rate
	}

	for name, e := range doc.Regimes.Entries {
		rr := RegimeRates{Name: name}
		if rr.PIS, err = parseRate("regimes."+name+".pis", e.PIS); err != nil {
			return nil, err
		}
		if rr.COFINS, err = parseRate("regimes."+name+".cofins", e.COFINS); err != nil {
			return nil, err
		}
		if rr.IPI, err = parseRate("regimes."+name+".ipi", e.IPI); err != nil {
			return nil, err
		}
		t.regimes[normalize(name)] = rr
		for _, alias := range e.Aliases {
			t.regimes[normalize(alias)] = rr
		}
	}
	def, ok := t.regimes[normalize(doc.Regimes.Default)]
	if !ok {
		return nil, fmt.Errorf("default regime %q is not defined", doc.Regimes.Default)
	}
	t.defaultRegime = def

	for _, tax := range doc.TotalComposition {
		t.composition[strings.ToUpper(tax)] = struct{}{}
	}

	for _, d := range doc.CFOP.Origins {
		b, err := originDigit(d)
		if err != nil {
			return nil, err
		}
		t.cfopOrigins[b] = struct{}{}
	}
	for kind, op := range doc.CFOP.Operations {
		o := Operation{
			origins: make(map[byte]struct{}, len(op.Origins)),
			codes:   make(map[string]struct{}, len(op.Codes)),
		}
		for _, d := range op.Origins {
			b, err := originDigit(d)
			if err != nil {
				return nil, err
			}
			if _, ok := t.cfopOrigins[b]; !ok {
				return nil, fmt.Errorf("cfop operation %s: origin %d not globally allowed", kind, d)
			}
			o.origins[b] = struct{}{}
		}
		for _, code := range op.Codes {
			if len(code) != 4 || !o.AllowsOrigin(code[0]) {
				return nil, fmt.Errorf("cfop operation %s: code %q does not fit its origins", kind, code)
			}
			o.codes[code] = struct{}{}
		}
		t.operations[normalize(kind)] = o
	}

	for code, uf := range doc.UFCodes {
		t.ufCodes[code] = strings.ToUpper(uf)
	}

	if len(t.icms) == 0 || len(t.operations) == 0 {
		return nil, errors.New("tables must define icms rates and cfop operations")
	}
	return t, nil
}

// ICMSRate returns the internal ICMS rate for a state, falling back to the
// national default for unknown states.
func (t *Tables) ICMSRate(uf string) (decimal.Decimal, RateSource) {
	if rate, ok := t.icms[strings.ToUpper(strings.TrimSpace(uf))]; ok {
		return rate, SourceJurisdiction
	}
	return t.defaultICMS, SourceDefault
}

// Regime resolves a regime name or alias, falling back to the default regime.
func (t *Tables) Regime(name string) (RegimeRates, RateSource) {
	if rr, ok := t.regimes[normalize(name)]; ok {
		return rr, SourceRegime
	}
	return t.defaultRegime, SourceDefault
}

// ComposesTotal reports whether a tax is added on top of goods in the invoice total.
func (t *Tables) ComposesTotal(tax string) bool {
	_, ok := t.composition[strings.ToUpper(tax)]
	return ok
}

// CFOPOriginAllowed reports whether d is a valid first CFOP digit.
func (t *Tables) CFOPOriginAllowed(d byte) bool {
	_, ok := t.cfopOrigins[d]
	return ok
}

// Operation returns the CFOP membership for an operation kind.
func (t *Tables) Operation(kind string) (Operation, bool) {
	op, ok := t.operations[normalize(kind)]
	return op, ok
}

// UFForCode maps an IBGE state code to its abbreviation.
func (t *Tables) UFForCode(code string) (string, bool) {
	uf, ok := t.ufCodes[code]
	return uf, ok
}

// KnownUF reports whether uf has a configured ICMS rate.
func (t *Tables) KnownUF(uf string) bool {
	_, ok := t.icms[strings.ToUpper(strings.TrimSpace(uf))]
	return ok
}

func parseRate(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func originDigit(d int) (byte, error) {
	if d < 0 || d > 9 {
		return 0, fmt.Errorf("cfop origin %d is not a digit", d)
	}
	return byte('0' + d), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
