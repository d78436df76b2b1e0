package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
)

// Tool names advertised to providers.
const (
	ToolRetrieveContext = "retrieve_context"
	ToolComputeTaxes    = "compute_taxes"
)

const maxToolK = 10

const retrieveContextSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 500},
    "k": {"type": "integer", "minimum": 1, "maximum": 10}
  },
  "required": ["query"],
  "additionalProperties": false
}`

const computeTaxesSchema = `{
  "type": "object",
  "properties": {
    "base_value": {"type": "number", "minimum": 0},
    "jurisdiction": {"type": "string", "pattern": "^[A-Za-z]{2}$"},
    "regime": {"type": "string", "maxLength": 40}
  },
  "required": ["base_value", "jurisdiction"],
  "additionalProperties": false
}`

type toolSpec struct {
	def    ToolDefinition
	schema *jsonschema.Schema
	run    func(ctx context.Context, raw []byte) (any, error)
}

// Toolbox validates and executes the tools a provider may call.
type Toolbox struct {
	retriever Retriever
	calc      TaxComputer
	defaultK  int
	specs     map[string]toolSpec
	order     []string
}

// NewToolbox builds the toolbox. A nil retriever drops retrieve_context.
func NewToolbox(retriever Retriever, calc TaxComputer, defaultK int) (*Toolbox, error) {
	if calc == nil {
		return nil, errors.New("tax computer is required")
	}
	if defaultK < 1 || defaultK > maxToolK {
		defaultK = 5
	}
	t := &Toolbox{
		retriever: retriever,
		calc:      calc,
		defaultK:  defaultK,
		specs:     make(map[string]toolSpec),
	}
	if retriever != nil {
		if err := t.register(ToolRetrieveContext,
			"Search fiscal legislation and audit guidance. Returns ranked passages.",
			retrieveContextSchema, t.retrieveContext); err != nil {
			return nil, err
		}
	}
	if err := t.register(ToolComputeTaxes,
		"Compute expected ICMS, IPI, PIS and COFINS for a taxable base in a Brazilian state.",
		computeTaxesSchema, t.computeTaxes); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Toolbox) register(name, description, schemaJSON string, run func(context.Context, []byte) (any, error)) error {
	url := "nfaudit://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &params); err != nil {
		return fmt.Errorf("decode schema %s: %w", name, err)
	}
	t.specs[name] = toolSpec{
		def:    ToolDefinition{Name: name, Description: description, Parameters: params},
		schema: schema,
		run:    run,
	}
	t.order = append(t.order, name)
	return nil
}

// Definitions lists the advertised tools in registration order.
func (t *Toolbox) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.specs[name].def)
	}
	return out
}

// Dispatch validates call arguments against the tool schema and runs it,
// returning the JSON result to feed back to the provider.
func (t *Toolbox) Dispatch(ctx context.Context, call ToolCall) (string, error) {
	spec, ok := t.specs[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", call.Name, err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decode %s arguments: %w", call.Name, err)
	}
	if err := spec.schema.Validate(generic); err != nil {
		return "", fmt.Errorf("invalid %s arguments: %w", call.Name, err)
	}

	result, err := spec.run(ctx, raw)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode %s result: %w", call.Name, err)
	}
	return string(out), nil
}

func (t *Toolbox) retrieveContext(ctx context.Context, raw []byte) (any, error) {
	var args struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode retrieve_context arguments: %w", err)
	}
	if args.K == 0 {
		args.K = t.defaultK
	}
	passages, err := t.retriever.Retrieve(ctx, args.Query, args.K)
	if err != nil {
		return nil, fmt.Errorf("retrieve_context: %w", err)
	}
	type passage struct {
		Content string  `json:"content"`
		Source  string  `json:"source,omitempty"`
		Score   float64 `json:"score"`
	}
	out := make([]passage, 0, len(passages))
	for _, p := range passages {
		out = append(out, passage{Content: p.Content, Source: p.Source, Score: p.Score})
	}
	return map[string]any{"passages": out}, nil
}

func (t *Toolbox) computeTaxes(_ context.Context, raw []byte) (any, error) {
	var args struct {
		BaseValue    json.Number `json:"base_value"`
		Jurisdiction string      `json:"jurisdiction"`
		Regime       string      `json:"regime"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("decode compute_taxes arguments: %w", err)
	}
	base, err := decimal.NewFromString(args.BaseValue.String())
	if err != nil {
		return nil, fmt.Errorf("compute_taxes base_value: %w", err)
	}
	b := t.calc.Compute(base, strings.ToUpper(args.Jurisdiction), args.Regime)

	type line struct {
		Tax        string `json:"tax"`
		Rate       string `json:"rate_percent"`
		Amount     string `json:"amount"`
		RateSource string `json:"rate_source"`
		InTotal    bool   `json:"composes_total"`
	}
	lines := make([]line, 0, len(b.Lines))
	for _, l := range b.Lines {
		lines = append(lines, line{
			Tax:        string(l.Tax),
			Rate:       l.Rate.String(),
			Amount:     l.Amount.StringFixed(2),
			RateSource: string(l.RateSource),
			InTotal:    l.ComposesTotal,
		})
	}
	return map[string]any{
		"base":            b.Base.StringFixed(2),
		"jurisdiction":    b.Jurisdiction,
		"regime":          b.Regime,
		"lines":           lines,
		"total_taxes":     b.Total().StringFixed(2),
		"composing_total": b.TotalComposing().StringFixed(2),
	}, nil
}
