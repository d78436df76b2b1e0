package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nfaudit/internal/fiscal/identifier"
	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/invoice"
)

// checkOutput is the JSON output of every validate subcommand.
type checkOutput struct {
	Kind    string            `json:"kind"`
	Value   string            `json:"value"`
	Valid   bool              `json:"valid"`
	Code    string            `json:"code,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

var errInvalid = errors.New("identifier is invalid")

// NewValidateCmd creates the validate command group. Only the deterministic
// identifier checks run; no provider is contacted.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a single fiscal identifier",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newValidateTaxIDCmd(), newValidateKeyCmd(), newValidateCFOPCmd())
	return cmd
}

func newValidateTaxIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "taxid <cpf-or-cnpj>",
		Short:        "Validate a CPF or CNPJ check digits",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := fromResult("taxid", args[0], identifier.ValidateTaxID(args[0]))
			if kind, ok := identifier.KindOf(args[0]); ok {
				out.Details = map[string]string{"type": string(kind)}
			}
			return emit(cmd, out)
		},
	}
}

func newValidateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "key <access-key>",
		Short:        "Validate and decode a 44-digit access key",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, res := identifier.ParseAccessKey(args[0])
			out := fromResult("key", args[0], res)
			if res.Valid {
				out.Details = map[string]string{
					"uf_code":      parts.UFCode,
					"year_month":   parts.YearMonth,
					"issuer":       parts.IssuerTaxID,
					"model":        parts.Model,
					"series":       parts.Series,
					"number":       parts.Number,
					"numeric_code": parts.NumericCode,
				}
				t, err := tables.Default()
				if err != nil {
					return fmt.Errorf("loading tables: %w", err)
				}
				if uf, ok := t.UFForCode(parts.UFCode); ok {
					out.Details["uf"] = uf
				}
			}
			return emit(cmd, out)
		},
	}
}

func newValidateCFOPCmd() *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:          "cfop <code>",
		Short:        "Validate a CFOP, optionally against an operation kind",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.Default()
			if err != nil {
				return fmt.Errorf("loading tables: %w", err)
			}
			v, err := identifier.NewValidator(t)
			if err != nil {
				return err
			}

			kinds := []invoice.OperationKind{invoice.OperationSale, invoice.OperationPurchase, invoice.OperationTransfer, invoice.OperationReturn}
			if operation != "" {
				k, err := invoice.ParseOperationKind(operation)
				if err != nil {
					return err
				}
				kinds = []invoice.OperationKind{k}
			}

			var res identifier.Result
			var matched invoice.OperationKind
			for _, k := range kinds {
				res = v.ValidateCFOP(args[0], k)
				if res.Valid {
					matched = k
					break
				}
			}
			out := fromResult("cfop", args[0], res)
			if matched != "" {
				out.Details = map[string]string{"operation": string(matched)}
			}
			return emit(cmd, out)
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "operation kind: purchase, sale, transfer or return")
	return cmd
}

func fromResult(kind, value string, r identifier.Result) checkOutput {
	return checkOutput{Kind: kind, Value: value, Valid: r.Valid, Code: r.Code, Reason: r.Reason}
}

// emit prints out and fails the command when the identifier is invalid.
func emit(cmd *cobra.Command, out checkOutput) error {
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if !out.Valid {
		return fmt.Errorf("%s %q: %w", out.Kind, out.Value, errInvalid)
	}
	return nil
}
