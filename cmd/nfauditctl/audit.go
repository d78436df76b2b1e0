package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/handler"
	"nfaudit/internal/pipeline"
	"nfaudit/internal/platform/config"
	"nfaudit/internal/platform/logger"
	"nfaudit/internal/retrieval"
	"nfaudit/pkg/requestcontext"
)

// NewAuditCmd creates the audit subcommand. loadConfig supplies tolerances and
// providers; retrieval always uses the embedded corpus.
func NewAuditCmd(loadConfig func() config.Config) *cobra.Command {
	var (
		at         string
		failReject bool
	)
	cmd := &cobra.Command{
		Use:          "audit <invoice.json|nfe.xml>",
		Short:        "Run the full audit pipeline against a JSON invoice or an NF-e XML document",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readInvoice(args[0])
			if err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if at != "" {
				now, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				ctx = requestcontext.WithTime(ctx, now)
			}

			cfg := loadConfig()
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
			static, err := retrieval.NewDefaultStatic()
			if err != nil {
				return fmt.Errorf("loading corpus: %w", err)
			}
			coordinator, err := pipeline.Build(cfg, pipeline.Deps{Logger: log, Retriever: static})
			if err != nil {
				return fmt.Errorf("building pipeline: %w", err)
			}

			res := coordinator.Audit(ctx, req.Record())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("encoding output: %w", err)
			}
			if failReject && res.Verdict == audit.VerdictRejected {
				return fmt.Errorf("invoice %s rejected", res.InvoiceKey())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate issue dates as of this RFC 3339 instant")
	cmd.Flags().BoolVar(&failReject, "fail-on-reject", false, "exit non-zero when the invoice is rejected")
	return cmd
}

// readInvoice loads a JSON request body, or an NF-e document when the file
// ends in .xml.
func readInvoice(path string) (*handler.AuditRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading invoice: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		req, err := handler.DecodeNFeXML(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decoding NF-e: %w", err)
		}
		return req, nil
	}
	var req handler.AuditRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding invoice: %w", err)
	}
	return &req, nil
}
