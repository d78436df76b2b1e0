// Package pipeline assembles the audit coordinator from configuration. Both
// the server and the CLI build their pipeline here.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/metrics"
	"nfaudit/internal/consistency"
	"nfaudit/internal/fiscal/tables"
	"nfaudit/internal/fiscal/tax"
	"nfaudit/internal/platform/config"
	"nfaudit/internal/platform/redis"
	"nfaudit/internal/reasoning"
	"nfaudit/internal/reasoning/chatapi"
	"nfaudit/internal/retrieval"
)

const cachePrefix = "nfaudit:retrieval:"

// Deps are the process-level collaborators shared with the pipeline.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Retriever is nil when no retrieval source is available.
	Retriever reasoning.Retriever
	// HTTPClient is used for provider calls; nil selects the client default.
	HTTPClient *http.Client
}

// Build constructs a coordinator over the embedded reference tables. With no
// provider configured the reasoning stage ends every audit as inconclusive.
func Build(cfg config.Config, deps Deps) (*audit.Coordinator, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	t, err := tables.Default()
	if err != nil {
		return nil, fmt.Errorf("load reference tables: %w", err)
	}
	calc, err := tax.NewCalculator(t)
	if err != nil {
		return nil, fmt.Errorf("build tax calculator: %w", err)
	}
	engine, err := consistency.New(calc,
		consistency.WithTolerance(cfg.Audit.TotalTolerance),
		consistency.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build consistency engine: %w", err)
	}
	structural, err := audit.NewStructuralChecker(t, cfg.Audit.StaleIssueAge)
	if err != nil {
		return nil, fmt.Errorf("build structural checker: %w", err)
	}

	providers, err := Providers(cfg.Reasoning, deps.HTTPClient)
	if err != nil {
		return nil, err
	}

	var reasoner audit.Reasoner
	if len(providers) > 0 {
		opts := []reasoning.Option{reasoning.WithLogger(logger)}
		if deps.Metrics != nil {
			opts = append(opts, reasoning.WithObserver(deps.Metrics))
		}
		for _, p := range []config.Provider{cfg.Reasoning.Primary, cfg.Reasoning.Secondary} {
			if p.Enabled() {
				opts = append(opts, reasoning.WithLimiter(p.Name, reasoning.NewLimiter(p.RateLimit)))
			}
		}
		agent, err := reasoning.NewAgent(providers, deps.Retriever, calc, Settings(cfg), opts...)
		if err != nil {
			return nil, fmt.Errorf("build reasoning agent: %w", err)
		}
		reasoner = agent
	} else {
		logger.Warn("no reasoning provider configured; audits that pass the deterministic stages will be inconclusive")
	}

	return audit.NewCoordinator(structural, engine, reasoner,
		audit.WithLogger(logger),
		audit.WithMetrics(deps.Metrics),
	)
}

// Settings maps configuration onto agent settings.
func Settings(cfg config.Config) reasoning.Settings {
	s := reasoning.DefaultSettings()
	s.AttemptTimeout = cfg.Reasoning.AttemptTimeout
	s.TotalTimeout = cfg.Reasoning.TotalTimeout
	s.PrimaryRetries = cfg.Reasoning.PrimaryRetries
	s.Backoff.Base = cfg.Reasoning.RetryBase
	s.Backoff.Max = cfg.Reasoning.RetryMax
	s.MaxToolRounds = cfg.Reasoning.MaxToolRounds
	s.TopK = cfg.Retrieval.TopK
	s.RetrievalTimeout = cfg.Retrieval.Timeout
	return s
}

// Providers builds the chain in fallback order, skipping unset slots.
func Providers(cfg config.Reasoning, client *http.Client) ([]reasoning.Provider, error) {
	var out []reasoning.Provider
	var errs []error
	for _, p := range []config.Provider{cfg.Primary, cfg.Secondary} {
		if !p.Enabled() {
			continue
		}
		var opts []chatapi.Option
		if client != nil {
			opts = append(opts, chatapi.WithHTTPClient(client))
		}
		c, err := chatapi.New(p.Name, p.BaseURL, p.Model, p.APIKey, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Name, err))
			continue
		}
		out = append(out, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Retriever selects the retrieval source: the configured RAG service, behind a
// Redis cache when a client is given, else the embedded static corpus.
func Retriever(cfg config.Retrieval, rc *redis.Client, logger *slog.Logger) (reasoning.Retriever, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BaseURL == "" {
		static, err := retrieval.NewDefaultStatic()
		if err != nil {
			return nil, fmt.Errorf("load static corpus: %w", err)
		}
		return static, nil
	}
	remote, err := retrieval.NewHTTPClient(cfg.BaseURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("build retrieval client: %w", err)
	}
	if rc == nil {
		return remote, nil
	}
	cached, err := retrieval.NewCachedRetriever(remote, retrieval.NewRedisCache(rc.Client, cachePrefix), cfg.CacheTTL,
		retrieval.WithCacheLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build retrieval cache: %w", err)
	}
	return cached, nil
}
