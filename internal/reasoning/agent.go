// Package reasoning asks an external reasoning provider for a final audit
// opinion on invoices that passed the deterministic stages. Providers are tried
// in order under one shared deadline.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"nfaudit/internal/invoice"
	"nfaudit/internal/retrieval"
)

// Settings bound the provider chain.
type Settings struct {
	AttemptTimeout   time.Duration
	TotalTimeout     time.Duration
	PrimaryRetries   int
	Backoff          Backoff
	MaxToolRounds    int
	TopK             int
	RetrievalTimeout time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		AttemptTimeout:   30 * time.Second,
		TotalTimeout:     90 * time.Second,
		PrimaryRetries:   2,
		Backoff:          Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second, MaxJitter: 250 * time.Millisecond},
		MaxToolRounds:    4,
		TopK:             5,
		RetrievalTimeout: 5 * time.Second,
	}
}

// Observer receives provider and retrieval signals for metrics.
type Observer interface {
	ProviderAttempt(provider, outcome string, d time.Duration)
	RetrievalFailed()
}

type nopObserver struct{}

func (nopObserver) ProviderAttempt(string, string, time.Duration) {}
func (nopObserver) RetrievalFailed() {}

// Outcome is a provider's accepted decision.
type Outcome struct {
	Approved       bool
	Confidence     float64
	Rationale      string
	Irregularities []invoice.Irregularity
	Provider       string
	Attempts       []Attempt
	Passages       int
}

// Agent runs retrieval, the tool loop and the fallback chain.
type Agent struct {
	providers []Provider
	retriever Retriever
	tools     *Toolbox
	settings  Settings
	limiters  map[string]*rate.Limiter
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(a *Agent) {
		if o != nil {
			a.observer = o
		}
	}
}

// WithLimiter rate-limits calls to the named provider. A nil limiter is ignored.
func WithLimiter(provider string, l *rate.Limiter) Option {
	return func(a *Agent) {
		if l != nil {
			a.limiters[provider] = l
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) {
		if t != nil {
			a.tracer = t
		}
	}
}

// NewLimiter returns a limiter for rps requests per second, or nil when rps <= 0.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// NewAgent builds an agent over an ordered provider chain. The first provider
// is the primary; the rest get a single attempt each.
func NewAgent(providers []Provider, retriever Retriever, calc TaxComputer, settings Settings, opts ...Option) (*Agent, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider %d is nil", i)
		}
	}
	tools, err := NewToolbox(retriever, calc, settings.TopK)
	if err != nil {
		return nil, fmt.Errorf("build toolbox: %w", err)
	}
	if settings.PrimaryRetries < 0 {
		settings.PrimaryRetries = 0
	}
	if settings.MaxToolRounds < 0 {
		settings.MaxToolRounds = 0
	}
	if settings.TopK <= 0 {
		settings.TopK = 5
	}

	a := &Agent{
		providers: providers,
		retriever: retriever,
		tools:     tools,
		settings:  settings,
		limiters:  make(map[string]*rate.Limiter),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:  nopObserver{},
		tracer:    otel.Tracer("nfaudit/reasoning"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Reason produces the provider decision for inv. advisories are the findings
// of the earlier stages. On failure the error is a *ChainError carrying the
// attempt log.
func (a *Agent) Reason(ctx context.Context, inv invoice.Record, advisories []invoice.Irregularity) (*Outcome, error) {
	if a.settings.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.settings.TotalTimeout)
		defer cancel()
	}
	ctx, span := a.tracer.Start(ctx, "reasoning.reason",
		trace.WithAttributes(attribute.String("invoice.key", inv.Key())))
	defer span.End()

	passages := a.retrieve(ctx, inv)
	messages, err := BuildMessages(inv, advisories, passages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt")
		return nil, &ChainError{Last: NewProviderError(ErrorInternal, "", "build prompt", err)}
	}

	var attempts []Attempt
	var last error
	for i, p := range a.providers {
		maxAttempts := 1
		if i == 0 {
			maxAttempts = 1 + a.settings.PrimaryRetries
		}
		malformedRetried := false

		for n := 0; n < maxAttempts; n++ {
			if ctx.Err() != nil {
				if last == nil {
					last = classify(p.Name(), ctx.Err(), ctx, ctx)
				}
				return nil, a.fail(span, attempts, last)
			}

			timeout, ok := a.attemptTimeout(ctx, i, n)
			if !ok {
				a.logger.InfoContext(ctx, "no budget left for retry, moving to next provider",
					"provider", p.Name(), "attempt", n+1)
				break
			}

			start := a.now()
			verdict, err := a.attempt(ctx, p, messages, n+1, timeout)
			elapsed := a.now().Sub(start)
			rec := Attempt{Provider: p.Name(), Number: n + 1, Millis: elapsed.Milliseconds()}

			if err == nil {
				attempts = append(attempts, rec)
				a.observer.ProviderAttempt(p.Name(), "success", elapsed)
				span.SetAttributes(attribute.String("provider", p.Name()), attribute.Int("attempts", len(attempts)))
				return &Outcome{
					Approved:       *verdict.Approved,
					Confidence:     *verdict.Confidence,
					Rationale:      verdict.Rationale,
					Irregularities: verdict.Findings(),
					Provider:       p.Name(),
					Attempts:       attempts,
					Passages:       len(passages),
				}, nil
			}

			pe := classify(p.Name(), err, ctx, ctx)
			rec.Category = pe.Category
			rec.Error = pe.Error()
			attempts = append(attempts, rec)
			last = pe
			a.observer.ProviderAttempt(p.Name(), string(pe.Category), elapsed)
			a.logger.WarnContext(ctx, "provider attempt failed",
				"provider", p.Name(),
				"attempt", n+1,
				"category", pe.Category,
				"error", pe.Error(),
			)

			if pe.Category == ErrorCanceled {
				return nil, a.fail(span, attempts, last)
			}
			if !a.shouldRetry(pe, &malformedRetried) || n+1 >= maxAttempts {
				break
			}
			delay := a.settings.Backoff.Delay(p.Name(), n)
			deadline, hasDeadline := ctx.Deadline()
			if !fits(delay, deadline.Add(-a.reserve(i)), hasDeadline, a.now()) {
				a.logger.InfoContext(ctx, "backoff exceeds deadline, moving to next provider",
					"provider", p.Name(), "delay", delay)
				break
			}
			if err := sleepCtx(ctx, delay); err != nil {
				break
			}
		}
	}
	return nil, a.fail(span, attempts, last)
}

// attemptTimeout sizes attempt n of provider i so that every later provider
// keeps a full AttemptTimeout of the shared deadline. ok is false when a
// retry would have to eat into that reserve.
func (a *Agent) attemptTimeout(ctx context.Context, i, n int) (time.Duration, bool) {
	timeout := a.settings.AttemptTimeout
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return timeout, true
	}
	remaining := deadline.Sub(a.now())
	later := time.Duration(len(a.providers) - 1 - i)
	if timeout <= 0 {
		return remaining / (later + 1), remaining > 0
	}
	budget := remaining - later*timeout
	switch {
	case budget >= timeout:
		return timeout, true
	case budget > 0:
		return budget, true
	case n == 0:
		// the deadline is shorter than the reserve: split what is left
		return remaining / (later + 1), remaining > 0
	default:
		return 0, false
	}
}

// reserve is the part of the shared deadline held back for providers after i.
func (a *Agent) reserve(i int) time.Duration {
	if a.settings.AttemptTimeout <= 0 {
		return 0
	}
	return time.Duration(len(a.providers)-1-i) * a.settings.AttemptTimeout
}

func (a *Agent) shouldRetry(pe *ProviderError, malformedRetried *bool) bool {
	if pe.Category == ErrorMalformedOutput {
		if *malformedRetried {
			return false
		}
		*malformedRetried = true
		return true
	}
	return pe.Retryable
}

func (a *Agent) fail(span trace.Span, attempts []Attempt, last error) error {
	if last == nil {
		last = ErrProviderUnavailable
	}
	span.RecordError(last)
	span.SetStatus(codes.Error, "provider chain exhausted")
	return &ChainError{Attempts: attempts, Last: last}
}

// retrieve fetches reference passages. Failures are soft.
func (a *Agent) retrieve(ctx context.Context, inv invoice.Record) []retrieval.Passage {
	if a.retriever == nil {
		return nil
	}
	rctx := ctx
	if a.settings.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, a.settings.RetrievalTimeout)
		defer cancel()
	}
	query := BuildQuery(inv)
	passages, err := a.retriever.Retrieve(rctx, query, a.settings.TopK)
	if err != nil {
		a.observer.RetrievalFailed()
		a.logger.WarnContext(ctx, "context retrieval failed, continuing without passages",
			"query", query,
			"error", err,
		)
		return nil
	}
	return passages
}

// attempt runs one provider invocation including its tool rounds under
// timeout.
func (a *Agent) attempt(ctx context.Context, p Provider, messages []Message, number int, timeout time.Duration) (*Verdict, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	actx, span := a.tracer.Start(actx, "reasoning.attempt", trace.WithAttributes(
		attribute.String("provider", p.Name()),
		attribute.Int("attempt", number),
	))
	defer span.End()

	verdict, err := a.converse(actx, ctx, p, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CategoryOf(err)))
	}
	return verdict, err
}

func (a *Agent) converse(actx, parent context.Context, p Provider, messages []Message) (*Verdict, error) {
	msgs := make([]Message, len(messages), len(messages)+2*a.settings.MaxToolRounds)
	copy(msgs, messages)
	defs := a.tools.Definitions()

	for round := 0; ; round++ {
		if l := a.limiters[p.Name()]; l != nil {
			if err := l.Wait(actx); err != nil {
				if parent.Err() != nil {
					return nil, classify(p.Name(), parent.Err(), actx, parent)
				}
				return nil, NewProviderError(ErrorRateLimited, p.Name(), "rate limit wait", err)
			}
		}

		resp, err := p.Invoke(actx, Request{Messages: msgs, Tools: defs})
		if err != nil {
			return nil, classify(p.Name(), err, actx, parent)
		}
		if resp == nil {
			return nil, NewProviderError(ErrorMalformedOutput, p.Name(), "empty response", ErrMalformedOutput)
		}
		if len(resp.ToolCalls) == 0 {
			v, err := ParseVerdict(resp.Content)
			if err != nil {
				return nil, NewProviderError(ErrorMalformedOutput, p.Name(), "unusable decision", err)
			}
			return v, nil
		}
		if round >= a.settings.MaxToolRounds {
			return nil, NewProviderError(ErrorMalformedOutput, p.Name(),
				fmt.Sprintf("tool rounds exceeded %d", a.settings.MaxToolRounds), ErrMalformedOutput)
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := a.tools.Dispatch(actx, call)
			if err != nil {
				a.logger.DebugContext(actx, "tool call rejected",
					"provider", p.Name(), "tool", call.Name, "error", err)
				result = toolError(err)
			}
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, Content: result})
		}
	}
}

func toolError(err error) string {
	b, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return `{"error":"tool failed"}`
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
