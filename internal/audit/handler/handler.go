// Package handler exposes the audit pipeline over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/publisher"
	"nfaudit/internal/audit/store"
	"nfaudit/internal/invoice"
	dErrors "nfaudit/pkg/domain-errors"
	"nfaudit/pkg/platform/httputil"
	"nfaudit/pkg/platform/sentinel"
	"nfaudit/pkg/requestcontext"
)

// DefaultMaxBatchSize caps POST /audits/batch when no option overrides it.
const DefaultMaxBatchSize = 100

// DefaultBatchTimeout bounds POST /audits/batch so the response is written
// before the server's write timeout closes the connection.
const DefaultBatchTimeout = 100 * time.Second

// Auditor runs the pipeline.
type Auditor interface {
	Audit(ctx context.Context, inv invoice.Record) audit.Result
	AuditBatch(ctx context.Context, invoices []invoice.Record, parallelism int) ([]audit.Result, error)
	Validate(ctx context.Context, inv invoice.Record) audit.ValidationOutcome
}

// Handler wires audit endpoints to the coordinator, the decision store and
// the event publisher.
type Handler struct {
	auditor     Auditor
	store       store.Store
	events      publisher.Publisher
	logger       *slog.Logger
	maxBatch     int
	parallelism  int
	batchTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBatchLimits sets the maximum batch size and its audit parallelism.
func WithBatchLimits(maxSize, parallelism int) Option {
	return func(h *Handler) {
		if maxSize > 0 {
			h.maxBatch = maxSize
		}
		if parallelism > 0 {
			h.parallelism = parallelism
		}
	}
}

// WithBatchTimeout bounds how long the audits of one batch may run.
func WithBatchTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.batchTimeout = d
		}
	}
}

// New constructs a handler. A nil publisher drops events.
func New(auditor Auditor, st store.Store, events publisher.Publisher, opts ...Option) *Handler {
	if events == nil {
		events = publisher.Noop{}
	}
	h := &Handler{
		auditor:      auditor,
		store:        st,
		events:       events,
		logger:       slog.New(slog.DiscardHandler),
		maxBatch:     DefaultMaxBatchSize,
		parallelism:  audit.DefaultBatchParallelism,
		batchTimeout: DefaultBatchTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts audit endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/audits", h.HandleAudit)
	r.Post("/audits/xml", h.HandleAuditXML)
	r.Post("/audits/batch", h.HandleBatch)
	r.Get("/audits/{id}", h.HandleGet)
	r.Get("/invoices/{key}/audits", h.HandleInvoiceAudits)
	r.Post("/validate", h.HandleValidate)
}

// HandleAudit handles POST /audits. Inconclusive results are a 200 like any
// other verdict.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AuditRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	h.auditOne(w, r, req)
}

// HandleAuditXML handles POST /audits/xml with an NF-e document as the body.
func (h *Handler) HandleAuditXML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, err := DecodeNFeXML(http.MaxBytesReader(w, r.Body, maxXMLBytes))
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		h.logger.WarnContext(ctx, "invalid NF-e document",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.auditOne(w, r, req)
}

func (h *Handler) auditOne(w http.ResponseWriter, r *http.Request, req *AuditRequest) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	res := h.auditor.Audit(ctx, req.Record())
	if err := h.save(ctx, res, requestID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.publish(ctx, res, requestID)

	h.logger.InfoContext(ctx, "invoice audited",
		"request_id", requestID,
		"audit_id", res.AuditID(),
		"invoice_key", res.InvoiceKey(),
		"verdict", res.Verdict,
		"stage", res.StageReached(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleValidate handles POST /validate: the structural stage only, nothing
// is stored or published.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AuditRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	out := h.auditor.Validate(ctx, req.Record())
	h.logger.InfoContext(ctx, "invoice validated",
		"request_id", requestID,
		"structurally_valid", out.StructurallyValid,
		"errors", len(out.Errors),
	)
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleBatch handles POST /audits/batch.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[BatchRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if len(req.Invoices) > h.maxBatch {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "batch exceeds the maximum number of invoices"))
		return
	}

	batchCtx, cancel := context.WithTimeout(ctx, h.batchTimeout)
	defer cancel()
	results, err := h.auditor.AuditBatch(batchCtx, req.Records(), h.parallelism)
	if err != nil {
		h.logger.WarnContext(ctx, "batch audit interrupted",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeTimeout, "batch audit did not complete"))
		return
	}

	// Every result is stored before any event goes out. A failed save ends
	// the request; results stored ahead of it are still published.
	saved := 0
	var saveErr error
	for _, res := range results {
		if saveErr = h.save(ctx, res, requestID); saveErr != nil {
			break
		}
		saved++
	}
	for _, res := range results[:saved] {
		h.publish(ctx, res, requestID)
	}
	if saveErr != nil {
		h.logger.WarnContext(ctx, "batch partially persisted",
			"request_id", requestID,
			"saved", saved,
			"size", len(results),
		)
		httputil.WriteError(w, saveErr)
		return
	}

	resp := toBatchResponse(results)
	h.logger.InfoContext(ctx, "batch audited",
		"request_id", requestID,
		"size", len(results),
		"approved", resp.Approved,
		"rejected", resp.Rejected,
		"inconclusive", resp.Inconclusive,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleGet handles GET /audits/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "audit id must be a UUID"))
		return
	}

	res, err := h.store.FindByID(ctx, id)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "audit not found"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to load audit",
			"request_id", requestID,
			"audit_id", id,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load audit"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleInvoiceAudits handles GET /invoices/{key}/audits: every audit of one
// invoice, oldest first.
func (h *Handler) HandleInvoiceAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invoice key is required"))
		return
	}
	results, err := h.store.FindByInvoiceKey(ctx, key)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list invoice audits",
			"request_id", requestID,
			"invoice_key", key,
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audits"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, InvoiceAuditsResponse{InvoiceKey: key, Count: len(results), Audits: results})
}

// save persists res. A duplicate audit ID is a conflict.
func (h *Handler) save(ctx context.Context, res audit.Result, requestID string) error {
	if err := h.store.Save(ctx, res); err != nil {
		h.logger.ErrorContext(ctx, "failed to persist audit",
			"request_id", requestID,
			"audit_id", res.AuditID(),
			"error", err,
		)
		if dErrors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodeConflict, "audit already recorded")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist audit")
	}
	return nil
}

// publish emits the event for a stored result. Failure is logged only, the
// decision is already durable.
func (h *Handler) publish(ctx context.Context, res audit.Result, requestID string) {
	if err := h.events.Publish(ctx, publisher.EventFromResult(res, requestID)); err != nil {
		h.logger.WarnContext(ctx, "failed to publish audit event",
			"request_id", requestID,
			"audit_id", res.AuditID(),
			"error", err,
		)
	}
}

// Health handles GET /healthz.
func Health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
