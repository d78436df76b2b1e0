package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/handler/mocks"
	"nfaudit/internal/audit/publisher"
	"nfaudit/internal/audit/store/memory"
	"nfaudit/internal/invoice"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Auditor

type recordingPublisher struct {
	mu        sync.Mutex
	events    []publisher.Event
	err       error
	onPublish func(publisher.Event)
}

func (p *recordingPublisher) Publish(_ context.Context, ev publisher.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPublish != nil {
		p.onPublish(ev)
	}
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() {}

type HandlerSuite struct {
	suite.Suite
	auditor *mocks.MockAuditor
	store   *memory.InMemoryStore
	events  *recordingPublisher
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.auditor = mocks.NewMockAuditor(ctrl)
	s.store = memory.NewInMemoryStore()
	s.events = &recordingPublisher{}
	h := New(s.auditor, s.store, s.events, WithBatchLimits(2, 2))
	s.router = chi.NewRouter()
	h.Register(s.router)
}

func (s *HandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decided(approved bool) audit.Result {
	verdict := audit.VerdictRejected
	if approved {
		verdict = audit.VerdictApproved
	}
	return audit.Result{
		Verdict: verdict,
		Decision: &audit.Decision{
			AuditID:      uuid.New(),
			InvoiceKey:   "1234",
			Approved:     approved,
			Confidence:   0.9,
			Rationale:    "ok",
			StageReached: invoice.StageReasoning,
			Provider:     "primary",
			DecidedAt:    time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		},
	}
}

func inconclusive() audit.Result {
	return audit.Result{
		Verdict: audit.VerdictInconclusive,
		Inconclusive: &audit.Inconclusive{
			AuditID:      uuid.New(),
			InvoiceKey:   "1234",
			Reason:       "reasoning providers timed out",
			StageReached: invoice.StageReasoning,
		},
	}
}

const invoiceBody = `{
	"number": "1234",
	"issuer": {"tax_id": "12.345.678/0001-95"},
	"recipient": {"tax_id": "11222333000181"},
	"cfop": "5102",
	"operation": "venda",
	"jurisdiction": "SP",
	"issued_at": "15/03/2024",
	"items": [{"product_code": "P1", "quantity": "10", "unit_value": "100", "total": "1000.00"}],
	"declared_total": "1180.00"
}`

// =============================================================================
// POST /audits
// =============================================================================

// Justification: the transport owns date and operation parsing; the pipeline
// receives a fully typed record.
func (s *HandlerSuite) TestAuditConvertsRequest() {
	res := decided(true)
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, inv invoice.Record) audit.Result {
			s.Equal(invoice.OperationSale, inv.Operation)
			s.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), inv.IssuedAt)
			s.Equal("1180", inv.DeclaredTotal.String())
			s.Len(inv.Items, 1)
			return res
		})

	rec := s.do(http.MethodPost, "/audits", invoiceBody)

	s.Equal(http.StatusOK, rec.Code)
	var body audit.Result
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(audit.VerdictApproved, body.Verdict)

	stored, err := s.store.FindByID(context.Background(), res.AuditID())
	s.Require().NoError(err)
	s.Equal(audit.VerdictApproved, stored.Verdict)
	s.Require().Len(s.events.events, 1)
	s.Equal(res.AuditID().String(), s.events.events[0].AuditID)
}

// Justification: inconclusive is an answer, not a failure; callers route it to
// manual review from a 200 body.
func (s *HandlerSuite) TestInconclusiveIsOK() {
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).Return(inconclusive())

	rec := s.do(http.MethodPost, "/audits", invoiceBody)

	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `"verdict":"inconclusive"`)
}

func (s *HandlerSuite) TestRejectsUnparseableInput() {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"number":`},
		{"bad date", `{"issued_at": "yesterday"}`},
		{"bad operation", `{"operation": "gift"}`},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			rec := s.do(http.MethodPost, "/audits", tc.body)
			s.Equal(http.StatusBadRequest, rec.Code)
		})
	}
}

func (s *HandlerSuite) TestDuplicateAuditIDConflicts() {
	res := decided(false)
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).Return(res).Times(2)

	s.Equal(http.StatusOK, s.do(http.MethodPost, "/audits", invoiceBody).Code)
	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/audits", invoiceBody).Code)
}

// Justification: the decision is already durable when publishing fails.
func (s *HandlerSuite) TestPublishFailureDoesNotFailRequest() {
	s.events.err = errors.New("broker down")
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).Return(decided(true))

	rec := s.do(http.MethodPost, "/audits", invoiceBody)

	s.Equal(http.StatusOK, rec.Code)
}

// =============================================================================
// POST /audits/batch
// =============================================================================

func (s *HandlerSuite) TestBatch() {
	s.auditor.EXPECT().AuditBatch(gomock.Any(), gomock.Len(2), 2).
		Return([]audit.Result{decided(true), inconclusive()}, nil)

	rec := s.do(http.MethodPost, "/audits/batch", `{"invoices": [`+invoiceBody+`,`+invoiceBody+`]}`)

	s.Require().Equal(http.StatusOK, rec.Code)
	var body BatchResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(1, body.Approved)
	s.Equal(1, body.Inconclusive)
	s.Len(body.Results, 2)
	s.Len(s.events.events, 2)
}

func (s *HandlerSuite) TestBatchLimits() {
	s.Run("empty", func() {
		s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/audits/batch", `{"invoices": []}`).Code)
	})
	s.Run("over maximum", func() {
		body := `{"invoices": [` + invoiceBody + `,` + invoiceBody + `,` + invoiceBody + `]}`
		s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/audits/batch", body).Code)
	})
	s.Run("bad entry names its index", func() {
		rec := s.do(http.MethodPost, "/audits/batch", `{"invoices": [{}, {"issued_at": "x"}]}`)
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Contains(rec.Body.String(), "invoices[1].issued_at")
	})
}

// Justification: a batch that outlives the server write timeout would be cut
// off mid-response; the handler ends it first and answers 504.
func (s *HandlerSuite) TestBatchBoundedByTimeout() {
	h := New(s.auditor, s.store, s.events, WithBatchLimits(2, 2), WithBatchTimeout(30*time.Millisecond))
	router := chi.NewRouter()
	h.Register(router)

	s.auditor.EXPECT().AuditBatch(gomock.Any(), gomock.Any(), 2).DoAndReturn(
		func(ctx context.Context, _ []invoice.Record, _ int) ([]audit.Result, error) {
			deadline, ok := ctx.Deadline()
			s.True(ok)
			s.WithinDuration(time.Now().Add(30*time.Millisecond), deadline, 30*time.Millisecond)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	start := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/audits/batch", strings.NewReader(`{"invoices": [`+invoiceBody+`]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	s.Equal(http.StatusGatewayTimeout, rec.Code)
	s.Less(time.Since(start), time.Second)
	s.Empty(s.events.events)
}

func (s *HandlerSuite) TestDefaultBatchTimeoutBelowWriteTimeout() {
	h := New(s.auditor, s.store, s.events)
	s.Equal(DefaultBatchTimeout, h.batchTimeout)
	s.Less(h.batchTimeout, 2*time.Minute)
}

// Justification: consumers must never see an event for a decision the store
// does not hold.
func (s *HandlerSuite) TestBatchStoresBeforePublishing() {
	first, second := decided(true), decided(false)
	s.events.onPublish = func(publisher.Event) {
		for _, res := range []audit.Result{first, second} {
			_, err := s.store.FindByID(context.Background(), res.AuditID())
			s.NoError(err, "event published before every result was stored")
		}
	}
	s.auditor.EXPECT().AuditBatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]audit.Result{first, second}, nil)

	rec := s.do(http.MethodPost, "/audits/batch", `{"invoices": [`+invoiceBody+`,`+invoiceBody+`]}`)

	s.Require().Equal(http.StatusOK, rec.Code)
	s.Len(s.events.events, 2)
}

func (s *HandlerSuite) TestBatchSaveFailurePublishesStoredPrefix() {
	stored, dup := decided(true), decided(false)
	s.Require().NoError(s.store.Save(context.Background(), dup))
	s.auditor.EXPECT().AuditBatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return([]audit.Result{stored, dup}, nil)

	rec := s.do(http.MethodPost, "/audits/batch", `{"invoices": [`+invoiceBody+`,`+invoiceBody+`]}`)

	s.Equal(http.StatusConflict, rec.Code)
	s.Require().Len(s.events.events, 1)
	s.Equal(stored.AuditID().String(), s.events.events[0].AuditID)
}

func (s *HandlerSuite) TestBatchInterrupted() {
	s.auditor.EXPECT().AuditBatch(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, context.DeadlineExceeded)

	rec := s.do(http.MethodPost, "/audits/batch", `{"invoices": [`+invoiceBody+`]}`)

	s.Equal(http.StatusGatewayTimeout, rec.Code)
}

// =============================================================================
// GET /audits/{id}
// =============================================================================

func (s *HandlerSuite) TestGet() {
	res := decided(false)
	s.Require().NoError(s.store.Save(context.Background(), res))

	s.Run("found", func() {
		rec := s.do(http.MethodGet, "/audits/"+res.AuditID().String(), "")
		s.Equal(http.StatusOK, rec.Code)
		s.Contains(rec.Body.String(), `"verdict":"rejected"`)
	})
	s.Run("not found", func() {
		rec := s.do(http.MethodGet, "/audits/"+uuid.NewString(), "")
		s.Equal(http.StatusNotFound, rec.Code)
	})
	s.Run("not a uuid", func() {
		rec := s.do(http.MethodGet, "/audits/abc", "")
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// GET /invoices/{key}/audits
// =============================================================================

func (s *HandlerSuite) TestInvoiceAudits() {
	older, newer := decided(false), decided(true)
	older.Decision.DecidedAt = newer.Decision.DecidedAt.Add(-time.Hour)
	s.Require().NoError(s.store.Save(context.Background(), newer))
	s.Require().NoError(s.store.Save(context.Background(), older))

	s.Run("lists oldest first", func() {
		rec := s.do(http.MethodGet, "/invoices/1234/audits", "")
		s.Require().Equal(http.StatusOK, rec.Code)
		var body InvoiceAuditsResponse
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
		s.Equal("1234", body.InvoiceKey)
		s.Equal(2, body.Count)
		s.Require().Len(body.Audits, 2)
		s.Equal(older.AuditID(), body.Audits[0].AuditID())
		s.Equal(newer.AuditID(), body.Audits[1].AuditID())
	})

	s.Run("unknown invoice is an empty list", func() {
		rec := s.do(http.MethodGet, "/invoices/9999/audits", "")
		s.Require().Equal(http.StatusOK, rec.Code)
		s.Contains(rec.Body.String(), `"audits":[]`)
		s.Contains(rec.Body.String(), `"count":0`)
	})
}

// =============================================================================
// POST /validate
// =============================================================================

// Justification: validation is a dry run; it must not leave a decision or an
// event behind.
func (s *HandlerSuite) TestValidate() {
	s.auditor.EXPECT().Validate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, inv invoice.Record) audit.ValidationOutcome {
			s.Equal("1234", inv.Number)
			return audit.ValidationOutcome{
				StructurallyValid: false,
				Errors:            []string{"access key: check digit mismatch"},
				Warnings:          []string{},
				Irregularities: []invoice.Irregularity{{
					Code:     invoice.CodeAccessKeyInvalid,
					Message:  "access key: check digit mismatch",
					Severity: invoice.SeverityBlocking,
					Stage:    invoice.StageStructural,
				}},
			}
		})
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).Times(0)

	rec := s.do(http.MethodPost, "/validate", invoiceBody)

	s.Require().Equal(http.StatusOK, rec.Code)
	var body audit.ValidationOutcome
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.False(body.StructurallyValid)
	s.Equal([]string{"access key: check digit mismatch"}, body.Errors)
	s.Empty(s.events.events)

	listed, err := s.store.FindByInvoiceKey(context.Background(), "1234")
	s.Require().NoError(err)
	s.Empty(listed)
}

func (s *HandlerSuite) TestValidateRejectsUnparseableInput() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/validate", `{"issued_at": "yesterday"}`).Code)
}

// =============================================================================
// POST /audits/xml
// =============================================================================

func (s *HandlerSuite) TestAuditXML() {
	res := decided(true)
	s.auditor.EXPECT().Audit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, inv invoice.Record) audit.Result {
			s.Equal("35240312345678000195550010000012341123456782", inv.AccessKey)
			s.Equal(invoice.OperationSale, inv.Operation)
			s.Equal("SP", inv.Jurisdiction)
			s.Equal("1180", inv.DeclaredTotal.String())
			s.Equal(time.Date(2024, 3, 10, 9, 30, 0, 0, time.FixedZone("", -3*60*60)).Unix(), inv.IssuedAt.Unix())
			return res
		})

	rec := s.do(http.MethodPost, "/audits/xml", nfeXML)

	s.Require().Equal(http.StatusOK, rec.Code)
	_, err := s.store.FindByID(context.Background(), res.AuditID())
	s.NoError(err)
	s.Len(s.events.events, 1)
}

func (s *HandlerSuite) TestAuditXMLRejectsBadDocuments() {
	cases := []struct {
		name string
		body string
	}{
		{"not xml", `{"number": "1234"}`},
		{"no infNFe", `<nfeProc><protNFe/></nfeProc>`},
		{"amount not a number", `<NFe><infNFe Id="NFe1"><total><ICMSTot><vNF>mil</vNF></ICMSTot></total></infNFe></NFe>`},
		{"bad issue date", `<NFe><infNFe Id="NFe1"><ide><dhEmi>ontem</dhEmi></ide></infNFe></NFe>`},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			rec := s.do(http.MethodPost, "/audits/xml", tc.body)
			s.Equal(http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", bytes.NewReader(nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
