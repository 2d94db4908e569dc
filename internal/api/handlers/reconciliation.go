// Package handlers provides HTTP handlers for the reconciliation API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrecon/internal/api/middleware"
	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/concept"
	"github.com/drfirst/go-rxrecon/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

// maxBodyBytes bounds report uploads
const maxBodyBytes = 32 << 20

// Reconciler runs reports and single lookups
type Reconciler interface {
	Run(ctx context.Context, report batch.Report, cache *concept.Cache) (*batch.Result, error)
	Reconcile(ctx context.Context, escriptNDC, dispensedNDC string, cache *concept.Cache) (*batch.PairResult, error)
	ResolveNDC(ctx context.Context, ndc string, cache *concept.Cache) (string, error)
	Concept(ctx context.Context, rxcui string, cache *concept.Cache) (*concept.Concept, error)
}

// ReportStore persists reconciled reports
type ReportStore interface {
	Save(ctx context.Context, report batch.Report, result *batch.Result) error
	Get(ctx context.Context, reportID string) (*batch.ReportReconciled, error)
}

// Publisher queues messages for the reconcile worker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ReconciliationHandler serves report and lookup endpoints
type ReconciliationHandler struct {
	reconciler Reconciler
	cache      *concept.Cache
	reports    ReportStore
	publisher  Publisher
	validate   *validator.Validate
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewReconciliationHandler creates a handler. cache is shared by all
// requests; reports may be nil, which disables persistence and GET /reports/{id}.
func NewReconciliationHandler(reconciler Reconciler, cache *concept.Cache, reports ReportStore, logger *zap.Logger) *ReconciliationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationHandler{
		reconciler: reconciler,
		cache:      cache,
		reports:    reports,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
		tracer:     otel.Tracer("reconciliation-handler"),
	}
}

// WithPublisher enables POST /reports/submissions, which hands reports to
// the reconcile worker instead of running them in the request
func (h *ReconciliationHandler) WithPublisher(p Publisher) *ReconciliationHandler {
	h.publisher = p
	return h
}

// Routes returns the handler routes
func (h *ReconciliationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/reports", h.SubmitReport)
	r.Post("/reports/submissions", h.QueueReport)
	r.Get("/reports/{id}", h.GetReport)
	r.Post("/reconcile", h.Reconcile)
	r.Get("/ndc/{ndc}", h.LookupNDC)
	r.Get("/concepts/{rxcui}", h.GetConcept)
	return r
}

// SubmitReport handles POST /reports. JSON bodies carry a batch.Report;
// text/csv bodies carry rows, with report_id, data_access_group and
// encoding taken from the query string. Accept: text/csv returns the
// output rows as CSV.
func (h *ReconciliationHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "submit_report")
	defer span.End()

	report, err := h.decodeReport(w, r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if err := h.validate.Struct(report); err != nil {
		h.jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("report_id", report.ID),
		attribute.Int("rows", len(report.Rows)),
	)

	result, err := h.reconciler.Run(ctx, report, h.cache)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("report interrupted",
			zap.String("report_id", report.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.jsonError(w, "report processing interrupted", http.StatusServiceUnavailable)
		return
	}

	if h.reports != nil {
		if err := h.reports.Save(ctx, report, result); err != nil {
			span.SetStatus(codes.Error, err.Error())
			h.logger.Error("failed to store report",
				zap.String("report_id", report.ID),
				zap.Error(err))
			h.jsonError(w, "failed to store report", http.StatusInternalServerError)
			return
		}
	}

	h.logger.Info("report submitted",
		zap.String("report_id", report.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("rows", result.Total),
		zap.Int("processed", result.Processed))

	if wantsCSV(r) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("X-Report-ID", report.ID)
		if err := batch.WriteRows(w, result.Rows); err != nil {
			h.logger.Warn("failed to write csv response", zap.Error(err))
		}
		return
	}
	h.jsonResponse(w, http.StatusOK, result)
}

// QueueResponse acknowledges a queued report
type QueueResponse struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
	Rows     int    `json:"rows"`
}

// QueueReport handles POST /reports/submissions. It accepts the same bodies
// as SubmitReport and answers 202 once the report is on the broker.
func (h *ReconciliationHandler) QueueReport(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		h.jsonError(w, "queued submission is not configured", http.StatusNotImplemented)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "queue_report")
	defer span.End()

	report, err := h.decodeReport(w, r)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if err := h.validate.Struct(report); err != nil {
		h.jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("report_id", report.ID))

	value, err := json.Marshal(batch.ReportSubmitted{
		Report:      report,
		SubmittedAt: time.Now().UTC(),
		Encoding:    r.URL.Query().Get("encoding"),
	})
	if err != nil {
		h.jsonError(w, "failed to encode report", http.StatusInternalServerError)
		return
	}
	if err := h.publisher.Publish(ctx, redpanda.TopicReportsSubmitted, report.ID, value); err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("failed to queue report",
			zap.String("report_id", report.ID),
			zap.Error(err))
		h.jsonError(w, "failed to queue report", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("report queued",
		zap.String("report_id", report.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("rows", len(report.Rows)))
	h.jsonResponse(w, http.StatusAccepted, QueueResponse{
		ReportID: report.ID,
		Status:   "queued",
		Rows:     len(report.Rows),
	})
}

func (h *ReconciliationHandler) decodeReport(w http.ResponseWriter, r *http.Request) (batch.Report, error) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "text/csv" {
		q := r.URL.Query()
		encoding := q.Get("encoding")
		if encoding == "" {
			encoding = batch.EncodingUTF8
		}
		rows, err := batch.ReadRows(body, encoding)
		if err != nil {
			return batch.Report{}, err
		}
		return batch.Report{
			ID:              q.Get("report_id"),
			DataAccessGroup: q.Get("data_access_group"),
			Rows:            rows,
		}, nil
	}

	var report batch.Report
	if err := json.NewDecoder(body).Decode(&report); err != nil {
		return batch.Report{}, errors.New("invalid request body")
	}
	return report, nil
}

// GetReport handles GET /reports/{id}
func (h *ReconciliationHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.jsonError(w, "report storage is not configured", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	report, err := h.reports.Get(r.Context(), id)
	if errors.Is(err, batch.ErrReportNotFound) {
		h.jsonError(w, "report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load report", zap.String("report_id", id), zap.Error(err))
		h.jsonError(w, "failed to load report", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, report)
}

// ReconcileRequest is the body of POST /reconcile
type ReconcileRequest struct {
	EscriptNDC   string `json:"escript_ndc" validate:"required,max=32"`
	DispensedNDC string `json:"dispensed_ndc" validate:"max=32"`
}

// Reconcile handles POST /reconcile
func (h *ReconciliationHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "reconcile_pair")
	defer span.End()

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	res, err := h.reconciler.Reconcile(ctx, req.EscriptNDC, req.DispensedNDC, h.cache)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.lookupError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, res)
}

// NDCResponse is the body returned by GET /ndc/{ndc}
type NDCResponse struct {
	NDC     string         `json:"ndc"`
	RxCUI   string         `json:"rxcui"`
	Outcome rxnorm.Outcome `json:"outcome"`
}

// LookupNDC handles GET /ndc/{ndc}
func (h *ReconciliationHandler) LookupNDC(w http.ResponseWriter, r *http.Request) {
	ndc := rxnorm.NormalizeNDC(chi.URLParam(r, "ndc"))
	if ndc == "" || len(ndc) > 11 {
		h.jsonError(w, "invalid ndc", http.StatusBadRequest)
		return
	}

	rxcui, err := h.reconciler.ResolveNDC(r.Context(), ndc, h.cache)
	if err != nil {
		h.lookupError(w, err)
		return
	}
	resp := NDCResponse{NDC: ndc, RxCUI: rxcui, Outcome: rxnorm.OutcomeResolved}
	if rxcui == "" {
		resp.Outcome = rxnorm.OutcomeNotFound
	}
	h.jsonResponse(w, http.StatusOK, resp)
}

// GetConcept handles GET /concepts/{rxcui}
func (h *ReconciliationHandler) GetConcept(w http.ResponseWriter, r *http.Request) {
	rxcui := strings.TrimSpace(chi.URLParam(r, "rxcui"))
	if err := h.validate.Var(rxcui, "required,numeric,max=16"); err != nil {
		h.jsonError(w, "invalid rxcui", http.StatusBadRequest)
		return
	}

	c, err := h.reconciler.Concept(r.Context(), rxcui, h.cache)
	if err != nil {
		h.lookupError(w, err)
		return
	}
	if c == nil {
		h.jsonError(w, "concept not found", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, http.StatusOK, c)
}

func (h *ReconciliationHandler) lookupError(w http.ResponseWriter, err error) {
	outcome := rxnorm.Classify(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case outcome == rxnorm.OutcomeTransientFailure:
		status = http.StatusServiceUnavailable
	case outcome == rxnorm.OutcomeMalformedResponse:
		status = http.StatusBadGateway
	}
	h.logger.Warn("lookup failed", zap.String("outcome", string(outcome)), zap.Error(err))
	h.jsonResponse(w, status, map[string]string{
		"error":   err.Error(),
		"outcome": string(outcome),
	})
}

func (h *ReconciliationHandler) jsonResponse(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *ReconciliationHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}

func wantsCSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// validationMessage lists the failing fields of a validator error
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fe.Namespace() + " failed " + fe.Tag()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
