// Package server exposes the availability engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storekit/availz/internal/core"
	"github.com/storekit/availz/internal/legacy"
	"github.com/storekit/availz/internal/metrics"
	"github.com/storekit/availz/internal/repository"
	"github.com/storekit/availz/internal/service"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// Service is the surface of [service.Service] the HTTP layer needs.
type Service interface {
	CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	UpdateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	GetRule(ctx context.Context, id string) (core.Rule, error)
	ListRulesForProduct(ctx context.Context, productID string) ([]core.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	Evaluate(ctx context.Context, productID string, at time.Time, evalCtx core.Context) (core.Evaluation, error)
	PreviewTimeline(ctx context.Context, productID string, from, until time.Time, evalCtx core.Context) (core.Preview, error)
	BulkApply(ctx context.Context, req service.BulkRequest) (service.BulkResult, error)
	ImportLegacy(ctx context.Context, productID string, flags legacy.Flags) (service.LegacyImport, error)
	MaterializeNextChange(ctx context.Context, productID string, evalCtx core.Context) (*repository.Schedule, error)
}

// HTTPOptions tunes the HTTP handler.
type HTTPOptions struct {
	// MaxJSONBodySize caps request bodies in bytes. Zero means 1MB.
	MaxJSONBodySize int64
	// Metrics, when set, mounts /metrics and instruments every route.
	Metrics *metrics.Metrics
}

type HTTPServer struct {
	service      Service
	maxBodyBytes int64
	metrics      *metrics.Metrics
}

type evaluateJSONRequest struct {
	ProductID string       `json:"product_id"`
	At        *time.Time   `json:"at,omitempty"`
	Context   core.Context `json:"context"`
}

type previewJSONRequest struct {
	ProductID string       `json:"product_id"`
	From      *time.Time   `json:"from,omitempty"`
	Until     time.Time    `json:"until"`
	Context   core.Context `json:"context"`
}

type migrateJSONRequest struct {
	ProductID string       `json:"product_id"`
	Flags     legacy.Flags `json:"flags"`
}

type scheduleJSONRequest struct {
	ProductID string       `json:"product_id"`
	Context   core.Context `json:"context"`
}

// NewHTTPHandler builds the route table with default options.
func NewHTTPHandler(svc Service) http.Handler {
	return NewHTTPHandlerWithOptions(svc, HTTPOptions{})
}

// NewHTTPHandlerWithOptions builds the route table for the availz API.
func NewHTTPHandlerWithOptions(svc Service, opts HTTPOptions) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	maxBodyBytes := opts.MaxJSONBodySize
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxJSONBodyBytes
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: maxBodyBytes,
		metrics:      opts.Metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/rules", server.handleCreateRule)
	mux.HandleFunc("GET /v1/rules/{id}", server.handleGetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", server.handleUpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", server.handleDeleteRule)
	mux.HandleFunc("GET /v1/products/{productID}/rules", server.handleListProductRules)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/preview", server.handlePreview)
	mux.HandleFunc("POST /v1/bulk", server.handleBulk)
	mux.HandleFunc("POST /v1/migrate", server.handleMigrate)
	mux.HandleFunc("POST /v1/schedules", server.handleMaterializeSchedule)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := http.StatusText(wrapped.status)
		if status == "" {
			status = "unknown"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if !rec.written {
		rec.status = code
		rec.written = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.written = true
	return rec.ResponseWriter.Write(b)
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	rule, err := s.service.GetRule(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	var rule core.Rule
	if err := s.decodeJSONBody(w, r, &rule); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(rule.ID) != "" && rule.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	rule.ID = id

	updated, err := s.service.UpdateRule(r.Context(), rule)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "rule id is required")
		return
	}

	if err := s.service.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListProductRules(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(r.PathValue("productID"))
	if productID == "" {
		writeJSONError(w, http.StatusBadRequest, "product id is required")
		return
	}

	rules, err := s.service.ListRulesForProduct(r.Context(), productID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ProductID) == "" {
		writeJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	at := time.Time{}
	if request.At != nil {
		at = *request.At
	}

	evaluation, err := s.service.Evaluate(r.Context(), request.ProductID, at, request.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluation)
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	var request previewJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ProductID) == "" {
		writeJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	if request.Until.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "until is required")
		return
	}

	from := time.Time{}
	if request.From != nil {
		from = *request.From
	}

	preview, err := s.service.PreviewTimeline(r.Context(), request.ProductID, from, request.Until, request.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	var request service.BulkRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.BulkApply(r.Context(), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var request migrateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ProductID) == "" {
		writeJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	result, err := s.service.ImportLegacy(r.Context(), request.ProductID, request.Flags)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleMaterializeSchedule(w http.ResponseWriter, r *http.Request) {
	var request scheduleJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.ProductID) == "" {
		writeJSONError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	schedule, err := s.service.MaterializeNextChange(r.Context(), request.ProductID, request.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if schedule == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.metrics != nil {
		s.metrics.IncSchedulesMaterialized()
	}

	writeJSON(w, http.StatusCreated, schedule)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRule):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrProductIDRequired), errors.Is(err, service.ErrInvalidWindow):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
