// Package server exposes the pipelines over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/store"
	"github.com/temirov/llm-pipelines/tasks/taxcompliance"
	"github.com/temirov/llm-pipelines/tasks/vendorrisk"
)

const (
	serviceName               = "llm-pipelines"
	contentTypeHeader         = "Content-Type"
	contentTypeJSON           = "application/json"
	defaultMaxUploadBytes     = 10 << 20
	defaultReadTimeout        = 30 * time.Second
	defaultWriteTimeout       = 5 * time.Minute
	shutdownGracePeriod       = 10 * time.Second
	formFieldFile             = "file"
	formFieldFiles            = "files"
	formFieldDomain           = "domain"
	formFieldEntityType       = "entity_type"
	formFieldFilingType       = "filing_type"
	formFieldPeriodStart      = "period_start"
	formFieldPeriodEnd        = "period_end"
	formFieldVendorName       = "vendor_name"
	formFieldGSTIN            = "gstin"
	formFieldBillingHistory   = "billing_history"
	formFieldActiveLegalCases = "active_legal_cases"
	missingFieldErrorFormat   = "missing form field %q"
	invalidFieldErrorFormat   = "invalid form field %q: %v"
)

// Pipelines is the service the handlers call.
type Pipelines interface {
	Names() []string
	RunVendorRisk(ctx context.Context, input vendorrisk.Input) (vendorrisk.Report, error)
	RunTaxCompliance(ctx context.Context, input taxcompliance.Input) (taxcompliance.Report, error)
	Store() store.Store
}

type Server struct {
	Router   *chi.Mux
	settings config.Server
	service  Pipelines
	logger   *zap.Logger
}

// New builds the router. Middleware order: request id, access log, timeout,
// panic recovery, tracing.
func New(service Pipelines, settings config.Server, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(TimeoutMiddleware(seconds(settings.WriteTimeoutSeconds, defaultWriteTimeout)))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	})

	server := &Server{Router: router, settings: settings, service: service, logger: logger}
	router.Get("/health", server.handleHealth)
	router.Post("/analyze", server.handleAnalyze)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/pipeline/run", server.handleTaxCompliance)
		r.Post("/vendor-risk/analyze", server.handleAnalyze)
		r.Get("/runs/{runID}", server.handleRun)
	})
	return server
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.settings.Address,
		Handler:           s.Router,
		ReadHeaderTimeout: seconds(s.settings.ReadTimeoutSeconds, defaultReadTimeout),
		ReadTimeout:       seconds(s.settings.ReadTimeoutSeconds, defaultReadTimeout),
		WriteTimeout:      seconds(s.settings.WriteTimeoutSeconds, defaultWriteTimeout),
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", zap.String("address", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGracePeriod)
		defer cancel()
		s.logger.Info("server: shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pipelines": s.service.Names()})
}

func (s *Server) handleTaxCompliance(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	input, err := taxComplianceInput(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.service.RunTaxCompliance(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, statusFor(report.Status, report.Reason), report)
}

// handleAnalyze accepts a JSON vendor input or a multipart form with
// vendor_name, gstin and one or more document files.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var input vendorrisk.Input
	if strings.HasPrefix(r.Header.Get(contentTypeHeader), contentTypeJSON) {
		body := http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
		if err := json.NewDecoder(body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode vendor input: %w", err))
			return
		}
	} else {
		if err := s.parseMultipart(w, r); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		parsed, err := vendorInput(r.MultipartForm)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		input = parsed
	}
	report, err := s.service.RunVendorRisk(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, statusFor(report.Status, report.Reason), report)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	record, err := s.service.Store().Get(r.Context(), store.KindRun, runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
	if err := r.ParseMultipartForm(s.maxUploadBytes()); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	return nil
}

func (s *Server) maxUploadBytes() int64 {
	if s.settings.MaxUploadBytes > 0 {
		return s.settings.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func taxComplianceInput(form *multipart.Form) (taxcompliance.Input, error) {
	headers := form.File[formFieldFile]
	if len(headers) == 0 {
		return taxcompliance.Input{}, fmt.Errorf(missingFieldErrorFormat, formFieldFile)
	}
	content, err := readUpload(headers[0])
	if err != nil {
		return taxcompliance.Input{}, err
	}
	input := taxcompliance.Input{
		CSV:        content,
		Domain:     formValue(form, formFieldDomain),
		EntityType: formValue(form, formFieldEntityType),
		FilingType: formValue(form, formFieldFilingType),
	}
	if input.PeriodStart, err = parseFormDate(form, formFieldPeriodStart); err != nil {
		return taxcompliance.Input{}, err
	}
	if input.PeriodEnd, err = parseFormDate(form, formFieldPeriodEnd); err != nil {
		return taxcompliance.Input{}, err
	}
	return input, nil
}

func vendorInput(form *multipart.Form) (vendorrisk.Input, error) {
	input := vendorrisk.Input{
		VendorName: formValue(form, formFieldVendorName),
		TaxID:      formValue(form, formFieldGSTIN),
	}
	for _, header := range form.File[formFieldFiles] {
		content, err := readUpload(header)
		if err != nil {
			return vendorrisk.Input{}, err
		}
		input.Documents = append(input.Documents, vendorrisk.Document{Name: header.Filename, Content: string(content)})
	}
	if history := formValue(form, formFieldBillingHistory); history != "" {
		for _, field := range strings.Split(history, ",") {
			amount, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return vendorrisk.Input{}, fmt.Errorf(invalidFieldErrorFormat, formFieldBillingHistory, err)
			}
			input.BillingHistory = append(input.BillingHistory, amount)
		}
	}
	if cases := formValue(form, formFieldActiveLegalCases); cases != "" {
		count, err := strconv.Atoi(cases)
		if err != nil {
			return vendorrisk.Input{}, fmt.Errorf(invalidFieldErrorFormat, formFieldActiveLegalCases, err)
		}
		input.ActiveLegalCases = count
	}
	return input, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", header.Filename, err)
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read upload %s: %w", header.Filename, err)
	}
	return content, nil
}

func formValue(form *multipart.Form, name string) string {
	if values := form.Value[name]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func parseFormDate(form *multipart.Form, name string) (time.Time, error) {
	value := formValue(form, name)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf(invalidFieldErrorFormat, name, value)
}

// statusFor maps a run status and its classified abort reason onto the
// response code. Aborted runs caused by malformed input are the caller's
// fault; other aborts are upstream failures.
func statusFor(status pipeline.Status, reason string) int {
	if status != pipeline.StatusAborted {
		return http.StatusOK
	}
	if reason == pipeline.ReasonValidation {
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers requests that never reached a pipeline. The body carries
// the same success and error fields as a report so clients can check one shape.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func seconds(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Second
	}
	return fallback
}
