package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temirov/llm-pipelines/internal/app"
	"github.com/temirov/llm-pipelines/internal/config"
	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/server"
	"github.com/temirov/llm-pipelines/internal/store"
	"github.com/temirov/llm-pipelines/tasks/taxcompliance"
	"github.com/temirov/llm-pipelines/tasks/vendorrisk"
)

const (
	validGSTIN = "27AAPFU0939F1ZV"
	aprilCSV   = "transaction_id,date,description,amount,category,vendor,tax_type,gstin,is_debit\n" +
		"T1,2024-04-05,Office chairs,1000,Furniture,Acme,GST," + validGSTIN + ",true\n" +
		"T2,2024-04-18,Printer toner,1200,Supplies,Acme,GST," + validGSTIN + ",true\n" +
		"T3,2024-05-03,Laptop stand,1100,Equipment,Acme,GST," + validGSTIN + ",true\n"
)

type cannedReasoner struct {
	mu sync.Mutex
}

func (r *cannedReasoner) Complete(_ context.Context, request pipeline.CompletionRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch request.SchemaName {
	case "compliance_validation":
		return `{"status":"pass","details":"ok","applied_rules":[]}`, nil
	case "filing_summary":
		return `{"summary":"Ready.","actions":[]}`, nil
	case "external_intelligence":
		return `{"summary":"No adverse records.","concerns":[],"legal_disputes":false}`, nil
	default:
		return `{"risk_score":10,"justification":"Clean.","recommendations":[]}`, nil
	}
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	source, err := config.NewRootConfigurationLoader("", "").Load("")
	require.NoError(t, err)
	root, err := config.LoadRoot(source)
	require.NoError(t, err)
	service, err := app.New(context.Background(), root,
		app.WithReasoner(&cannedReasoner{}),
		app.WithFiles(fsops.NewOps(fsops.NewMem())),
		app.WithGetenv(func(string) string { return "" }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return server.New(service, root.Server, nil)
}

func multipartRequest(t *testing.T, path string, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	for name, content := range files {
		part, err := writer.CreateFormFile(name, name+".csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	request := httptest.NewRequest(http.MethodPost, path, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func TestHealth(t *testing.T) {
	testServer := newTestServer(t)
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get(server.RequestIDHeader))
	var payload struct {
		Status    string   `json:"status"`
		Pipelines []string `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, []string{taxcompliance.Name, vendorrisk.Name}, payload.Pipelines)
}

func TestPipelineRunReturnsReport(t *testing.T) {
	testServer := newTestServer(t)
	request := multipartRequest(t, "/api/v1/pipeline/run",
		map[string]string{"domain": "GST", "entity_type": "company", "filing_type": "GSTR-1", "period_start": "2024-04-01", "period_end": "2024-04-30"},
		map[string]string{"file": aprilCSV},
	)
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var report taxcompliance.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.True(t, report.Success)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, taxcompliance.AnomalyFutureDate, report.Anomalies[0].Type)
	assert.Equal(t, taxcompliance.SeverityHigh, report.Anomalies[0].Severity)
	assert.NotNil(t, report.ComplianceSummary)
	assert.NotNil(t, report.FilingSummary)

	runRecorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(runRecorder, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+report.RunID, nil))
	require.Equal(t, http.StatusOK, runRecorder.Code)
	var record store.Record
	require.NoError(t, json.Unmarshal(runRecorder.Body.Bytes(), &record))
	assert.Equal(t, store.StatusCompleted, record.Status)
}

func TestPipelineRunRejectsBadRequests(t *testing.T) {
	testServer := newTestServer(t)
	testCases := []struct {
		name     string
		fields   map[string]string
		files    map[string]string
		expected int
	}{
		{name: "missing file", fields: map[string]string{"domain": "GST"}, expected: http.StatusBadRequest},
		{name: "bad period", fields: map[string]string{"period_end": "April"}, files: map[string]string{"file": aprilCSV}, expected: http.StatusBadRequest},
		{name: "malformed csv", files: map[string]string{"file": "transaction_id,description\nT1,x\n"}, expected: http.StatusUnprocessableEntity},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			testServer.Router.ServeHTTP(recorder, multipartRequest(t, "/api/v1/pipeline/run", testCase.fields, testCase.files))
			assert.Equal(t, testCase.expected, recorder.Code, recorder.Body.String())
			assert.Contains(t, recorder.Body.String(), `"success":false`)
		})
	}
}

func TestAnalyzeJSON(t *testing.T) {
	testServer := newTestServer(t)
	input := vendorrisk.Input{
		VendorName:     "Acme Industrial Supplies",
		TaxID:          validGSTIN,
		Documents:      []vendorrisk.Document{{Name: "gst.txt", Content: "GSTIN: " + validGSTIN}},
		BillingHistory: []float64{100, 100, 100},
	}
	body, err := json.Marshal(input)
	require.NoError(t, err)
	request := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var report vendorrisk.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.True(t, report.Success)
	assert.Equal(t, "Acme Industrial Supplies", report.VendorInfo.Name)
	require.NotNil(t, report.RiskScore)
}

func TestAnalyzeMultipartWithoutDocumentsIsRejected(t *testing.T) {
	testServer := newTestServer(t)
	request := multipartRequest(t, "/analyze", map[string]string{"vendor_name": "Acme", "gstin": validGSTIN}, nil)
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
	var report vendorrisk.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.Equal(t, pipeline.StatusAborted, report.Status)
	assert.True(t, strings.HasPrefix(report.Error, "input: validation_error"))
}

// stubPipelines returns fixed reports so response codes can be checked
// against the classified abort reason alone.
type stubPipelines struct {
	vendorReport vendorrisk.Report
}

func (stubPipelines) Names() []string { return []string{vendorrisk.Name} }

func (s stubPipelines) RunVendorRisk(context.Context, vendorrisk.Input) (vendorrisk.Report, error) {
	return s.vendorReport, nil
}

func (stubPipelines) RunTaxCompliance(context.Context, taxcompliance.Input) (taxcompliance.Report, error) {
	return taxcompliance.Report{}, nil
}

func (stubPipelines) Store() store.Store { return nil }

func TestAbortStatusFollowsReason(t *testing.T) {
	testCases := []struct {
		name     string
		report   vendorrisk.Report
		expected int
	}{
		{
			name: "validation reason",
			report: vendorrisk.Report{
				Status: pipeline.StatusAborted,
				Reason: pipeline.ReasonValidation,
				Error:  "input: no documents supplied",
			},
			expected: http.StatusUnprocessableEntity,
		},
		{
			name: "upstream failure quoting validation text",
			report: vendorrisk.Report{
				Status: pipeline.StatusAborted,
				Reason: pipeline.ReasonCollaboratorUnavailable,
				Error:  "credibility_scoring: collaborator_unavailable: upstream said validation_error",
			},
			expected: http.StatusBadGateway,
		},
		{
			name:     "completed",
			report:   vendorrisk.Report{Success: true, Status: pipeline.StatusCompleted},
			expected: http.StatusOK,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testServer := server.New(stubPipelines{vendorReport: testCase.report}, config.Server{}, nil)
			request := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(`{"vendor_name":"Acme"}`))
			request.Header.Set("Content-Type", "application/json")
			recorder := httptest.NewRecorder()
			testServer.Router.ServeHTTP(recorder, request)
			assert.Equal(t, testCase.expected, recorder.Code, recorder.Body.String())
		})
	}
}

func TestAbortedReportCarriesReason(t *testing.T) {
	testServer := newTestServer(t)
	request := multipartRequest(t, "/analyze", map[string]string{"vendor_name": "Acme"}, nil)
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, request)

	var report vendorrisk.Report
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &report))
	assert.Equal(t, pipeline.ReasonValidation, report.Reason)
}

func TestUnknownRun(t *testing.T) {
	testServer := newTestServer(t)
	recorder := httptest.NewRecorder()
	testServer.Router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRequestIDIsPreserved(t *testing.T) {
	var seen string
	handler := server.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = server.GetRequestID(r.Context())
	}))
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set(server.RequestIDHeader, "client-42")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, "client-42", seen)
	assert.Equal(t, "client-42", recorder.Header().Get(server.RequestIDHeader))
	assert.Empty(t, server.GetRequestID(context.Background()))
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	handler := server.TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, hasDeadline = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}
