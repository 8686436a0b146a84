package app_test

import (
	"context"
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
	mu      sync.Mutex
	replies map[string]string
	calls   int
}

func (r *cannedReasoner) Complete(_ context.Context, request pipeline.CompletionRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.replies[request.SchemaName], nil
}

func newCannedReasoner() *cannedReasoner {
	return &cannedReasoner{replies: map[string]string{
		"compliance_validation":  `{"status":"pass","details":"ok","applied_rules":[]}`,
		"filing_summary":         `{"summary":"Ready.","actions":[]}`,
		"external_intelligence":  `{"summary":"No adverse records.","concerns":[],"legal_disputes":false}`,
		"credibility_assessment": `{"risk_score":10,"justification":"Clean.","recommendations":[]}`,
	}}
}

func defaultRoot(t *testing.T) config.Root {
	t.Helper()
	source, err := config.NewRootConfigurationLoader("", "").Load("")
	require.NoError(t, err)
	root, err := config.LoadRoot(source)
	require.NoError(t, err)
	return root
}

func newService(t *testing.T, root config.Root, options ...app.Option) (*app.Service, fsops.Ops) {
	t.Helper()
	files := fsops.NewOps(fsops.NewMem())
	runCounter := 0
	defaults := []app.Option{
		app.WithReasoner(newCannedReasoner()),
		app.WithFiles(files),
		app.WithGetenv(func(string) string { return "" }),
		app.WithRunID(func() string {
			runCounter++
			return "run-" + string(rune('a'+runCounter-1))
		}),
	}
	service, err := app.New(context.Background(), root, append(defaults, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, service.Close()) })
	return service, files
}

func TestServiceRegistersConfiguredPipelines(t *testing.T) {
	service, _ := newService(t, defaultRoot(t))
	assert.Equal(t, []string{taxcompliance.Name, vendorrisk.Name}, service.Names())

	root := defaultRoot(t)
	for index := range root.Pipelines {
		if root.Pipelines[index].Name == vendorrisk.Name {
			root.Pipelines[index].Enabled = false
		}
	}
	restricted, _ := newService(t, root)
	assert.Equal(t, []string{taxcompliance.Name}, restricted.Names())

	_, err := restricted.Run(context.Background(), vendorrisk.Name, vendorrisk.Input{})
	require.ErrorIs(t, err, app.ErrUnknownPipeline)
}

func TestRunTaxComplianceTracksRun(t *testing.T) {
	service, files := newService(t, defaultRoot(t))
	require.NoError(t, files.WriteReport("/corpus/cgst/section-16.txt", []byte("Input tax credit requires a valid GSTIN on the invoice.")))
	require.NoError(t, files.WriteReport("/corpus/gstn/gstr-1.md", []byte("GSTR-1 reports outward supplies monthly.")))
	indexed, err := service.IndexCorpus(context.Background(), "/corpus")
	require.NoError(t, err)
	require.Equal(t, 2, indexed)

	report, err := service.RunTaxCompliance(context.Background(), taxcompliance.Input{
		CSV:         []byte(aprilCSV),
		Domain:      "GST",
		EntityType:  "company",
		PeriodStart: time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, report.Success, report.Error)
	assert.Equal(t, pipeline.StatusCompleted, report.Status)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, taxcompliance.AnomalyFutureDate, report.Anomalies[0].Type)
	assert.Equal(t, 2, report.ComplianceSummary.Regulations)
	require.NotNil(t, report.Report)
	assert.True(t, strings.HasPrefix(report.Report.Path, "reports/tax-compliance/"))
	assert.True(t, files.FileExists(report.Report.Path))

	run, err := service.Store().Get(context.Background(), store.KindRun, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, run.Status)
	assert.Equal(t, taxcompliance.Name, run.Fields["pipeline"])
}

func TestAbortedRunIsRecorded(t *testing.T) {
	service, _ := newService(t, defaultRoot(t))

	report, err := service.RunVendorRisk(context.Background(), vendorrisk.Input{VendorName: "Acme"})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, pipeline.StatusAborted, report.Status)
	assert.Contains(t, report.Error, "input: validation_error")

	run, err := service.Store().Get(context.Background(), store.KindRun, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAborted, run.Status)
	assert.Equal(t, "input", run.Fields["aborted_at"])
}

func TestUnknownModelOverride(t *testing.T) {
	_, err := app.New(context.Background(), defaultRoot(t), app.WithModel("missing"), app.WithReasoner(newCannedReasoner()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `model "missing" not found`)
}

func TestMissingAPIKeyDegradesRuns(t *testing.T) {
	files := fsops.NewOps(fsops.NewMem())
	service, err := app.New(context.Background(), defaultRoot(t),
		app.WithFiles(files),
		app.WithGetenv(func(string) string { return "" }),
	)
	require.NoError(t, err)
	defer service.Close()

	report, err := service.RunVendorRisk(context.Background(), vendorrisk.Input{
		VendorName: "Acme Industrial Supplies",
		TaxID:      validGSTIN,
		Documents:  []vendorrisk.Document{{Name: "gst.txt", Content: "GSTIN: " + validGSTIN}},
	})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, pipeline.StatusCompletedWithWarnings, report.Status)
	require.NotNil(t, report.RiskScore)
	assert.InDelta(t, report.RiskAnalysis.RuleScore, report.RiskScore.Score, 0.01)
}
