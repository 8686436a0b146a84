package taxcompliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/llm"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/prompts"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/store"
)

const (
	StageIngest               = "ingest"
	StageRegulationFetch      = "regulation_fetch"
	StageComplianceValidation = "compliance_validation"
	StageFilingAggregation    = "filing_aggregation"
	StageAnomalyDetection     = "anomaly_detection"
	StageReportGeneration     = "report_generation"

	templateComplianceValidation = "tax_compliance_validation"
	templateFilingSummary        = "tax_filing_summary"

	ComplianceValid   = "valid"
	ComplianceInvalid = "invalid"
	CompliancePending = "pending"

	ReadinessReady       = "ready"
	ReadinessNeedsReview = "needs_review"
	ReadinessNotReady    = "not_ready"

	readyThreshold        = 90.0
	reviewThreshold       = 60.0
	validationConcurrency = 4
	noRegulationsText     = "No regulations were retrieved; judge from general knowledge and prefer pending."
	noAnomaliesText       = "none"
	unvalidatedFormat     = "%d of %d transactions could not be validated and are pending: %v"
	filingSchemaVersion   = "1.0"
	filingFileFormat      = "%s%s.json"
	summaryFileFormat     = "%s%s-summary.md"
	recordIDSeparator     = "/"

	fieldComplianceStatus = "compliance_status"
	fieldValidationNotes  = "validation_details"
	fieldAppliedRules     = "applied_rules"
	fieldFilingType       = "filing_type"
)

var statusAliases = map[string]string{
	"pass":    ComplianceValid,
	"valid":   ComplianceValid,
	"fail":    ComplianceInvalid,
	"invalid": ComplianceInvalid,
	"warning": CompliancePending,
	"pending": CompliancePending,
}

var anomalyNamespace = uuid.MustParse("6f1f0c55-3d1e-4c55-9a8f-0d6d5e3c1a20")

// Retriever is the retrieval collaborator used by regulation_fetch.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// Ingested is the ingest payload.
type Ingested struct {
	Transactions []Transaction `json:"transactions"`
	Period       Period        `json:"period"`
	Domain       string        `json:"domain"`
	EntityType   string        `json:"entity_type"`
	FilingType   string        `json:"filing_type"`
}

// Regulations is the regulation_fetch payload.
type Regulations struct {
	Query    string              `json:"query"`
	Passages []retrieval.Passage `json:"passages"`
	Context  string              `json:"-"`
}

type AppliedRule struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// ValidatedTransaction pairs a transaction with its compliance verdict.
type ValidatedTransaction struct {
	Transaction
	Status       string        `json:"compliance_status"`
	Details      string        `json:"validation_details"`
	AppliedRules []AppliedRule `json:"applied_rules"`
}

// Validation is the compliance_validation payload.
type Validation struct {
	Transactions []ValidatedTransaction `json:"transactions"`
	Valid        int                    `json:"valid"`
	Invalid      int                    `json:"invalid"`
	Pending      int                    `json:"pending"`
}

type validationReply struct {
	Status       string        `json:"status"`
	Details      string        `json:"details"`
	AppliedRules []AppliedRule `json:"applied_rules"`
}

func (r *validationReply) Check() error {
	if strings.TrimSpace(r.Status) == "" {
		return errors.New("status is missing")
	}
	return nil
}

// FilingSummary is the filing_aggregation payload.
type FilingSummary struct {
	FilingType     string  `json:"filing_type"`
	Period         Period  `json:"period"`
	Transactions   int     `json:"transactions"`
	InPeriod       int     `json:"in_period"`
	Included       int     `json:"included"`
	TaxableValue   float64 `json:"total_taxable_value"`
	GSTAmount      float64 `json:"gst_amount"`
	TDSAmount      float64 `json:"tds_amount"`
	TotalTax       float64 `json:"total_tax_amount"`
	ReadinessScore float64 `json:"readiness_score"`
	Readiness      string  `json:"readiness"`
}

// Anomaly is one detected problem, persisted as an open record.
type Anomaly struct {
	ID            string   `json:"id"`
	TransactionID string   `json:"transaction_id"`
	Type          string   `json:"type"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	SuggestedFix  string   `json:"suggested_fix"`
}

// FilingReport is the report_generation payload.
type FilingReport struct {
	Path        string          `json:"path,omitempty"`
	SummaryPath string          `json:"summary_path,omitempty"`
	Document    json.RawMessage `json:"document,omitempty"`
	Summary     string          `json:"summary"`
	Actions     []string        `json:"actions"`
}

type filingSummaryReply struct {
	Summary string   `json:"summary"`
	Actions []string `json:"actions"`
}

type reasoning struct {
	reasoner    pipeline.Reasoner
	prompts     prompts.Library
	modelID     string
	temperature float64
	maxTokens   int
}

func (r reasoning) complete(ctx context.Context, in pipeline.Inputs, template string, vars map[string]string) (string, error) {
	if r.reasoner == nil {
		return "", pipeline.Unavailable(fmt.Errorf("no reasoning collaborator configured for %s", in.Stage()))
	}
	rendered, err := r.prompts.Render(template, vars)
	if err != nil {
		return "", err
	}
	return in.Complete(ctx, r.reasoner, rendered.Request(r.modelID, r.temperature, r.maxTokens))
}

func recordID(runID string, parts ...string) string {
	if runID == "" {
		return strings.Join(parts, recordIDSeparator)
	}
	return runID + recordIDSeparator + strings.Join(parts, recordIDSeparator)
}

// ---------- ingest ----------

type ingestStage struct {
	records    store.Store
	filingType string
}

func (ingestStage) Name() string        { return StageIngest }
func (ingestStage) DependsOn() []string { return nil }

func (s ingestStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	transactions, err := ParseTransactions(bytes.NewReader(input.CSV))
	if err != nil {
		return pipeline.Failed(err)
	}
	period, err := resolvePeriod(input, transactions)
	if err != nil {
		return pipeline.Failed(err)
	}
	for _, transaction := range transactions {
		record := store.Record{
			Kind:   store.KindTransaction,
			ID:     recordID(in.RunID(), transaction.ID),
			RunID:  in.RunID(),
			Status: store.StatusRaw,
			Fields: transactionFields(transaction),
		}
		if err := s.records.Put(ctx, record); err != nil {
			return pipeline.Failed(err)
		}
	}
	return pipeline.Succeeded(Ingested{
		Transactions: transactions,
		Period:       period,
		Domain:       firstNonEmpty(input.Domain, defaultDomain),
		EntityType:   firstNonEmpty(input.EntityType, defaultEntityType),
		FilingType:   firstNonEmpty(input.FilingType, s.filingType),
	})
}

func transactionFields(transaction Transaction) map[string]any {
	return map[string]any{
		"transaction_id": transaction.ID,
		"date":           transaction.Date.Format(time.DateOnly),
		"description":    transaction.Description,
		"amount":         transaction.Amount,
		"category":       transaction.Category,
		"vendor":         transaction.Vendor,
		"tax_type":       transaction.TaxType,
		"gstin":          transaction.GSTIN,
		"is_debit":       transaction.IsDebit,
	}
}

// ---------- regulation_fetch ----------

type regulationFetchStage struct {
	retriever Retriever
	context   *retrieval.ContextBuilder
	k         int
}

func (regulationFetchStage) Name() string        { return StageRegulationFetch }
func (regulationFetchStage) DependsOn() []string { return []string{StageIngest} }

func (regulationFetchStage) Default() any {
	return Regulations{Passages: []retrieval.Passage{}}
}

func (s regulationFetchStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	ingested, err := pipeline.OutputAs[Ingested](in, StageIngest)
	if err != nil {
		return pipeline.Failed(err)
	}
	if s.retriever == nil {
		return pipeline.Failed(fmt.Errorf("%w: no retriever configured", pipeline.ErrStoreUnavailable))
	}
	query := regulationQuery(ingested)
	var passages []retrieval.Passage
	retrieveErr := in.Call(pipeline.TargetRetrieval, query, func() error {
		var callErr error
		passages, callErr = s.retriever.Retrieve(ctx, query, s.k)
		return callErr
	})
	if retrieveErr != nil {
		return pipeline.Failed(retrieveErr)
	}
	return pipeline.Succeeded(Regulations{Query: query, Passages: passages, Context: s.context.Build(passages)})
}

func regulationQuery(ingested Ingested) string {
	var taxTypes []string
	for _, transaction := range ingested.Transactions {
		if transaction.TaxType != "" {
			taxTypes = appendUnique(taxTypes, transaction.TaxType)
		}
	}
	query := fmt.Sprintf("%s regulations for %s entities, %s filing", ingested.Domain, ingested.EntityType, ingested.FilingType)
	if len(taxTypes) > 0 {
		query += ", tax types " + strings.Join(taxTypes, ", ")
	}
	return query
}

// ---------- compliance_validation ----------

type complianceValidationStage struct {
	reasoning
	records store.Store
}

func (complianceValidationStage) Name() string { return StageComplianceValidation }
func (complianceValidationStage) DependsOn() []string {
	return []string{StageIngest, StageRegulationFetch}
}

// Execute asks the reasoning collaborator for a verdict per transaction.
// A transaction whose call fails is marked pending and the stage reports a
// partial result; store failures fail the stage.
func (s complianceValidationStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	ingested, err := pipeline.OutputAs[Ingested](in, StageIngest)
	if err != nil {
		return pipeline.Failed(err)
	}
	regulations, err := pipeline.OutputAs[Regulations](in, StageRegulationFetch)
	if err != nil {
		return pipeline.Failed(err)
	}
	regulationText := firstNonEmpty(regulations.Context, noRegulationsText)

	validated := make([]ValidatedTransaction, len(ingested.Transactions))
	failures := make([]error, len(ingested.Transactions))
	var group errgroup.Group
	group.SetLimit(validationConcurrency)
	for index, transaction := range ingested.Transactions {
		group.Go(func() error {
			validated[index], failures[index] = s.validate(ctx, in, ingested, transaction, regulationText)
			return nil
		})
	}
	_ = group.Wait()

	payload := Validation{Transactions: validated}
	var firstFailure error
	failed := 0
	for index, result := range validated {
		if failures[index] != nil {
			failed++
			if firstFailure == nil {
				firstFailure = failures[index]
			}
		}
		switch result.Status {
		case ComplianceValid:
			payload.Valid++
		case ComplianceInvalid:
			payload.Invalid++
		default:
			payload.Pending++
		}
		fields := map[string]any{
			fieldComplianceStatus: result.Status,
			fieldValidationNotes:  result.Details,
			fieldAppliedRules:     result.AppliedRules,
		}
		if err := s.records.UpdateStatus(ctx, store.KindTransaction, recordID(in.RunID(), result.ID), store.StatusValidated, fields); err != nil {
			return pipeline.Failed(err)
		}
	}
	if failed > 0 {
		return pipeline.Partial(payload, fmt.Sprintf(unvalidatedFormat, failed, len(validated), firstFailure))
	}
	return pipeline.Succeeded(payload)
}

func (s complianceValidationStage) validate(ctx context.Context, in pipeline.Inputs, ingested Ingested, transaction Transaction, regulations string) (ValidatedTransaction, error) {
	result := ValidatedTransaction{Transaction: transaction, Status: CompliancePending, AppliedRules: []AppliedRule{}}
	reply, err := s.complete(ctx, in, templateComplianceValidation, map[string]string{
		"transaction_id": transaction.ID,
		"amount":         strconv.FormatFloat(transaction.Amount, 'f', 2, 64),
		"date":           transaction.Date.Format(time.DateOnly),
		"description":    firstNonEmpty(transaction.Description, "No description"),
		"category":       firstNonEmpty(transaction.Category, "Uncategorized"),
		"tax_type":       firstNonEmpty(transaction.TaxType, "Unknown"),
		"gstin":          firstNonEmpty(transaction.GSTIN, "Not provided"),
		"domain":         ingested.Domain,
		"entity_type":    ingested.EntityType,
		"regulations":    regulations,
	})
	if err != nil {
		result.Details = err.Error()
		return result, err
	}
	decoded, err := llm.DecodeStructured[validationReply](reply)
	if err != nil {
		result.Details = err.Error()
		return result, err
	}
	if status, known := statusAliases[strings.ToLower(strings.TrimSpace(decoded.Status))]; known {
		result.Status = status
	}
	result.Details = strings.TrimSpace(decoded.Details)
	if decoded.AppliedRules != nil {
		result.AppliedRules = decoded.AppliedRules
	}
	return result, nil
}

// ---------- filing_aggregation ----------

type filingAggregationStage struct {
	records store.Store
	gstRate float64
	tdsRate float64
}

func (filingAggregationStage) Name() string { return StageFilingAggregation }
func (filingAggregationStage) DependsOn() []string {
	return []string{StageIngest, StageComplianceValidation}
}

func (s filingAggregationStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	ingested, err := pipeline.OutputAs[Ingested](in, StageIngest)
	if err != nil {
		return pipeline.Failed(err)
	}
	validation, err := pipeline.OutputAs[Validation](in, StageComplianceValidation)
	if err != nil {
		return pipeline.Failed(err)
	}

	summary := FilingSummary{
		FilingType:   ingested.FilingType,
		Period:       ingested.Period,
		Transactions: len(validation.Transactions),
	}
	for _, transaction := range validation.Transactions {
		if !ingested.Period.Contains(transaction.Date) {
			continue
		}
		summary.InPeriod++
		if transaction.Status != ComplianceValid {
			continue
		}
		summary.Included++
		summary.TaxableValue += transaction.Amount
		switch {
		case strings.Contains(transaction.TaxType, "TDS"):
			summary.TDSAmount += transaction.Amount * s.tdsRate
		case strings.Contains(transaction.TaxType, "GST"):
			summary.GSTAmount += transaction.Amount * s.gstRate
		}
		fields := map[string]any{fieldFilingType: summary.FilingType}
		if err := s.records.UpdateStatus(ctx, store.KindTransaction, recordID(in.RunID(), transaction.ID), store.StatusAggregated, fields); err != nil {
			return pipeline.Failed(err)
		}
	}
	summary.TaxableValue = roundMoney(summary.TaxableValue)
	summary.GSTAmount = roundMoney(summary.GSTAmount)
	summary.TDSAmount = roundMoney(summary.TDSAmount)
	summary.TotalTax = roundMoney(summary.GSTAmount + summary.TDSAmount)
	if summary.InPeriod > 0 {
		summary.ReadinessScore = roundMoney(float64(summary.Included) / float64(summary.InPeriod) * 100)
	}
	summary.Readiness = readiness(summary.ReadinessScore)
	return pipeline.Succeeded(summary)
}

func readiness(score float64) string {
	switch {
	case score >= readyThreshold:
		return ReadinessReady
	case score >= reviewThreshold:
		return ReadinessNeedsReview
	default:
		return ReadinessNotReady
	}
}

// ---------- anomaly_detection ----------

type anomalyDetectionStage struct {
	records          store.Store
	taxIDPattern     *regexp.Regexp
	highAmountFactor float64
	tdsRate          float64
}

func (anomalyDetectionStage) Name() string { return StageAnomalyDetection }
func (anomalyDetectionStage) DependsOn() []string {
	return []string{StageIngest, StageComplianceValidation}
}

func (s anomalyDetectionStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	ingested, err := pipeline.OutputAs[Ingested](in, StageIngest)
	if err != nil {
		return pipeline.Failed(err)
	}
	validation, err := pipeline.OutputAs[Validation](in, StageComplianceValidation)
	if err != nil {
		return pipeline.Failed(err)
	}

	detector := detector{
		period:           ingested.Period,
		taxIDPattern:     s.taxIDPattern,
		highAmountFactor: s.highAmountFactor,
		tdsRate:          s.tdsRate,
	}
	anomalies := detector.detect(validation.Transactions)
	for index := range anomalies {
		anomaly := &anomalies[index]
		anomaly.ID = uuid.NewSHA1(anomalyNamespace, []byte(recordID(in.RunID(), anomaly.Type, anomaly.TransactionID))).String()
		record := store.Record{
			Kind:   store.KindAnomaly,
			ID:     anomaly.ID,
			RunID:  in.RunID(),
			Status: store.StatusOpen,
			Fields: map[string]any{
				"transaction_id": anomaly.TransactionID,
				"type":           anomaly.Type,
				"severity":       string(anomaly.Severity),
				"description":    anomaly.Description,
				"suggested_fix":  anomaly.SuggestedFix,
			},
		}
		if err := s.records.Put(ctx, record); err != nil {
			return pipeline.Failed(err)
		}
	}
	return pipeline.Succeeded(anomalies)
}

// ---------- report_generation ----------

type reportGenerationStage struct {
	reasoning
	records   store.Store
	files     *fsops.Ops
	directory string
}

func (reportGenerationStage) Name() string { return StageReportGeneration }
func (reportGenerationStage) DependsOn() []string {
	return []string{StageFilingAggregation, StageAnomalyDetection}
}

func (reportGenerationStage) Default() any { return FilingReport{Actions: []string{}} }

func (s reportGenerationStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	summary, err := pipeline.OutputAs[FilingSummary](in, StageFilingAggregation)
	if err != nil {
		return pipeline.Failed(err)
	}
	anomalies, err := pipeline.OutputAs[[]Anomaly](in, StageAnomalyDetection)
	if err != nil {
		return pipeline.Failed(err)
	}

	document, err := json.MarshalIndent(map[string]any{
		"version":     filingSchemaVersion,
		"filing_type": summary.FilingType,
		"period": map[string]string{
			"start": summary.Period.Start.Format(time.DateOnly),
			"end":   summary.Period.End.Format(time.DateOnly),
		},
		"summary":   summary,
		"anomalies": len(anomalies),
	}, "", "  ")
	if err != nil {
		return pipeline.Failed(err)
	}
	report := FilingReport{Document: document, Actions: []string{}}

	var warnings []string
	totals, _ := json.Marshal(summary)
	reply, reasoningErr := s.complete(ctx, in, templateFilingSummary, map[string]string{
		"filing_type": summary.FilingType,
		"period":      summary.Period.String(),
		"totals":      string(totals),
		"anomalies":   formatAnomalies(anomalies),
	})
	if reasoningErr == nil {
		var decoded filingSummaryReply
		decoded, reasoningErr = llm.DecodeStructured[filingSummaryReply](reply)
		report.Summary = strings.TrimSpace(decoded.Summary)
		if decoded.Actions != nil {
			report.Actions = decoded.Actions
		}
	}
	if reasoningErr != nil {
		warnings = append(warnings, "filing summary unavailable: "+reasoningErr.Error())
	}

	if s.files != nil && s.directory != "" {
		suffix := ""
		if runID := in.RunID(); runID != "" {
			suffix = "-" + runID
		}
		base := firstNonEmpty(slug(summary.FilingType), "filing")
		report.Path = filepath.Join(s.directory, fmt.Sprintf(filingFileFormat, base, suffix))
		if err := s.files.WriteReport(report.Path, document); err != nil {
			return pipeline.Failed(fmt.Errorf("%w: %w", pipeline.ErrStoreUnavailable, err))
		}
		if report.Summary != "" {
			report.SummaryPath = filepath.Join(s.directory, fmt.Sprintf(summaryFileFormat, base, suffix))
			if err := s.files.WriteReport(report.SummaryPath, []byte(renderSummary(summary, report))); err != nil {
				return pipeline.Failed(fmt.Errorf("%w: %w", pipeline.ErrStoreUnavailable, err))
			}
		}
	}

	record := store.Record{
		Kind:   store.KindReport,
		ID:     recordID(in.RunID(), StageReportGeneration),
		RunID:  in.RunID(),
		Status: store.StatusWritten,
		Fields: map[string]any{"path": report.Path, fieldFilingType: summary.FilingType, "summary": report.Summary},
	}
	if err := s.records.Put(ctx, record); err != nil {
		return pipeline.Failed(err)
	}
	if len(warnings) > 0 {
		return pipeline.Partial(report, warnings...)
	}
	return pipeline.Succeeded(report)
}

func formatAnomalies(anomalies []Anomaly) string {
	if len(anomalies) == 0 {
		return noAnomaliesText
	}
	lines := make([]string, 0, len(anomalies))
	for _, anomaly := range anomalies {
		lines = append(lines, fmt.Sprintf("- [%s] %s %s: %s", anomaly.Severity, anomaly.Type, anomaly.TransactionID, anomaly.Description))
	}
	return strings.Join(lines, "\n")
}

func renderSummary(summary FilingSummary, report FilingReport) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "# %s filing, %s\n\n", summary.FilingType, summary.Period)
	fmt.Fprintf(&builder, "Readiness: %s (%.2f%%)\n\n%s\n", summary.Readiness, summary.ReadinessScore, report.Summary)
	if len(report.Actions) > 0 {
		builder.WriteString("\n## Actions\n\n")
		for _, action := range report.Actions {
			fmt.Fprintf(&builder, "- %s\n", action)
		}
	}
	return builder.String()
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

var nonAlphanumericCharacter = regexp.MustCompile(`[^a-z0-9]+`)

func slug(value string) string {
	return strings.Trim(nonAlphanumericCharacter.ReplaceAllString(strings.ToLower(value), "-"), "-")
}
