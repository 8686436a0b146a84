package vendorrisk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/temirov/llm-pipelines/internal/fsops"
	"github.com/temirov/llm-pipelines/internal/llm"
	"github.com/temirov/llm-pipelines/internal/pipeline"
	"github.com/temirov/llm-pipelines/internal/prompts"
	"github.com/temirov/llm-pipelines/internal/retrieval"
	"github.com/temirov/llm-pipelines/internal/scoring"
)

const (
	StageDocumentAnalysis     = "document_analysis"
	StageRiskSignals          = "risk_signals"
	StageExternalIntelligence = "external_intelligence"
	StageCredibilityScoring   = "credibility_scoring"
	StageReport               = "report"

	templateExternalIntelligence = "vendor_external_intelligence"
	templateCredibility          = "vendor_credibility"

	noRecordsSummary      = "no external records matched this vendor"
	noIntelligenceText    = "not available"
	noFactorsText         = "none"
	ruleOnlyJustification = "rule signals only"
	degradedWarningFormat = "model-derived signal unavailable (%s); score is rule-derived: %v"
	reportFileFormat      = "%s%s.md"
)

// Retriever is the retrieval collaborator used by external_intelligence.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// Intelligence is the external_intelligence payload.
type Intelligence struct {
	Summary       string              `json:"summary"`
	Concerns      []string            `json:"concerns"`
	LegalDisputes bool                `json:"legal_disputes"`
	Sources       []retrieval.Passage `json:"sources"`
}

type intelligenceReply struct {
	Summary       string   `json:"summary"`
	Concerns      []string `json:"concerns"`
	LegalDisputes bool     `json:"legal_disputes"`
}

// Credibility is the credibility_scoring payload.
type Credibility struct {
	scoring.Assessment
	Recommendations []string `json:"recommendations"`
	Signals         Signals  `json:"signals"`
}

type credibilityReply struct {
	RiskScore       *float64 `json:"risk_score"`
	Justification   string   `json:"justification"`
	Recommendations []string `json:"recommendations"`
}

func (r *credibilityReply) Check() error {
	if r.RiskScore == nil {
		return errors.New("risk_score is missing")
	}
	return nil
}

// ReportFile is the report payload.
type ReportFile struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
}

// reasoning bundles what a stage needs to call the reasoning collaborator.
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

// ---------- document_analysis ----------

type documentAnalysisStage struct {
	taxIDPattern *regexp.Regexp
}

func (documentAnalysisStage) Name() string        { return StageDocumentAnalysis }
func (documentAnalysisStage) DependsOn() []string { return nil }

func (s documentAnalysisStage) Execute(_ context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Succeeded(analyzeDocuments(input, s.taxIDPattern))
}

// ---------- risk_signals ----------

type riskSignalsStage struct {
	taxIDPattern *regexp.Regexp
	weights      scoring.RuleWeights
}

func (riskSignalsStage) Name() string        { return StageRiskSignals }
func (riskSignalsStage) DependsOn() []string { return []string{StageDocumentAnalysis} }

func (s riskSignalsStage) Execute(_ context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	analysis, err := pipeline.OutputAs[DocumentAnalysis](in, StageDocumentAnalysis)
	if err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Succeeded(detectRisk(input, analysis, s.taxIDPattern, s.weights))
}

// ---------- external_intelligence ----------

type externalIntelligenceStage struct {
	reasoning
	retriever Retriever
	context   *retrieval.ContextBuilder
	k         int
}

func (externalIntelligenceStage) Name() string        { return StageExternalIntelligence }
func (externalIntelligenceStage) DependsOn() []string { return []string{StageDocumentAnalysis} }

func (externalIntelligenceStage) Default() any {
	return Intelligence{Concerns: []string{}, Sources: []retrieval.Passage{}}
}

func (s externalIntelligenceStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	analysis, err := pipeline.OutputAs[DocumentAnalysis](in, StageDocumentAnalysis)
	if err != nil {
		return pipeline.Failed(err)
	}
	if s.retriever == nil {
		return pipeline.Failed(fmt.Errorf("%w: no retriever configured", pipeline.ErrStoreUnavailable))
	}

	query := intelligenceQuery(input, analysis)
	var passages []retrieval.Passage
	retrieveErr := in.Call(pipeline.TargetRetrieval, query, func() error {
		var callErr error
		passages, callErr = s.retriever.Retrieve(ctx, query, s.k)
		return callErr
	})
	if retrieveErr != nil {
		return pipeline.Failed(retrieveErr)
	}
	intelligence := Intelligence{Concerns: []string{}, Sources: passages}
	if len(passages) == 0 {
		intelligence.Summary = noRecordsSummary
		return pipeline.Succeeded(intelligence)
	}

	reply, err := s.complete(ctx, in, templateExternalIntelligence, map[string]string{
		"vendor_name": input.VendorName,
		"tax_id":      firstNonEmpty(input.TaxID, strings.Join(analysis.ValidTaxIDs, ", ")),
		"context":     s.context.Build(passages),
	})
	if err != nil {
		return pipeline.Failed(err)
	}
	decoded, err := llm.DecodeStructured[intelligenceReply](reply)
	if err != nil {
		return pipeline.Failed(err)
	}
	intelligence.Summary = strings.TrimSpace(decoded.Summary)
	intelligence.LegalDisputes = decoded.LegalDisputes
	if decoded.Concerns != nil {
		intelligence.Concerns = decoded.Concerns
	}
	return pipeline.Succeeded(intelligence)
}

func intelligenceQuery(input Input, analysis DocumentAnalysis) string {
	parts := []string{"Company: " + input.VendorName}
	if len(analysis.PANs) > 0 {
		parts = append(parts, "PAN: "+analysis.PANs[0])
	}
	if taxID := firstNonEmpty(input.TaxID, strings.Join(analysis.ValidTaxIDs, " ")); taxID != "" {
		parts = append(parts, "GSTIN: "+taxID)
	}
	return strings.Join(parts, ", ")
}

// ---------- credibility_scoring ----------

type credibilityStage struct {
	reasoning
	scoring scoring.Config
}

func (credibilityStage) Name() string { return StageCredibilityScoring }
func (credibilityStage) DependsOn() []string {
	return []string{StageRiskSignals, StageExternalIntelligence}
}

func (s credibilityStage) Execute(ctx context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	risk, err := pipeline.OutputAs[RiskAnalysis](in, StageRiskSignals)
	if err != nil {
		return pipeline.Failed(err)
	}
	intelligence, err := pipeline.OutputAs[Intelligence](in, StageExternalIntelligence)
	if err != nil {
		return pipeline.Failed(err)
	}

	reply, modelErr := s.complete(ctx, in, templateCredibility, map[string]string{
		"vendor_name":  input.VendorName,
		"signals":      formatSignals(risk.Signals),
		"factors":      formatFactors(risk.Factors),
		"intelligence": formatIntelligence(intelligence),
	})
	var decoded credibilityReply
	if modelErr == nil {
		decoded, modelErr = llm.DecodeStructured[credibilityReply](reply)
	}
	if modelErr != nil {
		assessment := scoring.Combine(nil, risk.RuleScore, ruleOnlyJustification, s.scoring)
		payload := Credibility{Assessment: assessment, Recommendations: []string{}, Signals: risk.Signals}
		return pipeline.Partial(payload, fmt.Sprintf(degradedWarningFormat, pipeline.Classify(modelErr), modelErr))
	}

	assessment := scoring.Combine(decoded.RiskScore, risk.RuleScore, strings.TrimSpace(decoded.Justification), s.scoring)
	recommendations := decoded.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}
	return pipeline.Succeeded(Credibility{Assessment: assessment, Recommendations: recommendations, Signals: risk.Signals})
}

func formatSignals(signals Signals) string {
	values := signals.byName()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("- %s: %.2f", name, values[name]))
	}
	return strings.Join(lines, "\n")
}

func formatFactors(factors []scoring.Factor) string {
	if len(factors) == 0 {
		return noFactorsText
	}
	lines := make([]string, 0, len(factors))
	for _, factor := range factors {
		lines = append(lines, fmt.Sprintf("- %s/%s: %s", factor.Category, factor.Severity, factor.Context))
	}
	return strings.Join(lines, "\n")
}

func formatIntelligence(intelligence Intelligence) string {
	if intelligence.Summary == "" && len(intelligence.Concerns) == 0 {
		return noIntelligenceText
	}
	lines := []string{intelligence.Summary}
	for _, concern := range intelligence.Concerns {
		lines = append(lines, "- "+concern)
	}
	return strings.Join(lines, "\n")
}

// ---------- report ----------

type reportStage struct {
	files     *fsops.Ops
	directory string
}

func (reportStage) Name() string { return StageReport }
func (reportStage) DependsOn() []string {
	return []string{StageDocumentAnalysis, StageRiskSignals, StageExternalIntelligence, StageCredibilityScoring}
}

func (reportStage) Default() any { return ReportFile{} }

func (s reportStage) Execute(_ context.Context, in pipeline.Inputs) pipeline.Result {
	input, err := pipeline.InputAs[Input](in)
	if err != nil {
		return pipeline.Failed(err)
	}
	analysis, err := pipeline.OutputAs[DocumentAnalysis](in, StageDocumentAnalysis)
	if err != nil {
		return pipeline.Failed(err)
	}
	risk, err := pipeline.OutputAs[RiskAnalysis](in, StageRiskSignals)
	if err != nil {
		return pipeline.Failed(err)
	}
	intelligence, err := pipeline.OutputAs[Intelligence](in, StageExternalIntelligence)
	if err != nil {
		return pipeline.Failed(err)
	}
	credibility, err := pipeline.OutputAs[Credibility](in, StageCredibilityScoring)
	if err != nil {
		return pipeline.Failed(err)
	}

	report := ReportFile{Content: renderReport(input, analysis, risk, intelligence, credibility)}
	if s.files == nil || s.directory == "" {
		return pipeline.Succeeded(report)
	}
	suffix := ""
	if runID := in.RunID(); runID != "" {
		suffix = "-" + runID
	}
	report.Path = filepath.Join(s.directory, fmt.Sprintf(reportFileFormat, firstNonEmpty(slug(input.VendorName), "vendor"), suffix))
	if err := s.files.WriteReport(report.Path, []byte(report.Content)); err != nil {
		return pipeline.Failed(fmt.Errorf("%w: %w", pipeline.ErrStoreUnavailable, err))
	}
	return pipeline.Succeeded(report)
}

func renderReport(input Input, analysis DocumentAnalysis, risk RiskAnalysis, intelligence Intelligence, credibility Credibility) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "# Vendor Risk Assessment: %s\n\n", input.VendorName)
	fmt.Fprintf(&builder, "Risk level: %s (score %.2f)\n", credibility.Level, credibility.Score)
	if credibility.Degraded {
		builder.WriteString("Note: the model-derived signal was unavailable; the score is rule-derived.\n")
	}
	fmt.Fprintf(&builder, "\n## Justification\n\n%s\n", credibility.Justification)

	builder.WriteString("\n## Documents\n\n")
	fmt.Fprintf(&builder, "- Documents analysed: %d\n", analysis.DocumentCount)
	fmt.Fprintf(&builder, "- Valid tax ids: %s\n", firstNonEmpty(strings.Join(analysis.ValidTaxIDs, ", "), noFactorsText))
	fmt.Fprintf(&builder, "- Missing fields: %s\n", firstNonEmpty(strings.Join(analysis.MissingFields, ", "), noFactorsText))

	builder.WriteString("\n## Risk signals\n\n")
	builder.WriteString(formatSignals(risk.Signals))
	builder.WriteString("\n")
	for _, mismatch := range risk.Mismatches {
		fmt.Fprintf(&builder, "- tax id %s (%s): %s\n", mismatch.Value, mismatch.Source, mismatch.Reason)
	}
	fmt.Fprintf(&builder, "\nRisk factors:\n%s\n", formatFactors(risk.Factors))

	builder.WriteString("\n## External intelligence\n\n")
	builder.WriteString(formatIntelligence(intelligence))
	builder.WriteString("\n")

	if len(credibility.Recommendations) > 0 {
		builder.WriteString("\n## Recommendations\n\n")
		for _, recommendation := range credibility.Recommendations {
			fmt.Fprintf(&builder, "- %s\n", recommendation)
		}
	}
	return builder.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
