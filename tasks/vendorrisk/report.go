package vendorrisk

import (
	"github.com/temirov/llm-pipelines/internal/pipeline"
)

// VendorInfo echoes the vendor identity from the input.
type VendorInfo struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
}

// Report is the boundary response of a vendor-risk run.
type Report struct {
	Success              bool               `json:"success"`
	RunID                string             `json:"run_id"`
	Status               pipeline.Status    `json:"status"`
	VendorInfo           VendorInfo         `json:"vendor_info"`
	DocumentAnalysis     *DocumentAnalysis  `json:"document_analysis,omitempty"`
	RiskAnalysis         *RiskAnalysis      `json:"risk_analysis,omitempty"`
	ExternalIntelligence *Intelligence      `json:"external_intelligence,omitempty"`
	RiskScore            *Credibility       `json:"risk_score,omitempty"`
	Report               string             `json:"report"`
	ReportPath           string             `json:"report_path,omitempty"`
	Warnings             []pipeline.Warning `json:"warnings"`
	Error                string             `json:"error,omitempty"`
	Reason               string             `json:"reason,omitempty"`
	ElapsedMS            int64              `json:"elapsed_ms"`
}

// Compiler renders a vendor-risk Outcome into a Report.
type Compiler struct{}

var _ pipeline.Compiler[Report] = Compiler{}

func (Compiler) Compile(outcome pipeline.Outcome) Report {
	report := Report{
		Success:   outcome.Succeeded(),
		RunID:     outcome.RunID,
		Status:    outcome.Status,
		Warnings:  outcome.Warnings(),
		Error:     outcome.ErrorMessage(),
		Reason:    outcome.Reason,
		ElapsedMS: outcome.Elapsed.Milliseconds(),
	}
	if report.Warnings == nil {
		report.Warnings = []pipeline.Warning{}
	}
	if outcome.Context == nil {
		return report
	}
	if input, ok := outcome.Context.Input().(Input); ok {
		report.VendorInfo = VendorInfo{Name: input.VendorName, TaxID: input.TaxID}
	}
	if analysis, ok := pipeline.Payload[DocumentAnalysis](outcome.Context, StageDocumentAnalysis); ok {
		report.DocumentAnalysis = &analysis
	}
	if risk, ok := pipeline.Payload[RiskAnalysis](outcome.Context, StageRiskSignals); ok {
		report.RiskAnalysis = &risk
	}
	if intelligence, ok := pipeline.Payload[Intelligence](outcome.Context, StageExternalIntelligence); ok {
		report.ExternalIntelligence = &intelligence
	}
	if credibility, ok := pipeline.Payload[Credibility](outcome.Context, StageCredibilityScoring); ok {
		report.RiskScore = &credibility
	}
	if file, ok := pipeline.Payload[ReportFile](outcome.Context, StageReport); ok {
		report.Report = file.Content
		report.ReportPath = file.Path
	}
	return report
}
