package taxcompliance

import (
	"github.com/temirov/llm-pipelines/internal/pipeline"
)

// ComplianceSummary counts validation verdicts.
type ComplianceSummary struct {
	TotalTransactions int     `json:"total_transactions"`
	Valid             int     `json:"valid"`
	Invalid           int     `json:"invalid"`
	Pending           int     `json:"pending"`
	ComplianceRate    float64 `json:"compliance_rate"`
	Regulations       int     `json:"regulations_consulted"`
}

// FlaggedEntry is a transaction that is not filing-ready.
type FlaggedEntry struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"compliance_status"`
	Details       string `json:"validation_details"`
}

// Report is the boundary response of a tax-compliance run.
type Report struct {
	Success           bool               `json:"success"`
	RunID             string             `json:"run_id"`
	Status            pipeline.Status    `json:"status"`
	ComplianceSummary *ComplianceSummary `json:"compliance_summary"`
	FilingSummary     *FilingSummary     `json:"filing_summary"`
	FlaggedEntries    []FlaggedEntry     `json:"flagged_entries"`
	Anomalies         []Anomaly          `json:"anomalies"`
	Report            *FilingReport      `json:"report,omitempty"`
	Warnings          []pipeline.Warning `json:"warnings"`
	Error             string             `json:"error,omitempty"`
	Reason            string             `json:"reason,omitempty"`
	ElapsedMS         int64              `json:"elapsed_ms"`
}

// Compiler renders a tax-compliance Outcome into a Report.
type Compiler struct{}

var _ pipeline.Compiler[Report] = Compiler{}

func (Compiler) Compile(outcome pipeline.Outcome) Report {
	report := Report{
		Success:        outcome.Succeeded(),
		RunID:          outcome.RunID,
		Status:         outcome.Status,
		FlaggedEntries: []FlaggedEntry{},
		Anomalies:      []Anomaly{},
		Warnings:       outcome.Warnings(),
		Error:          outcome.ErrorMessage(),
		Reason:         outcome.Reason,
		ElapsedMS:      outcome.Elapsed.Milliseconds(),
	}
	if report.Warnings == nil {
		report.Warnings = []pipeline.Warning{}
	}
	if outcome.Context == nil {
		return report
	}
	if validation, ok := pipeline.Payload[Validation](outcome.Context, StageComplianceValidation); ok {
		summary := &ComplianceSummary{
			TotalTransactions: len(validation.Transactions),
			Valid:             validation.Valid,
			Invalid:           validation.Invalid,
			Pending:           validation.Pending,
		}
		if summary.TotalTransactions > 0 {
			summary.ComplianceRate = roundMoney(float64(summary.Valid) / float64(summary.TotalTransactions) * 100)
		}
		if regulations, ok := pipeline.Payload[Regulations](outcome.Context, StageRegulationFetch); ok {
			summary.Regulations = len(regulations.Passages)
		}
		report.ComplianceSummary = summary
		for _, transaction := range validation.Transactions {
			if transaction.Status == ComplianceValid {
				continue
			}
			report.FlaggedEntries = append(report.FlaggedEntries, FlaggedEntry{
				TransactionID: transaction.ID,
				Status:        transaction.Status,
				Details:       transaction.Details,
			})
		}
	}
	if filing, ok := pipeline.Payload[FilingSummary](outcome.Context, StageFilingAggregation); ok {
		report.FilingSummary = &filing
	}
	if anomalies, ok := pipeline.Payload[[]Anomaly](outcome.Context, StageAnomalyDetection); ok && anomalies != nil {
		report.Anomalies = anomalies
	}
	if filingReport, ok := pipeline.Payload[FilingReport](outcome.Context, StageReportGeneration); ok {
		report.Report = &filingReport
	}
	return report
}
