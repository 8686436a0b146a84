package vendorrisk

import (
	"strings"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

// Document is one vendor document, already converted to text.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Input is the run input of the vendor-risk pipeline.
type Input struct {
	VendorName       string     `json:"vendor_name"`
	TaxID            string     `json:"tax_id,omitempty"`
	Documents        []Document `json:"documents"`
	BillingHistory   []float64  `json:"billing_history,omitempty"`
	ActiveLegalCases int        `json:"active_legal_cases,omitempty"`
}

// CheckInput rejects input the pipeline cannot analyse.
func CheckInput(input any) error {
	vendorInput, ok := input.(Input)
	if !ok {
		return pipeline.NewValidationError("input", "expected a vendor-risk input")
	}
	if strings.TrimSpace(vendorInput.VendorName) == "" {
		return pipeline.NewValidationError("vendor_name", "is required")
	}
	if len(vendorInput.Documents) == 0 {
		return pipeline.NewValidationError("documents", "at least one document is required")
	}
	for _, document := range vendorInput.Documents {
		if strings.TrimSpace(document.Content) == "" {
			return pipeline.NewValidationError("documents", "document "+document.Name+" is empty")
		}
	}
	if vendorInput.ActiveLegalCases < 0 {
		return pipeline.NewValidationError("active_legal_cases", "must not be negative")
	}
	return nil
}
