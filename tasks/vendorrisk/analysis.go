package vendorrisk

import (
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/temirov/llm-pipelines/internal/scoring"
)

const (
	fieldVendorName       = "vendor_name"
	fieldGSTIN            = "gstin"
	fieldPAN              = "pan"
	fieldRegistrationDate = "registration_date"
	fieldAddress          = "address"
	fieldContactDetails   = "contact_details"

	factorContextRadius = 100
	panStart            = 2
	panEnd              = 12
)

// requiredFields are the vendor facts the documents are expected to cover.
var requiredFields = []string{
	fieldVendorName,
	fieldGSTIN,
	fieldPAN,
	fieldRegistrationDate,
	fieldAddress,
	fieldContactDetails,
}

var (
	taxIDCandidatePattern    = regexp.MustCompile(`\b[0-9]{2}[A-Z0-9]{13}\b`)
	labelledTaxIDPattern     = regexp.MustCompile(`(?i)\b(?:gstin|gst\s*(?:no|number|#))\s*[:#.]?\s*([0-9][A-Z0-9]{9,19})\b`)
	panPattern               = regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`)
	emailPattern             = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern             = regexp.MustCompile(`(?i)(?:phone|mobile|tel|contact)\s*[:#]?\s*(\+?[0-9][0-9 -]{7,}[0-9])`)
	registrationDatePattern  = regexp.MustCompile(`(?i)(?:registration|incorporation|inc\.?)\s*date\s*[:#]?\s*(\d{1,4}[-/]\d{1,2}[-/]\d{1,4})`)
	addressPattern           = regexp.MustCompile(`(?i)(?:registered\s*)?address\s*[:#]\s*([^\n]+)`)
	amountPattern            = regexp.MustCompile(`(?i)(?:rs\.?|inr|₹)\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	nonAlphanumericCharacter = regexp.MustCompile(`[^a-z0-9]+`)
)

type riskPattern struct {
	category string
	pattern  *regexp.Regexp
	severity scoring.Severity
}

var riskPatterns = []riskPattern{
	{"financial", regexp.MustCompile(`(?i)overdue|outstanding|pending payment|late payment`), scoring.SeverityMedium},
	{"financial", regexp.MustCompile(`(?i)bankruptcy|insolvency|liquidation`), scoring.SeverityHigh},
	{"financial", regexp.MustCompile(`(?i)financial distress|financial difficulty`), scoring.SeverityMedium},
	{"financial", regexp.MustCompile(`(?i)\bdefault(?:ed)?\b`), scoring.SeverityHigh},
	{"compliance", regexp.MustCompile(`(?i)(?:expired|invalid)\s+(?:gstin|pan)`), scoring.SeverityHigh},
	{"compliance", regexp.MustCompile(`(?i)non-compliant|non-compliance`), scoring.SeverityMedium},
	{"compliance", regexp.MustCompile(`(?i)regulatory issue|compliance issue|violation`), scoring.SeverityHigh},
	{"legal", regexp.MustCompile(`(?i)lawsuit|litigation|legal action`), scoring.SeverityHigh},
	{"legal", regexp.MustCompile(`(?i)court case|legal dispute`), scoring.SeverityMedium},
	{"legal", regexp.MustCompile(`(?i)breach of contract|contract violation`), scoring.SeverityHigh},
	{"legal", regexp.MustCompile(`(?i)legal notice|cease and desist`), scoring.SeverityMedium},
	{"operational", regexp.MustCompile(`(?i)delayed delivery|late delivery`), scoring.SeverityMedium},
	{"operational", regexp.MustCompile(`(?i)quality issue|defective|faulty`), scoring.SeverityHigh},
	{"operational", regexp.MustCompile(`(?i)service disruption|outage`), scoring.SeverityMedium},
	{"operational", regexp.MustCompile(`(?i)capacity issue|resource constraint`), scoring.SeverityLow},
}

// signalWeights weight the four rule signals into the signal score.
var signalWeights = map[string]float64{
	"gstin_mismatch":    0.3,
	"missing_documents": 0.2,
	"irregular_billing": 0.25,
	"legal_disputes":    0.25,
}

// DocumentFields are the facts extracted from one document.
type DocumentFields struct {
	Name              string    `json:"name"`
	TaxIDs            []string  `json:"tax_ids"`
	PANs              []string  `json:"pans"`
	Emails            []string  `json:"emails"`
	Phones            []string  `json:"phones"`
	RegistrationDates []string  `json:"registration_dates"`
	Addresses         []string  `json:"addresses"`
	Amounts           []float64 `json:"amounts"`
}

// DocumentAnalysis is the document_analysis payload.
type DocumentAnalysis struct {
	DocumentCount int              `json:"document_count"`
	Documents     []DocumentFields `json:"documents"`
	TaxIDs        []string         `json:"tax_ids"`
	ValidTaxIDs   []string         `json:"valid_tax_ids"`
	PANs          []string         `json:"pans"`
	FoundFields   []string         `json:"found_fields"`
	MissingFields []string         `json:"missing_fields"`
}

// TaxIDMismatch is a tax id that does not match the configured pattern.
type TaxIDMismatch struct {
	Value  string `json:"value"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Signals are the rule signals, each in [0,1] where 1 is worst.
type Signals struct {
	GSTINMismatch    float64 `json:"gstin_mismatch"`
	MissingDocuments float64 `json:"missing_documents"`
	IrregularBilling float64 `json:"irregular_billing"`
	LegalDisputes    float64 `json:"legal_disputes"`
}

func (s Signals) byName() map[string]float64 {
	return map[string]float64{
		"gstin_mismatch":    s.GSTINMismatch,
		"missing_documents": s.MissingDocuments,
		"irregular_billing": s.IrregularBilling,
		"legal_disputes":    s.LegalDisputes,
	}
}

// Weighted returns the weighted mean of the signals scaled to 0..100. Signals
// are summed in name order so the result does not depend on map iteration.
func (s Signals) Weighted() float64 {
	values := s.byName()
	var weighted, total float64
	for _, name := range slices.Sorted(maps.Keys(values)) {
		weighted += values[name] * signalWeights[name]
		total += signalWeights[name]
	}
	return roundScore(weighted / total * 100)
}

// RiskAnalysis is the risk_signals payload.
type RiskAnalysis struct {
	Signals        Signals            `json:"signals"`
	Mismatches     []TaxIDMismatch    `json:"mismatches"`
	Factors        []scoring.Factor   `json:"risk_factors"`
	CategoryPoints map[string]float64 `json:"category_points"`
	SignalScore    float64            `json:"signal_score"`
	FactorScore    float64            `json:"factor_score"`
	RuleScore      float64            `json:"rule_score"`
}

// analyzeDocuments extracts fields from every document. Tax ids are kept in
// first-seen order; valid ones are those matching taxIDPattern.
func analyzeDocuments(input Input, taxIDPattern *regexp.Regexp) DocumentAnalysis {
	analysis := DocumentAnalysis{DocumentCount: len(input.Documents)}
	found := map[string]bool{}
	if strings.TrimSpace(input.VendorName) != "" {
		found[fieldVendorName] = true
	}

	for _, document := range input.Documents {
		fields := extractFields(document)
		analysis.Documents = append(analysis.Documents, fields)
		for _, taxID := range fields.TaxIDs {
			analysis.TaxIDs = appendUnique(analysis.TaxIDs, taxID)
			if taxIDPattern.MatchString(taxID) {
				analysis.ValidTaxIDs = appendUnique(analysis.ValidTaxIDs, taxID)
			}
		}
		for _, pan := range fields.PANs {
			analysis.PANs = appendUnique(analysis.PANs, pan)
		}
		found[fieldPAN] = found[fieldPAN] || len(fields.PANs) > 0
		found[fieldRegistrationDate] = found[fieldRegistrationDate] || len(fields.RegistrationDates) > 0
		found[fieldAddress] = found[fieldAddress] || len(fields.Addresses) > 0
		found[fieldContactDetails] = found[fieldContactDetails] || len(fields.Emails) > 0 || len(fields.Phones) > 0
	}
	for _, taxID := range analysis.ValidTaxIDs {
		if len(taxID) >= panEnd {
			analysis.PANs = appendUnique(analysis.PANs, taxID[panStart:panEnd])
			found[fieldPAN] = true
		}
	}
	found[fieldGSTIN] = len(analysis.ValidTaxIDs) > 0

	for _, field := range requiredFields {
		if found[field] {
			analysis.FoundFields = append(analysis.FoundFields, field)
		} else {
			analysis.MissingFields = append(analysis.MissingFields, field)
		}
	}
	return analysis
}

func extractFields(document Document) DocumentFields {
	text := document.Content
	fields := DocumentFields{Name: document.Name}
	for _, match := range labelledTaxIDPattern.FindAllStringSubmatch(text, -1) {
		fields.TaxIDs = appendUnique(fields.TaxIDs, strings.ToUpper(match[1]))
	}
	for _, candidate := range taxIDCandidatePattern.FindAllString(text, -1) {
		if strings.IndexFunc(candidate, unicode.IsLetter) >= 0 {
			fields.TaxIDs = appendUnique(fields.TaxIDs, candidate)
		}
	}
	for _, pan := range panPattern.FindAllString(text, -1) {
		fields.PANs = appendUnique(fields.PANs, pan)
	}
	for _, email := range emailPattern.FindAllString(text, -1) {
		fields.Emails = appendUnique(fields.Emails, strings.ToLower(email))
	}
	fields.Phones = submatches(phonePattern, text)
	fields.RegistrationDates = submatches(registrationDatePattern, text)
	fields.Addresses = submatches(addressPattern, text)
	for _, raw := range submatches(amountPattern, text) {
		amount, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err == nil {
			fields.Amounts = append(fields.Amounts, amount)
		}
	}
	return fields
}

// detectRisk turns the document analysis and the run input into rule signals
// and pattern-based risk factors.
func detectRisk(input Input, analysis DocumentAnalysis, taxIDPattern *regexp.Regexp, weights scoring.RuleWeights) RiskAnalysis {
	risk := RiskAnalysis{Mismatches: []TaxIDMismatch{}, Factors: []scoring.Factor{}}

	for _, document := range analysis.Documents {
		for _, taxID := range document.TaxIDs {
			if !taxIDPattern.MatchString(taxID) {
				risk.Mismatches = append(risk.Mismatches, TaxIDMismatch{Value: taxID, Source: document.Name, Reason: "does not match the tax id pattern"})
			}
		}
	}
	declared := strings.ToUpper(strings.TrimSpace(input.TaxID))
	if declared != "" {
		switch {
		case !taxIDPattern.MatchString(declared):
			risk.Mismatches = append(risk.Mismatches, TaxIDMismatch{Value: declared, Source: fieldVendorName, Reason: "declared tax id does not match the tax id pattern"})
		case len(analysis.ValidTaxIDs) > 0 && !slices.Contains(analysis.ValidTaxIDs, declared):
			risk.Mismatches = append(risk.Mismatches, TaxIDMismatch{Value: declared, Source: fieldVendorName, Reason: "declared tax id does not appear in the documents"})
		}
	}
	if len(risk.Mismatches) > 0 || (len(analysis.ValidTaxIDs) == 0 && declared == "") {
		risk.Signals.GSTINMismatch = 1
	}
	risk.Signals.MissingDocuments = roundScore(float64(len(analysis.MissingFields)) / float64(len(requiredFields)))
	risk.Signals.IrregularBilling = billingIrregularity(input.BillingHistory)

	for _, document := range input.Documents {
		risk.Factors = append(risk.Factors, findFactors(document.Content)...)
	}
	if input.ActiveLegalCases > 0 || hasCategory(risk.Factors, "legal") {
		risk.Signals.LegalDisputes = 1
	}

	risk.FactorScore, risk.CategoryPoints = weights.Score(risk.Factors)
	risk.SignalScore = risk.Signals.Weighted()
	risk.RuleScore = math.Max(risk.SignalScore, risk.FactorScore)
	return risk
}

func findFactors(text string) []scoring.Factor {
	var factors []scoring.Factor
	for _, candidate := range riskPatterns {
		for _, location := range candidate.pattern.FindAllStringIndex(text, -1) {
			start := max(0, location[0]-factorContextRadius)
			end := min(len(text), location[1]+factorContextRadius)
			factors = append(factors, scoring.Factor{
				Category: candidate.category,
				Severity: candidate.severity,
				Pattern:  candidate.pattern.String(),
				Context:  strings.TrimSpace(strings.ToValidUTF8(text[start:end], "")),
			})
		}
	}
	return factors
}

// billingIrregularity is the coefficient of variation of the billed amounts,
// capped at 1. Missing history and non-positive amounts count as fully
// irregular.
func billingIrregularity(amounts []float64) float64 {
	if len(amounts) == 0 {
		return 1
	}
	var sum float64
	for _, amount := range amounts {
		if amount <= 0 {
			return 1
		}
		sum += amount
	}
	mean := sum / float64(len(amounts))
	var variance float64
	for _, amount := range amounts {
		variance += (amount - mean) * (amount - mean)
	}
	variance /= float64(len(amounts))
	return roundScore(math.Min(math.Sqrt(variance)/mean, 1))
}

func hasCategory(factors []scoring.Factor, category string) bool {
	return slices.ContainsFunc(factors, func(factor scoring.Factor) bool { return factor.Category == category })
}

func submatches(pattern *regexp.Regexp, text string) []string {
	var values []string
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		values = appendUnique(values, strings.TrimSpace(match[1]))
	}
	return values
}

func appendUnique(values []string, value string) []string {
	if value == "" || slices.Contains(values, value) {
		return values
	}
	return append(values, value)
}

func slug(value string) string {
	return strings.Trim(nonAlphanumericCharacter.ReplaceAllString(strings.ToLower(value), "-"), "-")
}

func roundScore(value float64) float64 {
	return math.Round(value*100) / 100
}
