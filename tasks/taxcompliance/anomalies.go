package taxcompliance

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

const (
	AnomalyDuplicate          = "duplicate"
	AnomalyGSTINMissing       = "gstin_missing"
	AnomalyGSTINInvalid       = "gstin_invalid"
	AnomalyHighAmount         = "high_amount"
	AnomalyInvalidAmount      = "invalid_amount"
	AnomalyFutureDate         = "future_date"
	AnomalyOutOfPeriod        = "out_of_period"
	AnomalyComplianceInvalid  = "compliance_invalid"
	AnomalyInvoiceTDSMismatch = "invoice_tds_mismatch"

	taxTypeGST = "GST"
	taxTypeTDS = "TDS"

	tdsMismatchTolerance = 0.5
	defaultDomain        = "GST"
	defaultEntityType    = "company"
)

var invoiceReference = regexp.MustCompile(`\bINV-([A-Za-z0-9/-]+)`)

type detector struct {
	period           Period
	taxIDPattern     *regexp.Regexp
	highAmountFactor float64
	tdsRate          float64
}

// detect runs every check over transactions. Anomalies are grouped by check
// and follow file order within a check.
func (d detector) detect(transactions []ValidatedTransaction) []Anomaly {
	anomalies := []Anomaly{}
	anomalies = append(anomalies, d.duplicates(transactions)...)
	anomalies = append(anomalies, d.taxIDs(transactions)...)
	anomalies = append(anomalies, d.amounts(transactions)...)
	anomalies = append(anomalies, d.dates(transactions)...)
	anomalies = append(anomalies, d.compliance(transactions)...)
	anomalies = append(anomalies, d.invoiceTDS(transactions)...)
	return anomalies
}

func (d detector) duplicates(transactions []ValidatedTransaction) []Anomaly {
	groups := map[string][]string{}
	var keys []string
	for _, transaction := range transactions {
		key := strings.Join([]string{
			strconv.FormatFloat(transaction.Amount, 'f', 2, 64),
			transaction.Date.Format(time.DateOnly),
			strings.ToLower(strings.TrimSpace(transaction.Description)),
		}, "|")
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], transaction.ID)
	}
	var anomalies []Anomaly
	for _, key := range keys {
		ids := groups[key]
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids {
			anomalies = append(anomalies, Anomaly{
				TransactionID: id,
				Type:          AnomalyDuplicate,
				Severity:      SeverityMedium,
				Description:   fmt.Sprintf("%d transactions share amount, date and description: %s", len(ids), strings.Join(ids, ", ")),
				SuggestedFix:  "Remove the duplicate entries and keep one transaction.",
			})
		}
	}
	return anomalies
}

func (d detector) taxIDs(transactions []ValidatedTransaction) []Anomaly {
	var anomalies []Anomaly
	for _, transaction := range transactions {
		if !strings.Contains(transaction.TaxType, taxTypeGST) {
			continue
		}
		switch {
		case transaction.GSTIN == "":
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyGSTINMissing,
				Severity:      SeverityHigh,
				Description:   "GST transaction has no GSTIN",
				SuggestedFix:  "Add the supplier's 15-character GSTIN.",
			})
		case d.taxIDPattern != nil && !d.taxIDPattern.MatchString(transaction.GSTIN):
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyGSTINInvalid,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("GSTIN %s is malformed", transaction.GSTIN),
				SuggestedFix:  "Correct the GSTIN: 2-digit state code, 10-character PAN, entity code, Z and a check character.",
			})
		}
	}
	return anomalies
}

func (d detector) amounts(transactions []ValidatedTransaction) []Anomaly {
	var total float64
	var positive int
	for _, transaction := range transactions {
		if transaction.Amount > 0 {
			total += transaction.Amount
			positive++
		}
	}
	threshold := math.Inf(1)
	if positive > 0 {
		threshold = total / float64(positive) * d.highAmountFactor
	}

	var anomalies []Anomaly
	for _, transaction := range transactions {
		switch {
		case transaction.Amount <= 0:
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyInvalidAmount,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("amount %.2f is not positive", transaction.Amount),
				SuggestedFix:  "Correct the amount to a positive value.",
			})
		case transaction.Amount > threshold:
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyHighAmount,
				Severity:      SeverityMedium,
				Description:   fmt.Sprintf("amount %.2f exceeds %.2f (%.1fx the mean)", transaction.Amount, threshold, d.highAmountFactor),
				SuggestedFix:  "Verify the amount against the source invoice.",
			})
		}
	}
	return anomalies
}

func (d detector) dates(transactions []ValidatedTransaction) []Anomaly {
	var anomalies []Anomaly
	for _, transaction := range transactions {
		switch {
		case transaction.Date.After(d.period.End):
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyFutureDate,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("dated %s, after the period end %s", transaction.Date.Format(time.DateOnly), d.period.End.Format(time.DateOnly)),
				SuggestedFix:  "Correct the date or move the transaction to the next filing period.",
			})
		case transaction.Date.Before(d.period.Start):
			anomalies = append(anomalies, Anomaly{
				TransactionID: transaction.ID,
				Type:          AnomalyOutOfPeriod,
				Severity:      SeverityLow,
				Description:   fmt.Sprintf("dated %s, before the period start %s", transaction.Date.Format(time.DateOnly), d.period.Start.Format(time.DateOnly)),
				SuggestedFix:  "Check whether the transaction belongs to an earlier filing.",
			})
		}
	}
	return anomalies
}

func (d detector) compliance(transactions []ValidatedTransaction) []Anomaly {
	var anomalies []Anomaly
	for _, transaction := range transactions {
		if transaction.Status != ComplianceInvalid {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			TransactionID: transaction.ID,
			Type:          AnomalyComplianceInvalid,
			Severity:      SeverityHigh,
			Description:   "failed compliance validation: " + firstNonEmpty(transaction.Details, "no details"),
			SuggestedFix:  "Fix the compliance issue or exclude the transaction from the filing.",
		})
	}
	return anomalies
}

// invoiceTDS groups rows by the INV- reference in their description and flags
// groups whose TDS total is off the expected share of the GST total by more
// than half.
func (d detector) invoiceTDS(transactions []ValidatedTransaction) []Anomaly {
	type invoice struct {
		ids       []string
		gstAmount float64
		tdsAmount float64
		hasGST    bool
		hasTDS    bool
	}
	invoices := map[string]*invoice{}
	var references []string
	for _, transaction := range transactions {
		match := invoiceReference.FindStringSubmatch(transaction.Description)
		if match == nil {
			continue
		}
		reference := match[1]
		group, ok := invoices[reference]
		if !ok {
			group = &invoice{}
			invoices[reference] = group
			references = append(references, reference)
		}
		group.ids = append(group.ids, transaction.ID)
		switch {
		case strings.Contains(transaction.TaxType, taxTypeTDS):
			group.tdsAmount += transaction.Amount
			group.hasTDS = true
		case strings.Contains(transaction.TaxType, taxTypeGST):
			group.gstAmount += transaction.Amount
			group.hasGST = true
		}
	}

	var anomalies []Anomaly
	for _, reference := range references {
		group := invoices[reference]
		if !group.hasGST || !group.hasTDS {
			continue
		}
		expected := group.gstAmount * d.tdsRate
		if math.Abs(group.tdsAmount-expected) <= expected*tdsMismatchTolerance {
			continue
		}
		for _, id := range group.ids {
			anomalies = append(anomalies, Anomaly{
				TransactionID: id,
				Type:          AnomalyInvoiceTDSMismatch,
				Severity:      SeverityHigh,
				Description:   fmt.Sprintf("invoice INV-%s: GST %.2f, TDS %.2f, expected TDS %.2f", reference, group.gstAmount, group.tdsAmount, expected),
				SuggestedFix:  "Recompute the TDS deduction for the invoice.",
			})
		}
	}
	return anomalies
}

func roundMoney(value float64) float64 {
	return math.Round(value*100) / 100
}
