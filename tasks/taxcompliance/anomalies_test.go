package taxcompliance

import (
	"regexp"
	"testing"
	"time"
)

func day(value int) time.Time {
	return time.Date(2024, time.April, value, 0, 0, 0, 0, time.UTC)
}

func validated(id string, date time.Time, amount float64, taxType string, gstin string, description string) ValidatedTransaction {
	return ValidatedTransaction{
		Transaction: Transaction{ID: id, Date: date, Amount: amount, TaxType: taxType, GSTIN: gstin, Description: description},
		Status:      ComplianceValid,
	}
}

func TestDetectorChecks(t *testing.T) {
	const gstin = "27AAPFU0939F1ZV"
	testDetector := detector{
		period:           Period{Start: day(1), End: day(30)},
		taxIDPattern:     regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`),
		highAmountFactor: 3,
		tdsRate:          0.10,
	}

	testCases := []struct {
		name         string
		transactions []ValidatedTransaction
		check        func(detector, []ValidatedTransaction) []Anomaly
		expected     map[string]Severity
	}{
		{
			name: "duplicates flag every copy",
			transactions: []ValidatedTransaction{
				validated("A", day(2), 500, "GST", gstin, "Paper"),
				validated("B", day(2), 500, "GST", gstin, " paper "),
				validated("C", day(3), 500, "GST", gstin, "Paper"),
			},
			check:    detector.duplicates,
			expected: map[string]Severity{"A": SeverityMedium, "B": SeverityMedium},
		},
		{
			name: "gstin on GST rows only",
			transactions: []ValidatedTransaction{
				validated("A", day(2), 500, "GST", "", "x"),
				validated("B", day(2), 500, "GST", "27AAPFU0939", "y"),
				validated("C", day(2), 500, "TDS", "", "z"),
			},
			check:    detector.taxIDs,
			expected: map[string]Severity{"A": SeverityHigh, "B": SeverityHigh},
		},
		{
			name: "amounts",
			transactions: []ValidatedTransaction{
				validated("A", day(2), 100, "GST", gstin, "a"),
				validated("B", day(2), 100, "GST", gstin, "b"),
				validated("C", day(2), 100, "GST", gstin, "c"),
				validated("D", day(2), 100, "GST", gstin, "d"),
				validated("E", day(2), 1000, "GST", gstin, "e"),
				validated("F", day(2), 0, "GST", gstin, "f"),
			},
			check:    detector.amounts,
			expected: map[string]Severity{"E": SeverityMedium, "F": SeverityHigh},
		},
		{
			name: "dates against the period",
			transactions: []ValidatedTransaction{
				validated("A", day(1), 100, "GST", gstin, "a"),
				validated("B", day(30), 100, "GST", gstin, "b"),
				validated("C", time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC), 100, "GST", gstin, "c"),
				validated("D", time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC), 100, "GST", gstin, "d"),
			},
			check:    detector.dates,
			expected: map[string]Severity{"C": SeverityLow, "D": SeverityHigh},
		},
		{
			name: "invoice tds mismatch",
			transactions: []ValidatedTransaction{
				validated("A", day(2), 10000, "GST", gstin, "Goods INV-100"),
				validated("B", day(2), 100, "TDS", "", "Deduction INV-100"),
				validated("C", day(2), 5000, "GST", gstin, "Goods INV-200"),
				validated("D", day(2), 500, "TDS", "", "Deduction INV-200"),
			},
			check:    detector.invoiceTDS,
			expected: map[string]Severity{"A": SeverityHigh, "B": SeverityHigh},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			anomalies := testCase.check(testDetector, testCase.transactions)
			if len(anomalies) != len(testCase.expected) {
				t.Fatalf("expected %d anomalies, got %+v", len(testCase.expected), anomalies)
			}
			for _, anomaly := range anomalies {
				severity, ok := testCase.expected[anomaly.TransactionID]
				if !ok || severity != anomaly.Severity {
					t.Fatalf("unexpected anomaly %+v", anomaly)
				}
			}
		})
	}
}

func TestComplianceCheckFlagsInvalidOnly(t *testing.T) {
	transactions := []ValidatedTransaction{
		{Transaction: Transaction{ID: "A"}, Status: ComplianceInvalid, Details: "rate mismatch"},
		{Transaction: Transaction{ID: "B"}, Status: CompliancePending},
		{Transaction: Transaction{ID: "C"}, Status: ComplianceValid},
	}
	anomalies := detector{}.compliance(transactions)
	if len(anomalies) != 1 || anomalies[0].TransactionID != "A" || anomalies[0].Type != AnomalyComplianceInvalid {
		t.Fatalf("unexpected anomalies %+v", anomalies)
	}
}

func TestReadiness(t *testing.T) {
	testCases := map[float64]string{100: ReadinessReady, 90: ReadinessReady, 75: ReadinessNeedsReview, 10: ReadinessNotReady}
	for score, expected := range testCases {
		if got := readiness(score); got != expected {
			t.Fatalf("readiness(%v) = %s, want %s", score, got, expected)
		}
	}
}
