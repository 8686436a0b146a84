package taxcompliance

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/temirov/llm-pipelines/internal/pipeline"
)

const (
	columnTransactionID = "transaction_id"
	columnDate          = "date"
	columnDescription   = "description"
	columnAmount        = "amount"
	columnCategory      = "category"
	columnVendor        = "vendor"
	columnTaxType       = "tax_type"
	columnGSTIN         = "gstin"
	columnIsDebit       = "is_debit"

	generatedIDFormat = "row-%d"
	byteOrderMark     = "\ufeff"
)

var dateLayouts = []string{time.DateOnly, "02/01/2006", "2006/01/02", "02-01-2006", time.RFC3339}

// Transaction is one parsed CSV row.
type Transaction struct {
	ID          string    `json:"transaction_id"`
	Row         int       `json:"row"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Vendor      string    `json:"vendor"`
	TaxType     string    `json:"tax_type"`
	GSTIN       string    `json:"gstin"`
	IsDebit     bool      `json:"is_debit"`
}

// Input is the run input of the tax-compliance pipeline. A zero period bound
// defaults to the earliest or latest transaction date in the file.
type Input struct {
	CSV         []byte    `json:"-"`
	Domain      string    `json:"domain"`
	EntityType  string    `json:"entity_type"`
	FilingType  string    `json:"filing_type,omitempty"`
	PeriodStart time.Time `json:"period_start,omitzero"`
	PeriodEnd   time.Time `json:"period_end,omitzero"`
}

// Period is the filing window, both ends inclusive by date.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) String() string {
	return p.Start.Format(time.DateOnly) + " to " + p.End.Format(time.DateOnly)
}

func (p Period) Contains(date time.Time) bool {
	return !date.Before(p.Start) && !date.After(p.End)
}

// CheckInput parses the CSV and rejects malformed files before the first stage.
func CheckInput(input any) error {
	taxInput, ok := input.(Input)
	if !ok {
		return pipeline.NewValidationError("input", "expected a tax-compliance input")
	}
	transactions, err := ParseTransactions(bytes.NewReader(taxInput.CSV))
	if err != nil {
		return err
	}
	if !taxInput.PeriodStart.IsZero() && !taxInput.PeriodEnd.IsZero() && taxInput.PeriodEnd.Before(taxInput.PeriodStart) {
		return pipeline.NewValidationError("period_end", "is before period_start")
	}
	if _, err := resolvePeriod(taxInput, transactions); err != nil {
		return err
	}
	return nil
}

// ParseTransactions reads a transactions CSV. The header must name at least
// the date and amount columns; every error is a ValidationError.
func ParseTransactions(reader io.Reader) ([]Transaction, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	header, err := csvReader.Read()
	if errors.Is(err, io.EOF) {
		return nil, pipeline.NewValidationError("csv", "file is empty")
	}
	if err != nil {
		return nil, pipeline.NewValidationError("csv", err.Error())
	}
	columns := make(map[string]int, len(header))
	for index, name := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, byteOrderMark)))] = index
	}
	for _, required := range []string{columnDate, columnAmount} {
		if _, ok := columns[required]; !ok {
			return nil, pipeline.NewValidationError("csv", "missing required column "+required)
		}
	}

	var transactions []Transaction
	seen := map[string]int{}
	for row := 2; ; row++ {
		record, readErr := csvReader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, pipeline.NewValidationError("csv", readErr.Error())
		}
		field := func(name string) string {
			index, ok := columns[name]
			if !ok || index >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[index])
		}

		date, dateErr := parseDate(field(columnDate))
		if dateErr != nil {
			return nil, pipeline.NewValidationError("csv", fmt.Sprintf("row %d: invalid date %q", row, field(columnDate)))
		}
		amount, amountErr := parseAmount(field(columnAmount))
		if amountErr != nil {
			return nil, pipeline.NewValidationError("csv", fmt.Sprintf("row %d: invalid amount %q", row, field(columnAmount)))
		}
		transaction := Transaction{
			ID:          field(columnTransactionID),
			Row:         row,
			Date:        date,
			Description: field(columnDescription),
			Amount:      amount,
			Category:    field(columnCategory),
			Vendor:      field(columnVendor),
			TaxType:     strings.ToUpper(field(columnTaxType)),
			GSTIN:       strings.ToUpper(field(columnGSTIN)),
			IsDebit:     parseBool(field(columnIsDebit)),
		}
		if transaction.ID == "" {
			transaction.ID = fmt.Sprintf(generatedIDFormat, row)
		}
		if previous, duplicate := seen[transaction.ID]; duplicate {
			return nil, pipeline.NewValidationError("csv", fmt.Sprintf("row %d: transaction_id %s repeats row %d", row, transaction.ID, previous))
		}
		seen[transaction.ID] = row
		transactions = append(transactions, transaction)
	}
	if len(transactions) == 0 {
		return nil, pipeline.NewValidationError("csv", "file has no transactions")
	}
	return transactions, nil
}

func resolvePeriod(input Input, transactions []Transaction) (Period, error) {
	period := Period{Start: input.PeriodStart, End: input.PeriodEnd}
	if period.Start.IsZero() || period.End.IsZero() {
		earliest, latest := transactions[0].Date, transactions[0].Date
		for _, transaction := range transactions[1:] {
			earliest = minTime(earliest, transaction.Date)
			latest = maxTime(latest, transaction.Date)
		}
		if period.Start.IsZero() {
			period.Start = earliest
		}
		if period.End.IsZero() {
			period.End = latest
		}
	}
	period.Start = truncateToDate(period.Start)
	period.End = truncateToDate(period.End)
	if period.End.Before(period.Start) {
		return Period{}, pipeline.NewValidationError("period", "period end is before period start")
	}
	return period, nil
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return truncateToDate(parsed), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

func parseAmount(value string) (float64, error) {
	cleaned := strings.NewReplacer(",", "", "₹", "", "INR", "", "Rs.", "", " ", "").Replace(value)
	return strconv.ParseFloat(cleaned, 64)
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "y", "debit":
		return true
	default:
		return false
	}
}

func truncateToDate(value time.Time) time.Time {
	year, month, day := value.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
