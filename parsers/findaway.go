package parsers

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Findaway royalty reports are xlsx workbooks with a Summary sheet (period,
// declared net amount, list of channels) and one data sheet per channel.
// The format has drifted without notice before, so everything structural is
// validated up front and any deviation fails the whole file.

var monthNames = map[string]time.Month{
	"January":   time.January,
	"February":  time.February,
	"March":     time.March,
	"April":     time.April,
	"May":       time.May,
	"June":      time.June,
	"July":      time.July,
	"August":    time.August,
	"September": time.September,
	"October":   time.October,
	"November":  time.November,
	"December":  time.December,
}

var expectedHeaders = []string{
	"Title",
	"Sales Type",
	"Royalty Rate",
	"Display #",
	"ISBN #",
	"Publisher",
	"Partner",
	"Promotion",
	"Sale Territory",
	"Currency",
	"DLP",
	"Price Type",
	"Sales Qty",
	"Revenue",
	"Royalty Earned",
	"Less Distribution Fee",
	"Exchange Rate",
	"Royalty Payable Currency",
	"Royalty Payable",
}

var (
	periodPattern    = regexp.MustCompile(`^([A-Za-z]+) \d{1,2}, (\d{4})`)
	netAmountPattern = regexp.MustCompile(`^([\d.]+)\s+USD`)
)

// ParsedRow is one data row of a report: the sale-record draft plus the ISBN
// code it referenced. The code is returned alongside rather than resolved
// here so the parser stays a pure function from bytes to drafts; a separate
// batched pass turns codes into ISBN entities.
type ParsedRow struct {
	Record   models.SaleRecord
	ISBNCode string
}

// ParseFindawayReport parses one royalty report workbook into sale-record
// drafts. It fails on any structural problem (missing Period/Net Amount,
// empty channel list, missing channel sheet, header drift) and on a
// reconciliation mismatch between the summed row amounts and the Summary
// sheet's declared Net Amount.
func ParseFindawayReport(content []byte, filename string, sourceFileId string) ([]ParsedRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("could not open workbook '%s': %w", filename, err)
	}
	defer f.Close()

	summaryRows, err := f.GetRows("Summary")
	if err != nil {
		return nil, fmt.Errorf("could not read Summary sheet in '%s': %w", filename, err)
	}

	monthOfSale, err := parsePeriod(summaryRows)
	if err != nil {
		return nil, fmt.Errorf("%w in '%s'", err, filename)
	}
	expectedNetAmount, err := parseNetAmount(summaryRows)
	if err != nil {
		return nil, fmt.Errorf("%w in '%s'", err, filename)
	}
	channels, err := parseChannels(summaryRows)
	if err != nil {
		return nil, fmt.Errorf("%w in '%s'", err, filename)
	}

	sheets := make(map[string]bool)
	for _, name := range f.GetSheetList() {
		sheets[name] = true
	}

	var rows []ParsedRow
	for _, channel := range channels {
		if !sheets[channel] {
			return nil, fmt.Errorf("channel '%s' listed in Summary but sheet not found in '%s'", channel, filename)
		}
		sheetRows, err := f.GetRows(channel)
		if err != nil {
			return nil, fmt.Errorf("could not read sheet '%s' in '%s': %w", channel, filename, err)
		}
		if len(sheetRows) == 0 {
			continue
		}
		if err := validateHeaders(sheetRows[0], channel); err != nil {
			return nil, err
		}
		for i, row := range sheetRows[1:] {
			// Spreadsheet exports pad with blank rows; skip them.
			if len(row) == 0 || row[0] == "" {
				continue
			}
			parsed, err := parseRow(row, monthOfSale, filename, sourceFileId)
			if err != nil {
				return nil, fmt.Errorf("sheet '%s' row %d in '%s': %w", channel, i+2, filename, err)
			}
			rows = append(rows, parsed)
		}
	}

	if err := verifyTotalAmount(rows, expectedNetAmount, filename); err != nil {
		return nil, err
	}

	return rows, nil
}

// validateHeaders compares a channel sheet's first row against the fixed
// 19-column layout and reports every deviation at once.
func validateHeaders(headerRow []string, sheetName string) error {
	var mismatches []string
	for i := 0; i < len(headerRow) && i < len(expectedHeaders); i++ {
		if headerRow[i] != expectedHeaders[i] {
			mismatches = append(mismatches, fmt.Sprintf("column %d: expected '%s', got '%s'", i, expectedHeaders[i], headerRow[i]))
		}
	}
	if len(headerRow) < len(expectedHeaders) {
		for i := len(headerRow); i < len(expectedHeaders); i++ {
			mismatches = append(mismatches, fmt.Sprintf("column %d: expected '%s', got ''", i, expectedHeaders[i]))
		}
	}
	if len(headerRow) != len(expectedHeaders) {
		mismatches = append(mismatches, fmt.Sprintf("expected %d columns, got %d", len(expectedHeaders), len(headerRow)))
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("header mismatch in sheet '%s': %s", sheetName, strings.Join(mismatches, "; "))
	}
	return nil
}

// parsePeriod extracts the sale month from the Summary sheet's Period row,
// e.g. "June 01, 2025 - June 30, 2025" -> 2025-06-01.
func parsePeriod(summaryRows [][]string) (time.Time, error) {
	for _, row := range summaryRows {
		if len(row) < 2 || row[0] != "Period:" {
			continue
		}
		m := periodPattern.FindStringSubmatch(row[1])
		if m == nil {
			return time.Time{}, fmt.Errorf("could not parse Period '%s'", row[1])
		}
		month, ok := monthNames[m[1]]
		if !ok {
			return time.Time{}, fmt.Errorf("could not parse Period '%s'", row[1])
		}
		year, err := strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, fmt.Errorf("could not parse Period '%s'", row[1])
		}
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("could not find Period in Summary sheet")
}

// parseNetAmount extracts the declared total from the Summary sheet's
// Net Amount row, e.g. "12.28 USD".
func parseNetAmount(summaryRows [][]string) (decimal.Decimal, error) {
	for _, row := range summaryRows {
		if len(row) < 2 || row[0] != "Net Amount:" {
			continue
		}
		m := netAmountPattern.FindStringSubmatch(row[1])
		if m == nil {
			return decimal.Zero, fmt.Errorf("could not parse Net Amount '%s'", row[1])
		}
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return decimal.Zero, fmt.Errorf("could not parse Net Amount '%s'", row[1])
		}
		return amount, nil
	}
	return decimal.Zero, fmt.Errorf("could not find Net Amount in Summary sheet")
}

// parseChannels extracts channel names from the Payments by Channel section:
// a "Channel" sub-header followed by one row per channel, terminated by a
// blank row or the end of the sheet.
func parseChannels(summaryRows [][]string) ([]string, error) {
	var channels []string
	inSection := false
	for _, row := range summaryRows {
		first := ""
		if len(row) > 0 {
			first = row[0]
		}
		if first == "Payments by Channel:" {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if first == "Channel" {
			continue
		}
		if first == "" {
			break
		}
		channels = append(channels, first)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("could not find channels in Summary sheet")
	}
	return channels, nil
}

// verifyTotalAmount is the reconciliation check: the sum of every parsed row
// amount must equal the declared Net Amount exactly. Third-party exports have
// silently truncated before (a channel sheet failing to load); this check is
// the only signal that rows were dropped.
func verifyTotalAmount(rows []ParsedRow, expected decimal.Decimal, filename string) error {
	actual := decimal.Zero
	for _, row := range rows {
		actual = actual.Add(row.Record.Amount)
	}
	if !actual.Equal(expected) {
		return fmt.Errorf("amount mismatch in '%s': sum of rows is %s, expected Net Amount is %s",
			filename, actual.String(), expected.String())
	}
	return nil
}

// Column indices from expectedHeaders:
// 0: Title, 1: Sales Type, 4: ISBN #, 6: Partner, 8: Sale Territory,
// 12: Sales Qty, 17: Royalty Payable Currency, 18: Royalty Payable.
// "Partner" here is the retail/distribution partner, not the legal partner.
func parseRow(row []string, monthOfSale time.Time, filename string, sourceFileId string) (ParsedRow, error) {
	quantity, err := parseQuantity(cell(row, 12))
	if err != nil {
		return ParsedRow{}, err
	}
	amount, err := parseAmount(cell(row, 18))
	if err != nil {
		return ParsedRow{}, err
	}

	record := models.SaleRecord{
		MonthOfSale:    monthOfSale,
		SourceFile:     filename,
		SourceFileId:   sourceFileId,
		Title:          cell(row, 0),
		SalesType:      cell(row, 1),
		Retailer:       cell(row, 6),
		Country:        utils.NilIfEmpty(cell(row, 8)),
		Quantity:       quantity,
		AmountCurrency: cell(row, 17),
		Amount:         amount,
	}
	return ParsedRow{Record: record, ISBNCode: cell(row, 4)}, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return row[i]
}

func parseQuantity(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n, nil
	}
	// Some exports format quantities as "1.0".
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity '%s'", value)
	}
	return int(d.IntPart()), nil
}

func parseAmount(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount '%s'", value)
	}
	return d, nil
}
