package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// CSVParser reads generic, header-driven bank CSV exports.
type CSVParser struct{}

// Format returns the parser format.
func (CSVParser) Format() Format { return FormatCSV }

// Column synonyms per role, matched in order as case and space insensitive substrings.
var (
	dateColumns        = []string{"date", "datum", "booked", "value"}
	amountColumns      = []string{"amount", "bedrag", "amount_cents", "credit", "debit"}
	nameColumns        = []string{"name", "naam", "counterparty", "tegenrekening", "description"}
	ibanColumns        = []string{"iban", "counterparty_iban", "tegenrekeningiban"}
	descriptionColumns = []string{"description", "omschrijving", "details", "info"}
	referenceColumns   = []string{"reference", "referentie", "end_to_end", "id"}
	indicatorColumns   = []string{"afbij", "debitcredit", "creditdebit", "d/c", "cdtdbt"}
)

var csvDateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"02.01.2006",
	"20060102",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Parse decodes a CSV export; the first line is the header. Every line is
// one record, so a malformed line is skipped without affecting its
// neighbours.
func (CSVParser) Parse(data []byte) ([]banking.Row, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	comma := sniffDelimiter(lines[0])

	header, err := readCSVLine(lines[0], comma)
	if err != nil {
		return nil, fmt.Errorf("%w: csv header: %v", banking.ErrParse, err)
	}
	cols := newColumnIndex(header)

	var rows []banking.Row
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		record, err := readCSVLine(line, comma)
		if err != nil {
			continue
		}
		if row, ok := cols.row(record); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func readCSVLine(line string, comma rune) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(strings.TrimRight(line, "\r")))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty record")
	}
	return record, err
}

func sniffDelimiter(header string) rune {
	best, bestCount := ',', strings.Count(header, ",")
	for _, d := range []rune{';', '\t'} {
		if c := strings.Count(header, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

type columnIndex struct {
	headers []string
}

func newColumnIndex(header []string) columnIndex {
	normalised := make([]string, len(header))
	for i, h := range header {
		normalised[i] = squash(strings.Trim(h, `"'`))
	}
	return columnIndex{headers: normalised}
}

// get returns the first non-empty value whose header contains one of keys, tried in key order.
func (c columnIndex) get(record []string, keys []string) string {
	for _, k := range keys {
		key := squash(k)
		for i, h := range c.headers {
			if h == "" || !strings.Contains(h, key) || i >= len(record) {
				continue
			}
			if v := strings.TrimSpace(record[i]); v != "" {
				return v
			}
		}
	}
	return ""
}

// row maps one record; rows without a parsable date or with a zero amount are dropped.
func (c columnIndex) row(record []string) (banking.Row, bool) {
	booked, ok := parseCSVDate(c.get(record, dateColumns))
	if !ok {
		return banking.Row{}, false
	}
	amountStr := c.get(record, amountColumns)
	if amountStr == "" {
		return banking.Row{}, false
	}
	amount, err := ParseAmount(amountStr)
	if err != nil || amount == 0 {
		return banking.Row{}, false
	}
	direction := banking.DirectionIn
	if amount < 0 {
		direction = banking.DirectionOut
	}
	if ind := strings.ToLower(c.get(record, indicatorColumns)); ind != "" {
		switch ind {
		case "af", "d", "debit", "dbit":
			direction = banking.DirectionOut
		case "bij", "c", "credit", "crdt":
			direction = banking.DirectionIn
		}
	}

	name := c.get(record, nameColumns)
	description := c.get(record, descriptionColumns)
	if description == "" {
		description = name
	}
	ref := c.get(record, referenceColumns)

	return banking.Row{
		BookedAt:         booked,
		AmountMinor:      abs64(amount),
		Currency:         banking.DefaultCurrency,
		Direction:        direction,
		CounterpartyName: name,
		CounterpartyIBAN: banking.NormalizeIBAN(c.get(record, ibanColumns)),
		Description:      description,
		RemittanceInfo:   ref,
		EndToEndID:       ref,
	}, true
}

func parseCSVDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range csvDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func squash(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
