package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// CAMT053Parser reads ISO 20022 bank-to-customer statements (and camt.052 reports).
type CAMT053Parser struct{}

// Format returns the parser format.
func (CAMT053Parser) Format() Format { return FormatCAMT053 }

type camtDocument struct {
	Statements []camtStatement `xml:"BkToCstmrStmt>Stmt"`
	Reports    []camtStatement `xml:"BkToCstmrAcctRpt>Rpt"`
}

type camtStatement struct {
	CreDtTm  string        `xml:"CreDtTm"`
	Balances []camtBalance `xml:"Bal"`
	Entries  []camtEntry   `xml:"Ntry"`
}

type camtBalance struct {
	Date camtDate `xml:"Dt"`
}

type camtDate struct {
	Dt   string `xml:"Dt"`
	DtTm string `xml:"DtTm"`
}

type camtAmount struct {
	Currency string `xml:"Ccy,attr"`
	Value    string `xml:",chardata"`
}

type camtEntry struct {
	Amount       camtAmount      `xml:"Amt"`
	CdtDbtInd    string          `xml:"CdtDbtInd"`
	BookingDate  camtDate        `xml:"BookgDt"`
	Details      []camtTxDetails `xml:"NtryDtls>TxDtls"`
	AdditionalTx string          `xml:"AddtlNtryInf"`
}

type camtParty struct {
	Name string `xml:"Nm"`
}

type camtAccount struct {
	IBAN string `xml:"Id>IBAN"`
}

type camtTxDetails struct {
	EndToEndID string      `xml:"Refs>EndToEndId"`
	Debtor     camtParty   `xml:"RltdPties>Dbtr"`
	DebtorAcct camtAccount `xml:"RltdPties>DbtrAcct"`
	Creditor   camtParty   `xml:"RltdPties>Cdtr"`
	CreditAcct camtAccount `xml:"RltdPties>CdtrAcct"`
	Ustrd      []string    `xml:"RmtInf>Ustrd"`
}

// Parse walks Stmt/Ntry elements so every amount is paired with the
// end-to-end id of its own entry.
func (CAMT053Parser) Parse(data []byte) ([]banking.Row, error) {
	var doc camtDocument
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: camt.053: %v", banking.ErrParse, err)
	}
	var rows []banking.Row
	for _, stmt := range append(doc.Statements, doc.Reports...) {
		fallback, hasFallback := stmt.statementDate()
		for _, entry := range stmt.Entries {
			row, ok := entry.row(fallback, hasFallback)
			if ok {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// statementDate is the single statement-level date used when an entry has no booking date.
func (s camtStatement) statementDate() (time.Time, bool) {
	for _, b := range s.Balances {
		if t, ok := b.Date.time(); ok {
			return t, true
		}
	}
	if t, ok := parseCAMTDate(s.CreDtTm); ok {
		return t, true
	}
	return time.Time{}, false
}

func (d camtDate) time() (time.Time, bool) {
	if t, ok := parseCAMTDate(d.Dt); ok {
		return t, true
	}
	return parseCAMTDate(d.DtTm)
}

func parseCAMTDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 10 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02", raw[:10], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (e camtEntry) row(fallback time.Time, hasFallback bool) (banking.Row, bool) {
	booked, ok := e.BookingDate.time()
	if !ok {
		if !hasFallback {
			return banking.Row{}, false
		}
		booked = fallback
	}
	amount, err := ParseAmount(e.Amount.Value)
	if err != nil || amount == 0 {
		return banking.Row{}, false
	}
	direction := banking.DirectionIn
	switch strings.ToUpper(strings.TrimSpace(e.CdtDbtInd)) {
	case "DBIT":
		direction = banking.DirectionOut
	case "CRDT":
	default:
		if amount < 0 {
			direction = banking.DirectionOut
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(e.Amount.Currency))
	if currency == "" {
		currency = banking.DefaultCurrency
	}

	row := banking.Row{
		BookedAt:    booked,
		AmountMinor: abs64(amount),
		Currency:    currency,
		Direction:   direction,
	}
	if len(e.Details) > 0 {
		tx := e.Details[0]
		row.EndToEndID = strings.TrimSpace(tx.EndToEndID)
		if direction == banking.DirectionIn {
			row.CounterpartyName = strings.TrimSpace(tx.Debtor.Name)
			row.CounterpartyIBAN = banking.NormalizeIBAN(tx.DebtorAcct.IBAN)
		} else {
			row.CounterpartyName = strings.TrimSpace(tx.Creditor.Name)
			row.CounterpartyIBAN = banking.NormalizeIBAN(tx.CreditAcct.IBAN)
		}
		row.Description = strings.TrimSpace(strings.Join(tx.Ustrd, " "))
	}
	if row.Description == "" {
		row.Description = strings.TrimSpace(e.AdditionalTx)
	}
	row.RemittanceInfo = row.Description
	if row.RemittanceInfo == "" {
		row.RemittanceInfo = row.EndToEndID
	}
	return row, true
}
