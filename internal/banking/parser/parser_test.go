package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name     string
		data     string
		filename string
		want     Format
	}{
		{"sta extension", "whatever", "statement.STA", FormatMT940},
		{"xml extension", "whatever", "camt.xml", FormatCAMT053},
		{"csv extension wins over content", ":20:REF", "export.csv", FormatCSV},
		{"mt940 sniff", ":20:STARTUMS\n:25:NL91ABNA0417164300", "", FormatMT940},
		{"camt sniff", `<?xml version="1.0"?><Document><BkToCstmrAcctRpt></BkToCstmrAcctRpt></Document>`, "upload", FormatCAMT053},
		{"default csv", "Date;Amount\n2024-01-01;1", "", FormatCSV},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Detect([]byte(tc.data), tc.filename))
		})
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]int64{
		"-125,50":   -12550,
		"125.50":    12550,
		"1.234,56":  123456,
		"1,234.56":  123456,
		"+12":       1200,
		"0,01":      1,
		"1 500,00":  150000,
		"99,999":    10000,
		"1.000.000": 100000000,
		"12,50-":    -1250,
	}
	for raw, want := range cases {
		got, err := ParseAmount(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseAmount("abc")
	require.ErrorIs(t, err, banking.ErrParse)
	_, err = ParseAmount("")
	require.ErrorIs(t, err, banking.ErrParse)
}

func TestCSVRoundTrip(t *testing.T) {
	data := "Date;Name;IBAN;Amount;Description\n" +
		"01-03-2024;Acme BV;NL91ABNA0417164300;-125,50;Invoice 1042\n"

	rows, format, err := Parse([]byte(data), "export.csv")
	require.NoError(t, err)
	require.Equal(t, FormatCSV, format)
	require.Len(t, rows, 1)

	row := rows[0]
	require.Equal(t, int64(12550), row.AmountMinor)
	require.Equal(t, banking.DirectionOut, row.Direction)
	require.Equal(t, "NL91ABNA0417164300", row.CounterpartyIBAN)
	require.Equal(t, "Acme BV", row.CounterpartyName)
	require.Equal(t, "Invoice 1042", row.Description)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), row.BookedAt)
}

func TestCSVDropsZeroAmountAndBadDates(t *testing.T) {
	data := "Datum,Naam,Bedrag,Omschrijving\n" +
		"2024-02-01,Foo,10.00,one\n" +
		"2024-02-02,Bar,0.00,zero\n" +
		"not-a-date,Baz,5.00,broken\n" +
		"2024-02-03,Qux,-7.25,two\n"

	rows, err := CSVParser{}.Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, banking.DirectionIn, rows[0].Direction)
	require.Equal(t, int64(1000), rows[0].AmountMinor)
	require.Equal(t, banking.DirectionOut, rows[1].Direction)
	require.Equal(t, int64(725), rows[1].AmountMinor)
}

func TestCSVSkipsMalformedLineAndKeepsReading(t *testing.T) {
	data := "Datum,Naam,Bedrag,Omschrijving\r\n" +
		"2024-02-01,Foo,10.00,one\r\n" +
		"2024-02-02,\"Kapot BV,-3.00,unterminated\r\n" +
		"2024-02-03,Qux,-7.25,two\r\n"

	rows, format, err := Parse([]byte(data), "export.csv")
	require.NoError(t, err)
	require.Equal(t, FormatCSV, format)
	require.Len(t, rows, 2)
	require.Equal(t, "Foo", rows[0].CounterpartyName)
	require.Equal(t, "Qux", rows[1].CounterpartyName)
	require.Equal(t, int64(725), rows[1].AmountMinor)
	require.Equal(t, banking.DirectionOut, rows[1].Direction)
	require.Equal(t, "two", rows[1].Description)
}

func TestCSVFuzzyHeadersAndIndicator(t *testing.T) {
	data := "\"Datum\"\t\"Naam / Omschrijving\"\t\"Tegenrekening IBAN\"\t\"Af Bij\"\t\"Bedrag (EUR)\"\t\"Mededelingen\"\n" +
		"20240105\tHosting BV\tNL02 RABO 0123 4567 89\tAf\t42,00\tmaand jan\n"

	rows, err := CSVParser{}.Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, banking.DirectionOut, rows[0].Direction)
	require.Equal(t, int64(4200), rows[0].AmountMinor)
	require.Equal(t, "NL02RABO0123456789", rows[0].CounterpartyIBAN)
	require.Equal(t, "Hosting BV", rows[0].CounterpartyName)
}

func TestMT940RoundTrip(t *testing.T) {
	data := ":20:STARTUMS\n" +
		":25:NL91ABNA0417164300\n" +
		":60F:C240229EUR1000,00\n" +
		":61:2403010301D1500,00NTRFNONREF\n" +
		":86:/EREF/E2E-77//NAME/Landlord BV/IBAN/NL02RABO0123456789/REMI/rent march\n" +
		":61:240302C250,10NTRFNONREF\n" +
		":62F:C240302EUR-249,90\n"

	rows, format, err := Parse([]byte(data), "")
	require.NoError(t, err)
	require.Equal(t, FormatMT940, format)
	require.Len(t, rows, 2)

	first := rows[0]
	require.Equal(t, banking.DirectionOut, first.Direction)
	require.Equal(t, int64(150000), first.AmountMinor)
	require.Equal(t, time.March, first.BookedAt.Month())
	require.Equal(t, 2024, first.BookedAt.Year())
	require.Equal(t, "Landlord BV", first.CounterpartyName)
	require.Equal(t, "NL02RABO0123456789", first.CounterpartyIBAN)
	require.Equal(t, "E2E-77", first.EndToEndID)
	require.Contains(t, first.Description, "rent march")

	second := rows[1]
	require.Equal(t, banking.DirectionIn, second.Direction)
	require.Equal(t, int64(25010), second.AmountMinor)
	require.Empty(t, second.Description)
}

func TestMT940ContinuationAndCentury(t *testing.T) {
	data := ":20:X\n" +
		":61:991231C10,00NTRF\n" +
		":86:first line\n" +
		"second line\n" +
		"-}\n"

	rows, err := MT940Parser{}.Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1999, rows[0].BookedAt.Year())
	require.Equal(t, "first line second line", rows[0].RemittanceInfo)
}

func TestMT940DashContinuationStaysInRemittance(t *testing.T) {
	data := ":20:X\n" +
		":61:240301D12,50NTRF\n" +
		":86:invoice GS-2024-0042\n" +
		"-korting 2 procent\n" +
		"-}\n" +
		":61:240302C3,00NTRF\n" +
		":86:refund\n" +
		"-\n"

	rows, err := MT940Parser{}.Parse([]byte(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "invoice GS-2024-0042 -korting 2 procent", rows[0].RemittanceInfo)
	require.Equal(t, "refund", rows[1].RemittanceInfo)
}

const camtSample = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
  <BkToCstmrStmt>
    <Stmt>
      <CreDtTm>2024-04-03T08:00:00</CreDtTm>
      <Bal><Dt><Dt>2024-04-02</Dt></Dt></Bal>
      <Ntry>
        <Amt Ccy="EUR">100.00</Amt>
        <CdtDbtInd>CRDT</CdtDbtInd>
        <BookgDt><Dt>2024-04-01</Dt></BookgDt>
        <NtryDtls><TxDtls>
          <Refs><EndToEndId>E2E-1</EndToEndId></Refs>
          <RltdPties><Dbtr><Nm>Customer One</Nm></Dbtr><DbtrAcct><Id><IBAN>NL91ABNA0417164300</IBAN></Id></DbtrAcct></RltdPties>
          <RmtInf><Ustrd>GS-2024-0012</Ustrd></RmtInf>
        </TxDtls></NtryDtls>
      </Ntry>
      <Ntry>
        <Amt Ccy="EUR">20.00</Amt>
        <CdtDbtInd>DBIT</CdtDbtInd>
        <AddtlNtryInf>bank fee</AddtlNtryInf>
      </Ntry>
      <Ntry>
        <Amt Ccy="USD">5.50</Amt>
        <CdtDbtInd>DBIT</CdtDbtInd>
        <BookgDt><Dt>2024-04-02</Dt></BookgDt>
        <NtryDtls><TxDtls>
          <Refs><EndToEndId>E2E-3</EndToEndId></Refs>
          <RltdPties><Cdtr><Nm>Vendor</Nm></Cdtr><CdtrAcct><Id><IBAN>DE89 3704 0044 0532 0130 00</IBAN></Id></CdtrAcct></RltdPties>
        </TxDtls></NtryDtls>
      </Ntry>
    </Stmt>
  </BkToCstmrStmt>
</Document>`

func TestCAMT053PairsEntriesStructurally(t *testing.T) {
	rows, format, err := Parse([]byte(camtSample), "statement.xml")
	require.NoError(t, err)
	require.Equal(t, FormatCAMT053, format)
	require.Len(t, rows, 3)

	require.Equal(t, "E2E-1", rows[0].EndToEndID)
	require.Equal(t, banking.DirectionIn, rows[0].Direction)
	require.Equal(t, int64(10000), rows[0].AmountMinor)
	require.Equal(t, "Customer One", rows[0].CounterpartyName)
	require.Equal(t, "GS-2024-0012", rows[0].Description)
	require.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), rows[0].BookedAt)

	// The middle entry has no references; the third keeps its own id.
	require.Empty(t, rows[1].EndToEndID)
	require.Equal(t, banking.DirectionOut, rows[1].Direction)
	require.Equal(t, "bank fee", rows[1].Description)
	require.Equal(t, time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), rows[1].BookedAt)

	require.Equal(t, "E2E-3", rows[2].EndToEndID)
	require.Equal(t, "USD", rows[2].Currency)
	require.Equal(t, "DE89370400440532013000", rows[2].CounterpartyIBAN)
}

func TestCAMT053Malformed(t *testing.T) {
	_, err := CAMT053Parser{}.Parse([]byte("<Document><BkToCstmrStmt>"))
	require.ErrorIs(t, err, banking.ErrParse)
}
