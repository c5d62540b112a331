// Package parser decodes bank statement files (CSV, MT940, CAMT.053) into canonical rows.
package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// Format identifies a statement file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatMT940   Format = "mt940"
	FormatCAMT053 Format = "camt053"
)

// Parser converts raw statement bytes into canonical rows.
type Parser interface {
	Parse(data []byte) ([]banking.Row, error)
	Format() Format
}

var parsers = map[Format]Parser{
	FormatCSV:     CSVParser{},
	FormatMT940:   MT940Parser{},
	FormatCAMT053: CAMT053Parser{},
}

// ForFormat returns the parser registered for f, or nil.
func ForFormat(f Format) Parser {
	return parsers[f]
}

// Detect picks a format from the filename extension, falling back to content sniffing.
func Detect(data []byte, filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".sta", ".mt940", ".940":
		return FormatMT940
	case ".xml", ".053":
		return FormatCAMT053
	case ".csv", ".tsv":
		return FormatCSV
	}
	if bytes.Contains(head(data, 512), []byte(":20:")) {
		return FormatMT940
	}
	if bytes.Contains(data, []byte("<BkToCstmrAcctRpt>")) || bytes.Contains(data, []byte("<BkToCstmrStmt>")) {
		return FormatCAMT053
	}
	return FormatCSV
}

// Parse detects the format and decodes data.
func Parse(data []byte, filename string) ([]banking.Row, Format, error) {
	format := Detect(data, filename)
	p := ForFormat(format)
	if p == nil {
		return nil, format, fmt.Errorf("%w: no parser for %s", banking.ErrParse, format)
	}
	rows, err := p.Parse(data)
	if err != nil {
		return nil, format, err
	}
	return rows, format, nil
}

func head(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
