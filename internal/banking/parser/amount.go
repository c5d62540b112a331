package parser

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

var hundred = decimal.NewFromInt(100)

// ParseAmount reads a signed decimal amount that may use either '.' or ','
// as the decimal separator and returns it in minor units.
func ParseAmount(raw string) (int64, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\'', '€', '$', '£':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", banking.ErrParse)
	}
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		neg, s = true, s[:len(s)-1]
	}
	s = normaliseSeparators(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", banking.ErrParse, raw)
	}
	minor := d.Mul(hundred).Round(0).IntPart()
	if neg {
		minor = -minor
	}
	return minor, nil
}

// normaliseSeparators rewrites s to use '.' as the only decimal separator.
func normaliseSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return strings.ReplaceAll(s, ",", "")
		}
		return strings.Replace(s, ",", ".", 1)
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
