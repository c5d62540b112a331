package banksync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

const descriptionLimit = 1000

var listKeys = []string{"transactions", "transactionList", "accountTransactions"}

// ExtractItems pulls the transaction list out of a PSD2 response. The list may
// sit directly under one of the known keys or inside an object's "booked" array.
func ExtractItems(raw json.RawMessage) ([]map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}

	var list any
	for _, key := range listKeys {
		if v, ok := doc[key]; ok && v != nil {
			list = v
			break
		}
	}
	if obj, ok := list.(map[string]any); ok {
		list = nil
		for _, key := range append([]string{"booked"}, listKeys[:2]...) {
			if v, ok := obj[key]; ok && v != nil {
				list = v
				break
			}
		}
	}
	arr, ok := list.([]any)
	if !ok {
		return nil, nil
	}
	items := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

// NormalizeTransaction maps one PSD2 item onto a canonical row. It accepts
// signed amounts as well as an absolute amount with a credit/debit indicator.
// Items without a booking date or a usable non-zero amount are rejected.
func NormalizeTransaction(item map[string]any) (banking.Row, bool) {
	bookedAt, ok := bookingTime(firstValue(item, "bookingDate", "bookedAt", "date"))
	if !ok {
		return banking.Row{}, false
	}

	amountObj, _ := item["transactionAmount"].(map[string]any)
	if nested, isObj := item["amount"].(map[string]any); isObj && amountObj == nil {
		amountObj = nested
	}
	amount, ok := parseDecimal(firstValue(item, "amount"))
	if !ok && amountObj != nil {
		amount, ok = parseDecimal(amountObj["amount"])
	}
	if !ok {
		cents, centsOK := parseDecimal(item["amountCents"])
		if !centsOK {
			return banking.Row{}, false
		}
		amount = cents.Shift(-2)
	}
	minor := amount.Abs().Shift(2).Round(0).IntPart()
	if minor == 0 {
		return banking.Row{}, false
	}

	currency := firstString(amountObj, "currency")
	if currency == "" {
		currency = firstString(item, "currency")
	}
	if currency == "" {
		currency = banking.DefaultCurrency
	}

	direction := banking.DirectionIn
	switch strings.ToLower(firstString(item, "creditDebitIndicator", "creditDebit")) {
	case "credit", "crdt", "c":
		direction = banking.DirectionIn
	case "debit", "dbit", "d":
		direction = banking.DirectionOut
	default:
		if amount.IsNegative() {
			direction = banking.DirectionOut
		}
	}

	iban := nestedString(item, "debtorAccount", "iban")
	if iban == "" {
		iban = nestedString(item, "creditorAccount", "iban")
	}
	if iban == "" {
		iban = firstString(item, "counterpartyIban", "counterpartyAccount")
	}

	remittance := textValue(firstValue(item, "remittanceInformationUnstructured", "remittanceInformation", "details", "description"))
	if remittance == "" {
		remittance = textValue(item["remittanceInformationUnstructuredArray"])
	}
	description := remittance
	if r := []rune(description); len(r) > descriptionLimit {
		description = string(r[:descriptionLimit])
	}

	raw, err := json.Marshal(item)
	if err != nil {
		raw = nil
	}

	return banking.Row{
		BookedAt:         bookedAt,
		AmountMinor:      minor,
		Currency:         strings.ToUpper(currency),
		Direction:        direction,
		CounterpartyName: firstString(item, "debtorName", "creditorName", "counterpartyName", "name"),
		CounterpartyIBAN: banking.NormalizeIBAN(iban),
		Description:      description,
		RemittanceInfo:   remittance,
		EndToEndID:       firstString(item, "endToEndId", "transactionId"),
		RawJSON:          raw,
	}, true
}

// bookingTime pins date-only values to midday UTC so the hash input does not
// drift with the server's time zone.
func bookingTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if len(s) == len(time.DateOnly) {
			d, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return time.Time{}, false
			}
			return d.Add(12 * time.Hour), true
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case json.Number:
		if ms, err := val.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseDecimal(v any) (decimal.Decimal, bool) {
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = strings.Replace(strings.TrimSpace(val), ",", ".", 1)
	case float64:
		return decimal.NewFromFloat(val), true
	default:
		return decimal.Decimal{}, false
	}
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	s, _ := firstValue(m, keys...).(string)
	return strings.TrimSpace(s)
}

func nestedString(m map[string]any, key, field string) string {
	inner, _ := m[key].(map[string]any)
	return firstString(inner, field)
}

func textValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
