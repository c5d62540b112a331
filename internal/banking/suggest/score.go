package suggest

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// Scoring weights. A candidate collects at most one amount weight.
const (
	WeightExactAmount   = 0.5
	WeightNearAmount    = 0.35
	WeightAmountRange   = 0.25
	WeightNumberInText  = 0.4
	WeightNumberLiteral = 0.2
	WeightCustomerName  = 0.2

	// AcceptThreshold is the minimum top score for an invoice match.
	AcceptThreshold = 0.5
	// NearTolerance is the minor-unit distance still treated as "almost equal".
	NearTolerance = 10
	// NameSimilarity is the edit-distance similarity at which two compacted
	// names count as the same party.
	NameSimilarity = 0.85

	maxScored = 10
)

var (
	invoiceRefPattern = regexp.MustCompile(`(?i)(?:gs-|factuur\s*#?)\s*[\d\-]+`)
	bareNumberPattern = regexp.MustCompile(`\b\d{4,10}\b`)
	whitespace        = regexp.MustCompile(`\s+`)
)

// Candidate is a scored invoice.
type Candidate struct {
	Invoice banking.Invoice
	Score   float64
	Reasons []string
}

// Reason joins the candidate reasons for audit storage.
func (c Candidate) Reason() string {
	return strings.Join(c.Reasons, "; ")
}

// ExtractInvoiceNumbers finds invoice-number-like tokens in free text:
// "GS-2024-0012", "factuur #123" and bare 4 to 10 digit numbers.
func ExtractInvoiceNumbers(text string) []string {
	if text == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, m := range invoiceRefPattern.FindAllString(text, -1) {
		compact := strings.ToLower(whitespace.ReplaceAllString(m, ""))
		if !strings.HasPrefix(compact, "gs-") {
			compact = strings.TrimPrefix(compact, "factuur")
		}
		add(compact)
	}
	for _, m := range bareNumberPattern.FindAllString(text, -1) {
		add(m)
	}
	return out
}

var folder = cases.Fold()

// Fold lower-cases and strips diacritics so "Café Müller" matches "cafe muller".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(strings.TrimSpace(out))
}

// NamesOverlap reports whether two folded names refer to the same party:
// one contains the other, with or without punctuation and spacing, or the
// compacted forms are within NameSimilarity edit distance.
func NamesOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	ca, cb := compact(a), compact(b)
	if len(ca) < 4 || len(cb) < 4 {
		return false
	}
	if strings.Contains(ca, cb) || strings.Contains(cb, ca) {
		return true
	}
	longest := math.Max(float64(len([]rune(ca))), float64(len([]rune(cb))))
	return 1-float64(levenshtein.ComputeDistance(ca, cb))/longest >= NameSimilarity
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// ScoreInvoices ranks open invoices against a transaction. Only candidates
// with a positive score are returned, best first, at most ten.
func ScoreInvoices(tx banking.Transaction, invoices []banking.Invoice, customerNames map[uuid.UUID]string) []Candidate {
	text := strings.ToLower(strings.Join([]string{tx.Description, tx.RemittanceInfo, tx.CounterpartyName}, " "))
	numbers := ExtractInvoiceNumbers(text)
	counterparty := Fold(tx.CounterpartyName)
	amount := tx.AmountMinor

	scored := make([]Candidate, 0, len(invoices))
	for _, inv := range invoices {
		var (
			score   float64
			reasons []string
		)
		open := inv.OpenAmountMinor
		switch {
		case open == amount:
			score += WeightExactAmount
			reasons = append(reasons, "exact amount match")
		case abs(open-amount) < NearTolerance:
			score += WeightNearAmount
			reasons = append(reasons, "amount nearly equal")
		case float64(open) >= float64(amount)*0.95 && float64(open) <= float64(amount)*1.05:
			score += WeightAmountRange
			reasons = append(reasons, "amount within 5%")
		}

		number := strings.ToLower(strings.TrimSpace(inv.Number))
		if number != "" {
			for _, c := range numbers {
				if strings.Contains(number, c) || strings.Contains(c, number) {
					score += WeightNumberInText
					reasons = append(reasons, "invoice number in remittance: "+inv.Number)
					break
				}
			}
			if strings.Contains(text, number) {
				score += WeightNumberLiteral
				reasons = append(reasons, "invoice number in text")
			}
		}

		if NamesOverlap(counterparty, Fold(customerNames[inv.CustomerID])) {
			score += WeightCustomerName
			reasons = append(reasons, "customer name match")
		}

		score = math.Min(1, round4(score))
		if score > 0 {
			scored = append(scored, Candidate{Invoice: inv, Score: score, Reasons: reasons})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > maxScored {
		scored = scored[:maxScored]
	}
	return scored
}

// MatchRule returns the first rule matching the transaction, or nil. Rules
// with an invalid regex never match.
func MatchRule(tx banking.Transaction, rules []banking.CounterpartyRule) *banking.CounterpartyRule {
	name := Fold(tx.CounterpartyName)
	iban := strings.ToLower(banking.NormalizeIBAN(tx.CounterpartyIBAN))
	for i := range rules {
		r := &rules[i]
		value := strings.TrimSpace(r.MatchValue)
		if value == "" {
			continue
		}
		switch r.MatchType {
		case banking.MatchIBAN:
			if iban != "" && strings.Contains(iban, strings.ToLower(banking.NormalizeIBAN(value))) {
				return r
			}
		case banking.MatchNameContains:
			if name != "" && strings.Contains(name, Fold(value)) {
				return r
			}
		case banking.MatchRegex:
			re, err := regexp.Compile("(?i)" + value)
			if err != nil {
				continue
			}
			if re.MatchString(tx.CounterpartyName) || re.MatchString(tx.Description) {
				return r
			}
		}
	}
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
