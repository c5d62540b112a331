// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors every mapper understands.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrValidation = errors.New("validation failed")
)

// Rule maps a family of errors to one problem response.
type Rule struct {
	Status int
	Title  string
	// Expose copies err.Error() into the problem detail. Only set it for
	// errors that describe the caller's own input.
	Expose bool
	Match  []error
}

// ErrorMapper resolves errors to RFC7807 responses. Rules are checked in
// order; the package sentinels and validator errors are checked last.
type ErrorMapper struct {
	rules []Rule
}

// NewErrorMapper builds a mapper from domain rules.
func NewErrorMapper(rules ...Rule) *ErrorMapper {
	all := make([]Rule, 0, len(rules)+2)
	all = append(all, rules...)
	all = append(all,
		Rule{Status: http.StatusNotFound, Title: "Not Found", Match: []error{ErrNotFound}},
		Rule{Status: http.StatusBadRequest, Title: "Validation Failed", Expose: true, Match: []error{ErrValidation}},
	)
	return &ErrorMapper{rules: all}
}

// Resolve returns the status, title and detail for err. Unmatched errors
// resolve to 500 with an empty detail.
func (m *ErrorMapper) Resolve(err error) (status int, title, detail string) {
	for _, rule := range m.rules {
		for _, target := range rule.Match {
			if errors.Is(err, target) {
				if rule.Expose {
					detail = err.Error()
				}
				return rule.Status, rule.Title, detail
			}
		}
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "Validation Failed", err.Error()
	}
	return http.StatusInternalServerError, "Internal Error", ""
}

// Respond writes the problem response for err and returns its status.
func (m *ErrorMapper) Respond(w http.ResponseWriter, err error) int {
	status, title, detail := m.Resolve(err)
	Problem(w, status, title, detail)
	return status
}
