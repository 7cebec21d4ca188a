/*
Package money provides the numeric primitives shared by every component
that touches monetary values.

PURPOSE:
  Centralizes the three things that must be done the same way everywhere:
  - Parsing user-entered numbers that may use either comma- or dot-based
    decimal/thousands conventions (back-office operators paste amounts
    from spreadsheets in both locales).
  - Rounding to money precision (2 decimals, half-up at the cent).
  - Formatting the canonical "0.00" string used on the wire and on disk.

DESIGN PRINCIPLES:
  1. Precision: shopspring/decimal everywhere, never float64 arithmetic.
  2. Purity: no function in this package has side effects.
  3. No panics: invalid input yields (Zero, false), callers must check.

SEE ALSO:
  - billing/concept.go: rounding-mode dispatch built on RoundBy
  - ledger/portfolio.go: money-precision invariants on balances
*/
package money

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical date-only format for process dates,
// entry dates, and due dates.
const DateLayout = "2006-01-02"

// RoundingMode selects how RoundBy resolves fractional remainders.
type RoundingMode string

const (
	RoundNearest RoundingMode = "NEAREST" // half-up
	RoundUp      RoundingMode = "UP"      // ceiling
	RoundDown    RoundingMode = "DOWN"    // floor
)

var flexiblePattern = regexp.MustCompile(`^[0-9][0-9.,]*$`)

// =============================================================================
// PARSING
// =============================================================================

// ParseFlexible parses a numeric string that may follow either the
// "1,234.56" or the "1.234,56" convention.
//
// Disambiguation rules:
//   - If both separators appear, the last one is the decimal separator.
//   - A repeated separator is always a thousands separator.
//   - A lone separator followed by exactly three digits is read as a
//     thousands separator ("1.234" -> 1234), matching spreadsheet
//     grouping. Any other digit count makes it the decimal separator.
//
// Returns (Zero, false) for anything not matching digit[digits.,]*.
// Never panics.
func ParseFlexible(text string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(text)
	if s == "" || !flexiblePattern.MatchString(s) {
		return decimal.Zero, false
	}

	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	var decSep byte
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			decSep = ','
		} else {
			decSep = '.'
		}
	case lastComma >= 0:
		decSep = ','
		if strings.Count(s, ",") > 1 || isGroupingSeparator(s, lastComma) {
			decSep = 0
		}
	case lastDot >= 0:
		decSep = '.'
		if strings.Count(s, ".") > 1 || isGroupingSeparator(s, lastDot) {
			decSep = 0
		}
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case decSep != 0 && c == decSep && i == lastIndex(s, decSep):
			b.WriteByte('.')
		}
		// any other separator occurrence is grouping noise, dropped
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// isGroupingSeparator reports whether the separator at position i looks
// like a thousands separator: exactly three digits follow it.
func isGroupingSeparator(s string, i int) bool {
	return len(s)-i-1 == 3
}

func lastIndex(s string, c byte) int {
	return strings.LastIndexByte(s, c)
}

// =============================================================================
// ROUNDING
// =============================================================================

// Round rounds to money precision: 2 decimals, half-up at the cent.
// Every monetary value must pass through this before persistence.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundBy rounds using the given mode at the given number of decimals.
// NEAREST is half-up, UP is ceiling, DOWN is floor. Unknown modes fall
// back to NEAREST.
func RoundBy(d decimal.Decimal, mode RoundingMode, places int32) decimal.Decimal {
	switch mode {
	case RoundUp:
		return d.RoundCeil(places)
	case RoundDown:
		return d.RoundFloor(places)
	default:
		return d.Round(places)
	}
}

// =============================================================================
// FORMATTING
// =============================================================================

// Format renders the canonical "0.00" representation used on the wire
// and on disk, avoiding floating-point drift in serialized values.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatDate renders a date-only value ("2006-01-02").
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateOnly truncates a timestamp to its UTC calendar day.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfDayIn truncates a timestamp to its calendar day in loc.
func StartOfDayIn(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}
