// Package phone canonicalizes raw destination strings into local-format
// numbers tagged with their country of origin.
//
// Normalize is pure and allocation-light; importers call it once per line of
// multi-thousand-line files.
package phone

import (
	"sort"
	"strings"
)

const (
	MinDigits = 7
	MaxDigits = 16

	// DefaultHomeCode is used when no home calling code is configured.
	DefaultHomeCode = "234"

	UnknownCountry = "Unknown"
)

// Country is one row of the calling-code table.
type Country struct {
	Code string
	Name string
}

// Result is a normalized address.
type Result struct {
	// Local is the national form (usually with a leading zero).
	Local string
	// Country is the detected country name, or UnknownCountry.
	Country string
	// Code is the matched calling code, empty when unknown.
	Code string
}

// Known reports whether a calling code was detected.
func (r Result) Known() bool { return r.Code != "" }

// Normalizer holds the home country and a longest-prefix-first code table.
// It is immutable after New and safe for concurrent use.
type Normalizer struct {
	home  Country
	table []Country
}

// New builds a Normalizer for the given home calling code. An empty code
// selects DefaultHomeCode.
func New(homeCode string) *Normalizer {
	homeCode = strings.TrimSpace(homeCode)
	if homeCode == "" {
		homeCode = DefaultHomeCode
	}

	table := append([]Country(nil), callingCodes...)
	// Longest prefix first; equal lengths sort by code for a stable order.
	sort.SliceStable(table, func(i, j int) bool {
		if len(table[i].Code) != len(table[j].Code) {
			return len(table[i].Code) > len(table[j].Code)
		}
		return table[i].Code < table[j].Code
	})

	home := Country{Code: homeCode, Name: "Home"}
	for _, c := range table {
		if c.Code == homeCode {
			home = c
			break
		}
	}
	return &Normalizer{home: home, table: table}
}

var defaultNormalizer = New(DefaultHomeCode)

// Normalize uses the default normalizer (home code DefaultHomeCode).
func Normalize(raw string) (Result, bool) { return defaultNormalizer.Normalize(raw) }

// Home returns the home country row.
func (n *Normalizer) Home() Country { return n.home }

// Normalize canonicalizes raw. It returns false when the digit count is outside
// [MinDigits, MaxDigits].
func (n *Normalizer) Normalize(raw string) (Result, bool) {
	digits := onlyDigits(raw)
	if len(digits) < MinDigits || len(digits) > MaxDigits {
		return Result{}, false
	}

	// "00" is the international access prefix in most numbering plans.
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		if len(digits) < MinDigits {
			return Result{}, false
		}
	}

	// Already national form: keep as is so normalizing twice is a no-op.
	if digits[0] == '0' {
		return Result{Local: digits, Country: n.home.Name, Code: n.home.Code}, true
	}

	if rest, ok := strings.CutPrefix(digits, n.home.Code); ok {
		return Result{Local: localize(n.home.Code, rest), Country: n.home.Name, Code: n.home.Code}, true
	}

	for _, c := range n.table {
		if rest, ok := strings.CutPrefix(digits, c.Code); ok {
			return Result{Local: localize(c.Code, rest), Country: c.Name, Code: c.Code}, true
		}
	}
	return Result{Local: digits, Country: UnknownCountry}, true
}

// International returns the digits-only international form (code + national
// number without trunk zero), which is what the messaging network addresses.
func (r Result) International() string {
	if r.Code == "" {
		return r.Local
	}
	if noTrunkZero[r.Code] {
		return r.Code + r.Local
	}
	return r.Code + strings.TrimPrefix(r.Local, "0")
}

// Canonical is the stored destination form of r: local for home numbers,
// international digits otherwise, so re-normalizing at send time keeps the
// country.
func (n *Normalizer) Canonical(r Result) string {
	if !r.Known() || r.Code == n.home.Code {
		return r.Local
	}
	return r.International()
}

// localize adds the trunk zero unless the plan has none or the caller
// already wrote it, as in "+234 (0) 803...".
func localize(code, rest string) string {
	if noTrunkZero[code] || strings.HasPrefix(rest, "0") {
		return rest
	}
	return "0" + rest
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
