// Package importer turns uploaded contact files into destination addresses.
package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"wafleet/internal/phone"
	"wafleet/internal/storage"
)

type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatVCF  Format = "vcf"
)

var ErrUnknownFormat = errors.New("importer: unsupported file type")

// FormatFor picks the parser from a file name extension.
func FormatFor(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "txt", "text", "":
		return FormatText, nil
	case "csv":
		return FormatCSV, nil
	case "vcf", "vcard":
		return FormatVCF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(name))
}

// Report summarizes one parsed file. Accepted keeps first-seen order.
type Report struct {
	Accepted   []string `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	// Added is set by Import: how many accepted addresses were new to the store.
	Added int `json:"added"`
}

// Parser normalizes and deduplicates candidates as they are read.
type Parser struct {
	norm *phone.Normalizer
}

func New(norm *phone.Normalizer) *Parser {
	if norm == nil {
		norm = phone.New("")
	}
	return &Parser{norm: norm}
}

// Parse reads r in the given format.
func (p *Parser) Parse(r io.Reader, f Format) (Report, error) {
	acc := newAccumulator(p.norm)
	var err error
	switch f {
	case FormatText:
		err = eachLine(r, func(line string) {
			field := firstPhoneField(splitLoose(line))
			if field == "" {
				field = firstPhoneField(strings.Fields(line))
			}
			acc.add(field)
		})
	case FormatCSV:
		err = eachRecord(r, func(rec []string) { acc.add(firstPhoneField(rec)) })
	case FormatVCF:
		err = eachVCardTel(r, acc.add)
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if err != nil {
		return Report{}, err
	}
	return acc.rep, nil
}

// Import parses r and adds the accepted addresses to dest.
func (p *Parser) Import(ctx context.Context, dest storage.DestinationStore, r io.Reader, f Format) (Report, error) {
	rep, err := p.Parse(r, f)
	if err != nil {
		return rep, err
	}
	if len(rep.Accepted) == 0 {
		return rep, nil
	}
	n, err := dest.AddMany(ctx, rep.Accepted)
	rep.Added = n
	if err != nil {
		return rep, fmt.Errorf("importer: store: %w", err)
	}
	return rep, nil
}

type accumulator struct {
	norm *phone.Normalizer
	seen map[string]struct{}
	rep  Report
}

func newAccumulator(n *phone.Normalizer) *accumulator {
	return &accumulator{norm: n, seen: map[string]struct{}{}}
}

// add takes one candidate; "" means the line had content but nothing phone-like.
func (a *accumulator) add(raw string) {
	if raw == "" {
		a.rep.Rejected++
		return
	}
	res, ok := a.norm.Normalize(raw)
	if !ok {
		a.rep.Rejected++
		return
	}
	key := Canonical(a.norm, res)
	if _, dup := a.seen[key]; dup {
		a.rep.Duplicates++
		return
	}
	a.seen[key] = struct{}{}
	a.rep.Accepted = append(a.rep.Accepted, key)
}

// Canonical is the stored form of res; see phone.Normalizer.Canonical.
func Canonical(n *phone.Normalizer, res phone.Result) string { return n.Canonical(res) }

func eachLine(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			fn(line)
		}
	}
	return sc.Err()
}

func eachRecord(r io.Reader, fn func([]string)) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("importer: csv: %w", err)
		}
		if blank(rec) {
			continue
		}
		fn(rec)
	}
}

// eachVCardTel calls fn with the value of every TEL property. Folded lines
// are joined first.
func eachVCardTel(r io.Reader, fn func(string)) error {
	var cur string
	flush := func() {
		if cur == "" {
			return
		}
		name, value, ok := strings.Cut(cur, ":")
		cur = ""
		if !ok {
			return
		}
		prop := strings.ToUpper(name)
		if i := strings.IndexByte(prop, ';'); i >= 0 {
			prop = prop[:i]
		}
		if i := strings.LastIndexByte(prop, '.'); i >= 0 {
			prop = prop[i+1:]
		}
		if prop != "TEL" {
			return
		}
		value = strings.TrimPrefix(strings.TrimSpace(value), "tel:")
		if phoneLike(value) {
			fn(value)
		} else {
			fn("")
		}
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			cur += line[1:]
			continue
		}
		flush()
		cur = line
	}
	flush()
	return sc.Err()
}

func splitLoose(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == '\t' || r == '|'
	})
}

func firstPhoneField(fields []string) string {
	for _, f := range fields {
		if f = strings.TrimSpace(f); phoneLike(f) {
			return f
		}
	}
	return ""
}

// phoneLike accepts digits with common separators and enough digits to be
// worth normalizing.
func phoneLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-(). ", r):
		default:
			return false
		}
	}
	return digits >= phone.MinDigits
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
