// Package valueminer extracts candidate condition values from question text
// and from table columns.
package valueminer

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/numeral"
)

// Normalizer rewrites text before it is matched. Both sides of a comparison
// go through the same Normalizer.
type Normalizer func(string) string

// Identity leaves text unchanged.
func Identity(s string) string { return s }

// NFKC folds full-width digits and compatibility forms (１２３ → 123).
func NFKC(s string) string { return norm.NFKC.String(s) }

var (
	yearArabicRe = regexp.MustCompile(`[0-9][0-9]年`)
	yearCNRe     = regexp.MustCompile(`[` + numeral.CNDigits + `][` + numeral.CNDigits + `]年`)
	arabicRe     = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+`)
	cnRe         = regexp.MustCompile(`[` + numeral.CNDigits + numeral.CNUnits + `]*\.?[` + numeral.CNDigits + numeral.CNUnits + `]+`)
	mixedRe      = regexp.MustCompile(`[0-9]*\.?[` + numeral.CNUnits + `]+`)
)

// Option configures a miner.
type Option func(*options)

type options struct {
	normalize Normalizer
}

// WithNormalizer sets the text normalizer. A nil value keeps the default.
func WithNormalizer(n Normalizer) Option {
	return func(o *options) {
		if n != nil {
			o.normalize = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{normalize: Identity}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TextMiner pulls numbers and years out of free text. Conversion failures drop
// the offending substring; mining never errors.
type TextMiner struct {
	normalize Normalizer
}

// NewTextMiner creates a TextMiner.
func NewTextMiner(opts ...Option) *TextMiner {
	o := buildOptions(opts)
	return &TextMiner{normalize: o.normalize}
}

// Extract returns the distinct normalized values in text, sorted.
func (m *TextMiner) Extract(text string) []string {
	text = m.normalize(text)
	set := make(map[string]struct{})
	for _, v := range m.Years(text) {
		set[v] = struct{}{}
	}
	for _, v := range m.Numbers(text) {
		set[v] = struct{}{}
	}
	return sortedKeys(set)
}

// Years returns year candidates: "98年" → "2098", "一九年" → "2019".
// Duplicates are kept.
func (m *TextMiner) Years(text string) []string {
	var out []string
	for _, s := range yearArabicRe.FindAllString(text, -1) {
		out = append(out, "20"+strings.TrimSuffix(s, "年"))
	}
	for _, s := range yearCNRe.FindAllString(text, -1) {
		if v, ok := numeral.StrToYear(s); ok {
			out = append(out, v)
		}
	}
	return out
}

// Numbers returns numeric candidates from Arabic runs (kept verbatim),
// Chinese numeral runs, and mixed runs such as "3千". Duplicates are kept.
func (m *TextMiner) Numbers(text string) []string {
	out := arabicRe.FindAllString(text, -1)

	for _, s := range cnRe.FindAllString(text, -1) {
		if v, ok := numeral.StrToNum(s); ok {
			out = append(out, v)
		}
	}

	for _, word := range mixedRe.FindAllString(text, -1) {
		for _, n := range arabicRe.FindAllString(word, -1) {
			if cn, err := numeral.ToChinese(n); err == nil {
				word = strings.ReplaceAll(word, n, cn)
			}
		}
		if v, ok := numeral.StrToNum(word); ok {
			out = append(out, v)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
