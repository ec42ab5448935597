package tokenizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ─────────────────────────────────────────────────────────────────────────────
// CharTokenizer
// ─────────────────────────────────────────────────────────────────────────────

// CharTokenizer emits one token per rune: the rune itself when it is in the
// vocab, [unused1] for whitespace, [UNK] otherwise.
type CharTokenizer struct {
	vocab *Vocab
	lower bool
	nfkc  bool
}

// Option configures a CharTokenizer.
type Option func(*CharTokenizer)

// WithLowerCase lower-cases text before lookup.
func WithLowerCase(on bool) Option { return func(t *CharTokenizer) { t.lower = on } }

// WithNFKC applies Unicode NFKC folding before lookup.
func WithNFKC(on bool) Option { return func(t *CharTokenizer) { t.nfkc = on } }

// NewCharTokenizer creates a tokenizer over v.
func NewCharTokenizer(v *Vocab, opts ...Option) *CharTokenizer {
	t := &CharTokenizer{vocab: v}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Vocab returns the underlying vocabulary.
func (t *CharTokenizer) Vocab() *Vocab { return t.vocab }

func (t *CharTokenizer) prepare(text string) string {
	if t.nfkc {
		text = norm.NFKC.String(text)
	}
	if t.lower {
		text = strings.ToLower(text)
	}
	return text
}

// Tokenize splits text into tokens.
func (t *CharTokenizer) Tokenize(text string) []string {
	text = t.prepare(text)
	out := make([]string, 0, len(text))
	for _, r := range text {
		s := string(r)
		switch {
		case t.vocab.Has(s):
			out = append(out, s)
		case unicode.IsSpace(r):
			out = append(out, TokenSpace)
		default:
			out = append(out, TokenUNK)
		}
	}
	return out
}

// IDs converts tokens to ids; unknown tokens map to [UNK].
func (t *CharTokenizer) IDs(tokens []string) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.vocab.ID(tok)
		if !ok {
			id = t.vocab.unkID()
		}
		out[i] = id
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// QueryEncoder
// ─────────────────────────────────────────────────────────────────────────────

var bracketRe = regexp.MustCompile(`[(（].*[)）]`)

// StripBrackets removes a parenthesised span, typically a unit: "票房(万)" → "票房".
func StripBrackets(s string) string { return bracketRe.ReplaceAllString(s, "") }

// EncodedQuery is the stage-1 encoder input for one question.
type EncodedQuery struct {
	TokenIDs   []int `json:"token_ids"`
	SegmentIDs []int `json:"segment_ids"`

	// HeaderIndices holds the start position of each column block, in
	// ColumnOrder order. Columns whose block starts at or beyond the max
	// length are dropped.
	HeaderIndices []int `json:"header_ids"`
	ColumnOrder   []int `json:"column_order"`
}

// HeaderLen is the number of columns the model sees.
func (e EncodedQuery) HeaderLen() int { return len(e.HeaderIndices) }

// QueryEncoder packs "[CLS] question [SEP]" followed by
// "<type> column [SEP]" for every column.
type QueryEncoder struct {
	tok    *CharTokenizer
	maxLen int
}

// NewQueryEncoder creates an encoder. maxLen <= 0 disables truncation.
func NewQueryEncoder(tok *CharTokenizer, maxLen int) *QueryEncoder {
	return &QueryEncoder{tok: tok, maxLen: maxLen}
}

// Encode encodes question against header, visiting columns in order. A nil
// order means header order.
func (e *QueryEncoder) Encode(question string, header []nl2sql.Column, order []int) (EncodedQuery, error) {
	if order == nil {
		order = make([]int, len(header))
		for i := range order {
			order[i] = i
		}
	}
	if err := checkPermutation(order, len(header)); err != nil {
		return EncodedQuery{}, err
	}

	tokens := make([]string, 0, 2+len(question)+4*len(header))
	tokens = append(tokens, TokenCLS)
	tokens = append(tokens, e.tok.Tokenize(question)...)
	tokens = append(tokens, TokenSEP)

	headerIdx := make([]int, 0, len(header))
	for _, col := range order {
		headerIdx = append(headerIdx, len(tokens))
		typeTok := TokenTextColumn
		if header[col].Type == nl2sql.ColumnReal {
			typeTok = TokenRealColumn
		}
		tokens = append(tokens, typeTok)
		tokens = append(tokens, e.tok.Tokenize(StripBrackets(header[col].Name))...)
		tokens = append(tokens, TokenSEP)
	}

	ids := e.tok.IDs(tokens)
	keptOrder := append([]int(nil), order...)
	if e.maxLen > 0 {
		if len(ids) > e.maxLen {
			ids = ids[:e.maxLen]
		}
		n := 0
		for n < len(headerIdx) && headerIdx[n] < e.maxLen {
			n++
		}
		headerIdx = headerIdx[:n]
		keptOrder = keptOrder[:n]
	}

	return EncodedQuery{
		TokenIDs:      ids,
		SegmentIDs:    make([]int, len(ids)),
		HeaderIndices: headerIdx,
		ColumnOrder:   keptOrder,
	}, nil
}

func checkPermutation(order []int, n int) error {
	if len(order) != n {
		return errors.Newf(errors.ErrCodeLengthMismatch, "column order has %d entries for %d columns", len(order), n)
	}
	seen := make([]bool, n)
	for _, c := range order {
		if c < 0 || c >= n || seen[c] {
			return errors.Newf(errors.ErrCodeValidation, "column order is not a permutation of %d columns", n)
		}
		seen[c] = true
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PairEncoder
// ─────────────────────────────────────────────────────────────────────────────

// EncodedPair is the stage-2 classifier input.
type EncodedPair struct {
	TokenIDs   []int `json:"token_ids"`
	SegmentIDs []int `json:"segment_ids"`
}

// PairEncoder packs "[CLS] a [SEP] b [SEP]" with segment ids 0 then 1, both
// sides lower-cased, and truncates or post-pads to maxLen.
type PairEncoder struct {
	tok    *CharTokenizer
	maxLen int
}

// NewPairEncoder creates an encoder. maxLen <= 0 disables truncation and padding.
func NewPairEncoder(tok *CharTokenizer, maxLen int) *PairEncoder {
	return &PairEncoder{tok: tok, maxLen: maxLen}
}

// Encode encodes one (question, hypothesis) pair.
func (e *PairEncoder) Encode(a, b string) EncodedPair {
	first := e.tok.Tokenize(strings.ToLower(a))
	second := e.tok.Tokenize(strings.ToLower(b))

	tokens := make([]string, 0, len(first)+len(second)+3)
	tokens = append(tokens, TokenCLS)
	tokens = append(tokens, first...)
	tokens = append(tokens, TokenSEP)
	firstLen := len(tokens)
	tokens = append(tokens, second...)
	tokens = append(tokens, TokenSEP)

	ids := e.tok.IDs(tokens)
	segs := make([]int, len(ids))
	for i := firstLen; i < len(segs); i++ {
		segs[i] = 1
	}
	if e.maxLen > 0 {
		ids = Pad(ids, e.maxLen, e.tok.vocab.PadID())
		segs = Pad(segs, e.maxLen, 0)
	}
	return EncodedPair{TokenIDs: ids, SegmentIDs: segs}
}

// Pad truncates or right-pads xs to exactly n entries.
func Pad(xs []int, n, pad int) []int {
	if len(xs) >= n {
		return xs[:n]
	}
	out := make([]int, n)
	copy(out, xs)
	for i := len(xs); i < n; i++ {
		out[i] = pad
	}
	return out
}
