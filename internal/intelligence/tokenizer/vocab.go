// Package tokenizer turns questions, headers and condition hypotheses into the
// character-level id sequences a BERT-style encoder consumes.
package tokenizer

import (
	"bufio"
	"io"
	"strings"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// Reserved tokens.
const (
	TokenPAD   = "[PAD]"
	TokenUNK   = "[UNK]"
	TokenCLS   = "[CLS]"
	TokenSEP   = "[SEP]"
	TokenSpace = "[unused1]"

	// Column-type markers prefixed to every header block.
	TokenTextColumn = "[unused11]"
	TokenRealColumn = "[unused12]"
)

var requiredTokens = []string{TokenUNK, TokenCLS, TokenSEP}

// Vocab maps tokens to ids by line position of a vocab.txt file.
type Vocab struct {
	ids    map[string]int
	tokens []string
}

// NewVocab builds a Vocab from tokens in id order. It fails when a reserved
// token the encoders rely on is missing.
func NewVocab(tokens []string) (*Vocab, error) {
	v := &Vocab{ids: make(map[string]int, len(tokens)), tokens: tokens}
	for i, t := range tokens {
		if _, dup := v.ids[t]; !dup {
			v.ids[t] = i
		}
	}
	for _, t := range requiredTokens {
		if _, ok := v.ids[t]; !ok {
			return nil, errors.Newf(errors.ErrCodeValidation, "vocab is missing %s", t)
		}
	}
	return v, nil
}

// LoadVocab reads one token per line.
func LoadVocab(r io.Reader) (*Vocab, error) {
	var tokens []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidRecord, "read vocab")
	}
	return NewVocab(tokens)
}

// ID returns the id of tok.
func (v *Vocab) ID(tok string) (int, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// Has reports whether tok is in the vocab.
func (v *Vocab) Has(tok string) bool {
	_, ok := v.ids[tok]
	return ok
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.tokens) }

// PadID is the id of [PAD], or 0 when the vocab has none.
func (v *Vocab) PadID() int {
	if id, ok := v.ids[TokenPAD]; ok {
		return id
	}
	return 0
}

func (v *Vocab) unkID() int { return v.ids[TokenUNK] }
