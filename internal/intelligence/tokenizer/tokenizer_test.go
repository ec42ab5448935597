package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ids: [PAD]=0 [UNK]=1 [CLS]=2 [SEP]=3 [unused1]=4 [unused11]=5 [unused12]=6
// 城=7 市=8 人=9 口=10 多=11 少=12 a=13 b=14
const testVocab = "[PAD]\n[UNK]\n[CLS]\n[SEP]\n[unused1]\n[unused11]\n[unused12]\n城\n市\n人\n口\n多\n少\na\nb\n"

func newTok(t *testing.T, opts ...Option) *CharTokenizer {
	t.Helper()
	v, err := LoadVocab(strings.NewReader(testVocab))
	require.NoError(t, err)
	return NewCharTokenizer(v, opts...)
}

func TestLoadVocab(t *testing.T) {
	t.Parallel()

	tok := newTok(t)
	assert.Equal(t, 15, tok.Vocab().Size())
	id, ok := tok.Vocab().ID("城")
	assert.True(t, ok)
	assert.Equal(t, 7, id)
	assert.Equal(t, 0, tok.Vocab().PadID())

	_, err := LoadVocab(strings.NewReader("[PAD]\n[CLS]\n"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestCharTokenizer_Tokenize(t *testing.T) {
	t.Parallel()

	tok := newTok(t)
	assert.Equal(t, []string{"城", TokenSpace, "市", TokenUNK, TokenUNK}, tok.Tokenize("城 市xA"))
	assert.Equal(t, []int{7, 4, 1}, tok.IDs([]string{"城", TokenSpace, "不在"}))

	lower := newTok(t, WithLowerCase(true))
	assert.Equal(t, []string{"a", "b"}, lower.Tokenize("AB"))

	folded := newTok(t, WithNFKC(true), WithLowerCase(true))
	assert.Equal(t, []string{"a"}, folded.Tokenize("Ａ"))
}

func TestStripBrackets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "票房", StripBrackets("票房(万)"))
	assert.Equal(t, "票房", StripBrackets("票房（万元）"))
	assert.Equal(t, "城市", StripBrackets("城市"))
}

func TestQueryEncoder_Encode(t *testing.T) {
	t.Parallel()

	header := []nl2sql.Column{
		{Name: "城市", Type: nl2sql.ColumnText},
		{Name: "人口(万)", Type: nl2sql.ColumnReal},
	}
	enc := NewQueryEncoder(newTok(t), 160)

	got, err := enc.Encode("人口多少", header, nil)
	require.NoError(t, err)
	// [CLS] 人 口 多 少 [SEP] | [unused11] 城 市 [SEP] | [unused12] 人 口 [SEP]
	assert.Equal(t, []int{2, 9, 10, 11, 12, 3, 5, 7, 8, 3, 6, 9, 10, 3}, got.TokenIDs)
	assert.Equal(t, make([]int, 14), got.SegmentIDs)
	assert.Equal(t, []int{6, 10}, got.HeaderIndices)
	assert.Equal(t, []int{0, 1}, got.ColumnOrder)
	assert.Equal(t, 2, got.HeaderLen())

	swapped, err := enc.Encode("人口多少", header, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{6, 10}, swapped.HeaderIndices)
	assert.Equal(t, 6, swapped.TokenIDs[6])
	assert.Equal(t, []int{1, 0}, swapped.ColumnOrder)
}

func TestQueryEncoder_TruncatesHeader(t *testing.T) {
	t.Parallel()

	header := []nl2sql.Column{
		{Name: "城市", Type: nl2sql.ColumnText},
		{Name: "人口", Type: nl2sql.ColumnReal},
	}
	enc := NewQueryEncoder(newTok(t), 10)

	got, err := enc.Encode("人口多少", header, []int{1, 0})
	require.NoError(t, err)
	assert.Len(t, got.TokenIDs, 10)
	assert.Equal(t, []int{6}, got.HeaderIndices)
	assert.Equal(t, []int{1}, got.ColumnOrder)
}

func TestQueryEncoder_BadOrder(t *testing.T) {
	t.Parallel()

	header := []nl2sql.Column{{Name: "a", Type: nl2sql.ColumnText}, {Name: "b", Type: nl2sql.ColumnText}}
	enc := NewQueryEncoder(newTok(t), 0)

	_, err := enc.Encode("a", header, []int{0})
	assert.True(t, errors.IsCode(err, errors.ErrCodeLengthMismatch))
	_, err = enc.Encode("a", header, []int{0, 0})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestPairEncoder_Encode(t *testing.T) {
	t.Parallel()

	enc := NewPairEncoder(newTok(t), 8)
	got := enc.Encode("A城", "B")
	// [CLS] a 城 [SEP] b [SEP] [PAD] [PAD]
	assert.Equal(t, []int{2, 13, 7, 3, 14, 3, 0, 0}, got.TokenIDs)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 0, 0}, got.SegmentIDs)

	short := NewPairEncoder(newTok(t), 4).Encode("城市人口", "多少")
	assert.Equal(t, []int{2, 7, 8, 9}, short.TokenIDs)
	assert.Equal(t, []int{0, 0, 0, 0}, short.SegmentIDs)
}

func TestPad(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{1, 2, 9}, Pad([]int{1, 2}, 3, 9))
	assert.Equal(t, []int{1}, Pad([]int{1, 2}, 1, 9))
}
