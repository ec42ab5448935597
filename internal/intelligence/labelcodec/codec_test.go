package labelcodec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

func sampleQuery() *nl2sql.StructuredQuery {
	return &nl2sql.StructuredQuery{
		Select:    []nl2sql.SelectItem{{Column: 0, Agg: nl2sql.AggNone}, {Column: 2, Agg: nl2sql.AggSum}},
		Connector: nl2sql.ConnAnd,
		Conditions: []nl2sql.Condition{
			{Column: 1, Op: nl2sql.CondGreater, Value: nl2sql.StringPtr("100")},
			{Column: 3, Op: nl2sql.CondEqual, Value: nl2sql.StringPtr("北京")},
		},
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	v, err := Encode(sampleQuery(), 5)
	require.NoError(t, err)
	assert.Equal(t, int(nl2sql.ConnAnd), v.Connector)
	assert.Equal(t, []int{0, NotSelected, 5, NotSelected, NotSelected}, v.SelectAgg)
	assert.Equal(t, []int{NoCondition, 0, NoCondition, 2, NoCondition}, v.CondOp)
	assert.Zero(t, v.Ignored)
	require.NoError(t, Validate(v))
}

func TestEncode_OutOfRangeIgnored(t *testing.T) {
	t.Parallel()

	v, err := Encode(sampleQuery(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, NotSelected}, v.SelectAgg)
	assert.Equal(t, []int{NoCondition, 0}, v.CondOp)
	assert.Equal(t, 2, v.Ignored)
}

func TestEncode_DuplicateLastWriteWins(t *testing.T) {
	t.Parallel()

	q := &nl2sql.StructuredQuery{
		Select:     []nl2sql.SelectItem{{Column: 0, Agg: nl2sql.AggMax}, {Column: 0, Agg: nl2sql.AggMin}},
		Conditions: []nl2sql.Condition{{Column: 1, Op: nl2sql.CondLess}, {Column: 1, Op: nl2sql.CondNotEqual}},
	}
	v, err := Encode(q, 2)
	require.NoError(t, err)
	assert.Equal(t, int(nl2sql.AggMin), v.SelectAgg[0])
	assert.Equal(t, int(nl2sql.CondNotEqual), v.CondOp[1])
}

func TestEncode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Encode(nil, 3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
	_, err = Encode(sampleQuery(), -1)
	assert.Error(t, err)
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(8)
		q := &nl2sql.StructuredQuery{Connector: nl2sql.ConnOp(rng.Intn(nl2sql.NumConnOps))}
		for col := 0; col < n; col++ {
			if rng.Intn(2) == 0 {
				q.Select = append(q.Select, nl2sql.SelectItem{Column: col, Agg: nl2sql.AggOp(rng.Intn(nl2sql.NumAggOps))})
			}
			if rng.Intn(3) == 0 {
				q.Conditions = append(q.Conditions, nl2sql.Condition{Column: col, Op: nl2sql.CondOp(rng.Intn(nl2sql.NumCondOps))})
			}
		}

		v, err := Encode(q, n)
		require.NoError(t, err)
		require.NoError(t, Validate(v))
		for _, a := range v.SelectAgg {
			assert.True(t, a >= 0 && a <= NotSelected)
		}

		got := Decode(v)
		assert.Equal(t, q.Connector, got.Connector)
		assert.ElementsMatch(t, q.Select, got.Select)
		assert.ElementsMatch(t, q.Conditions, got.Conditions)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.True(t, errors.IsCode(Validate(LabelVector{SelectAgg: []int{0}, CondOp: nil}), errors.ErrCodeLengthMismatch))
	assert.Error(t, Validate(LabelVector{SelectAgg: []int{7}, CondOp: []int{0}}))
	assert.Error(t, Validate(LabelVector{SelectAgg: []int{0}, CondOp: []int{5}}))
	assert.Error(t, Validate(LabelVector{Connector: 3, SelectAgg: []int{0}, CondOp: []int{0}}))
	assert.NoError(t, Validate(LabelVector{SelectAgg: []int{NotSelected}, CondOp: []int{NoCondition}}))
}

func TestPermute(t *testing.T) {
	t.Parallel()

	v, err := Encode(sampleQuery(), 4)
	require.NoError(t, err)

	p, err := Permute(v, []int{3, 2, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{NotSelected, 5, NotSelected, 0}, p.SelectAgg)
	assert.Equal(t, []int{2, NoCondition, 0, NoCondition}, p.CondOp)

	_, err = Permute(v, []int{0, 0, 1, 2})
	assert.Error(t, err)
	_, err = Permute(v, []int{0, 1})
	assert.Error(t, err)
}
