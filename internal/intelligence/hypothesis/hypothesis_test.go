package hypothesis

import (
	"context"
	stderrors "errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/candidate"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

func cityQuery(t *testing.T, labeled bool) *nl2sql.Query {
	t.Helper()
	tbl, err := nl2sql.NewTable("t1",
		[]nl2sql.Column{{Name: "城市", Type: nl2sql.ColumnText}, {Name: "人口", Type: nl2sql.ColumnReal}},
		[][]any{{"北京", 2424.0}, {"上海", 2487.0}},
	)
	require.NoError(t, err)
	q := &nl2sql.Query{ID: 0, Question: "北京的人口大于100的城市有哪些", Table: tbl}
	if labeled {
		q.SQL = &nl2sql.StructuredQuery{
			Select:     []nl2sql.SelectItem{{Column: 0, Agg: nl2sql.AggNone}},
			Conditions: []nl2sql.Condition{{Column: 1, Op: nl2sql.CondGreater, Value: nl2sql.StringPtr("100")}},
		}
	}
	return q
}

func TestGenerate_TemplateCounts(t *testing.T) {
	t.Parallel()

	q := cityQuery(t, false)
	text := Generate(q, 0, []string{"A", "B"})
	require.Len(t, text, 2)
	assert.Equal(t, "城市是A", text[0].Text)
	assert.Equal(t, nl2sql.CondEqual, text[1].Triple.Op)
	assert.Equal(t, Unknown, text[0].Label)

	realHs := Generate(q, 1, []string{"A", "B"})
	require.Len(t, realHs, 6)
	assert.Equal(t, []string{"人口大于A", "人口小于A", "人口是A", "人口大于B", "人口小于B", "人口是B"},
		[]string{realHs[0].Text, realHs[1].Text, realHs[2].Text, realHs[3].Text, realHs[4].Text, realHs[5].Text})

	assert.Nil(t, Generate(q, 7, []string{"A"}))
	assert.Nil(t, Generate(&nl2sql.Query{}, 0, []string{"A"}))
	assert.Nil(t, Generate(q, 0, nil))
}

func TestGenerate_Labels(t *testing.T) {
	t.Parallel()

	hs := Generate(cityQuery(t, true), 1, []string{"100"})
	require.Len(t, hs, 3)
	assert.Equal(t, Positive, hs[0].Label)
	assert.Equal(t, Negative, hs[1].Label)
	assert.Equal(t, Negative, hs[2].Label)
	assert.Equal(t, "positive", Positive.String())
}

func TestEndToEnd_CityPopulation(t *testing.T) {
	t.Parallel()

	q := cityQuery(t, true)
	cache := candidate.New()
	require.NoError(t, cache.Build(context.Background(), []*nl2sql.Query{q}))

	values, err := cache.Get(context.Background(), q, 1)
	require.NoError(t, err)
	assert.Contains(t, values, "100")

	hs, err := BuildPairs(context.Background(), []*nl2sql.Query{q}, cache, BuildOptions{})
	require.NoError(t, err)

	var found *ConditionHypothesis
	for i := range hs {
		if hs[i].Text == "人口大于100" {
			found = &hs[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, nl2sql.CondTriple{Column: 1, Op: nl2sql.CondGreater, Value: "100"}, found.Triple)
	assert.Equal(t, Positive, found.Label)

	// labeled query: only gold condition columns are expanded
	for _, h := range hs {
		assert.Equal(t, 1, h.Triple.Column)
	}
}

func TestBuildPairs_ColumnSelection(t *testing.T) {
	t.Parallel()

	unlabeled := cityQuery(t, false)
	src := staticSource{0: {"北京"}, 1: {"100"}}

	all, err := BuildPairs(context.Background(), []*nl2sql.Query{unlabeled}, src, BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1+3)

	stage1 := []nl2sql.SQLRecord{{Conds: []nl2sql.CondRecord{{Column: 0, Op: 2}}}}
	picked, err := BuildPairs(context.Background(), []*nl2sql.Query{unlabeled}, src, BuildOptions{Stage1: stage1})
	require.NoError(t, err)
	require.Len(t, picked, 1)
	assert.Equal(t, "城市是北京", picked[0].Text)

	_, err = BuildPairs(context.Background(), []*nl2sql.Query{unlabeled}, src, BuildOptions{Stage1: stage1[:0]})
	assert.True(t, errors.IsCode(err, errors.ErrCodeLengthMismatch))
}

func TestBuildPairs_StrayStage1Column(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	stage1 := []nl2sql.SQLRecord{{Conds: []nl2sql.CondRecord{{Column: 1, Op: 0}, {Column: 7, Op: 2}}}}
	hs, err := BuildPairs(context.Background(), []*nl2sql.Query{cityQuery(t, false)}, staticSource{1: {"100"}},
		BuildOptions{Stage1: stage1, Logger: logging.NewLoggerFromCore(core)})
	require.NoError(t, err)
	assert.Len(t, hs, 3)

	entries := logs.FilterMessage("condition column is outside the table").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ContextMap()["column"])
}

func TestBuildPairs_SkipsMissingTable(t *testing.T) {
	t.Parallel()

	qs := []*nl2sql.Query{{ID: 0, Question: "x"}, cityQuery(t, false), nil}
	hs, err := BuildPairs(context.Background(), qs, staticSource{1: {"5"}}, BuildOptions{})
	require.NoError(t, err)
	assert.Len(t, hs, 3)
}

func TestBuildPairs_SourceErrorPropagates(t *testing.T) {
	t.Parallel()

	_, err := BuildPairs(context.Background(), []*nl2sql.Query{cityQuery(t, false)}, failingSource{}, BuildOptions{})
	assert.Error(t, err)
}

func makeLabeled(pos, neg int) []ConditionHypothesis {
	var hs []ConditionHypothesis
	for i := 0; i < pos; i++ {
		hs = append(hs, ConditionHypothesis{QueryID: i, Label: Positive})
	}
	for i := 0; i < neg; i++ {
		hs = append(hs, ConditionHypothesis{QueryID: 1000 + i, Label: Negative})
	}
	return hs
}

func TestNegativeSampler(t *testing.T) {
	t.Parallel()

	s := NewNegativeSampler(10, rand.New(rand.NewSource(1)))
	out := s.Sample(makeLabeled(3, 50))
	require.Len(t, out, 33)
	for _, h := range out[:3] {
		assert.Equal(t, Positive, h.Label)
	}
	seen := map[int]bool{}
	for _, h := range out[3:] {
		assert.Equal(t, Negative, h.Label)
		assert.False(t, seen[h.QueryID], "sampled with replacement")
		seen[h.QueryID] = true
	}

	assert.Len(t, s.Sample(makeLabeled(3, 5)), 8)
	assert.Empty(t, s.Sample(makeLabeled(0, 5)))

	unknown := []ConditionHypothesis{{Label: Unknown}}
	assert.Empty(t, s.Sample(unknown))
}

func TestNegativeSampler_Deterministic(t *testing.T) {
	t.Parallel()

	a := NewNegativeSampler(2, rand.New(rand.NewSource(9))).Sample(makeLabeled(2, 20))
	b := NewNegativeSampler(2, rand.New(rand.NewSource(9))).Sample(makeLabeled(2, 20))
	assert.Equal(t, a, b)
}

func TestNegativeSampler_ZeroValue(t *testing.T) {
	t.Parallel()

	s := &NegativeSampler{Ratio: 1}
	var out []ConditionHypothesis
	require.NotPanics(t, func() { out = s.Sample(makeLabeled(2, 10)) })
	require.Len(t, out, 4)
	assert.Equal(t, Positive, out[0].Label)
	assert.Equal(t, Positive, out[1].Label)

	assert.Len(t, (&NegativeSampler{Ratio: -3}).Sample(makeLabeled(2, 10)), 2)
}

func TestFullSampler(t *testing.T) {
	t.Parallel()

	hs := makeLabeled(1, 4)
	assert.Equal(t, hs, FullSampler{}.Sample(hs))
}

func TestMerge(t *testing.T) {
	t.Parallel()

	hs := []ConditionHypothesis{
		{QueryID: 0, Triple: nl2sql.CondTriple{Column: 1, Op: nl2sql.CondGreater, Value: "100"}},
		{QueryID: 0, Triple: nl2sql.CondTriple{Column: 0, Op: nl2sql.CondEqual, Value: "北京"}},
		{QueryID: 0, Triple: nl2sql.CondTriple{Column: 1, Op: nl2sql.CondGreater, Value: "100"}},
		{QueryID: 1, Triple: nl2sql.CondTriple{Column: 0, Op: nl2sql.CondEqual, Value: "上海"}},
	}
	merged, err := Merge(hs, []float64{0.999, 0.996, 0.999, DefaultThreshold}, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, map[int][]nl2sql.CondTriple{
		0: {
			{Column: 0, Op: nl2sql.CondEqual, Value: "北京"},
			{Column: 1, Op: nl2sql.CondGreater, Value: "100"},
		},
	}, merged)

	_, err = Merge(hs, []float64{1}, DefaultThreshold)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLengthMismatch))
}

func TestApplyConditions(t *testing.T) {
	t.Parallel()

	stage1 := []nl2sql.SQLRecord{
		{Sel: []int{0}, Agg: []int{0}, CondConnOp: 0, Conds: []nl2sql.CondRecord{{Column: 1, Op: 0}}},
		{Sel: []int{1}, Agg: []int{4}, CondConnOp: 0, Conds: []nl2sql.CondRecord{{Column: 0, Op: 2}}},
	}
	merged := map[int][]nl2sql.CondTriple{0: {{Column: 1, Op: nl2sql.CondGreater, Value: "100"}}}
	out := ApplyConditions(stage1, merged)

	require.Len(t, out, 2)
	require.Len(t, out[0].Conds, 1)
	assert.Equal(t, "100", *out[0].Conds[0].Value)
	assert.Empty(t, out[1].Conds)
	assert.NotNil(t, out[1].Conds)
	assert.Equal(t, []int{4}, out[1].Agg)
}

// ── fakes ────────────────────────────────────────────────────────────────────

type staticSource map[int][]string

func (s staticSource) Get(_ context.Context, q *nl2sql.Query, col int) ([]string, error) {
	if q == nil || q.Table == nil {
		return nil, nil
	}
	return s[col], nil
}

type failingSource struct{}

func (failingSource) Get(context.Context, *nl2sql.Query, int) ([]string, error) {
	return nil, stderrors.New("store down")
}
