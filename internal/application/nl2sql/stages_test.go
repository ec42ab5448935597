package nl2sql

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/hypothesis"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

func TestNewStage1Service_Validation(t *testing.T) {
	tok := newTestTokenizer(t, "a")

	_, err := NewStage1Service(Stage1Deps{Scorer: common.NewMockScorer()})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
	_, err = NewStage1Service(Stage1Deps{Tokenizer: tok})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestStage1_PredictIsolatesBadQueries(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	var seen []int
	scorer := &common.MockScorer{
		StructureFunc: func(_ context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
			outs := make([]labelcodec.ModelOutput, len(batch))
			for i, q := range batch {
				seen = append(seen, q.HeaderLen())
				outs[i] = selectCityWhereGreater(q.HeaderLen())
			}
			return outs, nil
		},
	}
	svc, err := NewStage1Service(Stage1Deps{
		Tokenizer: tok,
		Scorer:    scorer,
		Config:    Config{MaxLen: 40, BatchSize: 8, Concurrency: 1},
	})
	require.NoError(t, err)

	queries := []*nl2sql.Query{
		{ID: 0, Question: populationQuestion, Table: cityTable(t)},
		{ID: 1, Question: populationQuestion, Table: nil},
		{ID: 2, Question: strings.Repeat("人", 40), Table: cityTable(t)},
	}
	records, err := svc.Predict(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []int{0}, records[0].Sel)
	require.Len(t, records[0].Conds, 1)
	assert.Nil(t, records[0].Conds[0].Value)

	for _, i := range []int{1, 2} {
		assert.Empty(t, records[i].Sel, "query %d", i)
		assert.Empty(t, records[i].Conds, "query %d", i)
		assert.NotNil(t, records[i].Sel, "empty records still encode as arrays")
	}
	assert.Equal(t, []int{2}, seen)
}

func TestStage1_TruncatedHeaderKeepsVisibleColumns(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	scorer := &common.MockScorer{
		StructureFunc: func(_ context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
			assert.Equal(t, 1, batch[0].HeaderLen())
			// two padded rows come back; only the visible one counts
			out := common.FirstColumnOutput(2)
			out.SelectAggProbs[0] = []float64{0, 0, 0, 0, 0, 0, 1}
			out.SelectAggProbs[1] = []float64{0.9, 0, 0, 0, 0, 0, 0.1}
			return []labelcodec.ModelOutput{out}, nil
		},
	}
	// [CLS] + 14 question chars + [SEP] = 16, the first column block starts
	// at 16 and the second at 20.
	svc, err := NewStage1Service(Stage1Deps{Tokenizer: tok, Scorer: scorer, Config: Config{MaxLen: 18}})
	require.NoError(t, err)

	records, err := svc.Predict(context.Background(), []*nl2sql.Query{{ID: 0, Question: populationQuestion, Table: cityTable(t)}})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, records[0].Sel, "forced selection stays inside the visible header")
}

func TestStage1_InvalidModelOutput(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	scorer := &common.MockScorer{
		StructureFunc: func(_ context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
			return []labelcodec.ModelOutput{{ConnectorProbs: []float64{1}}}, nil
		},
	}
	svc, err := NewStage1Service(Stage1Deps{Tokenizer: tok, Scorer: scorer})
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), []*nl2sql.Query{{ID: 0, Question: populationQuestion, Table: cityTable(t)}})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidModelOutput))
}

func TestStage1_BatchesByConfig(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	scorer := common.NewMockScorer()
	svc, err := NewStage1Service(Stage1Deps{Tokenizer: tok, Scorer: scorer, Config: Config{BatchSize: 2, Concurrency: 2}})
	require.NoError(t, err)

	queries := make([]*nl2sql.Query, 5)
	for i := range queries {
		queries[i] = &nl2sql.Query{ID: i, Question: populationQuestion, Table: cityTable(t)}
	}
	records, err := svc.Predict(context.Background(), queries)
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, int64(3), scorer.StructureCalls())
}

func TestStage1_TrainingExamplesShuffle(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	svc, err := NewStage1Service(Stage1Deps{
		Tokenizer: tok,
		Scorer:    common.NewMockScorer(),
		Config:    Config{ShuffleHeader: true},
		Rand:      rand.New(rand.NewSource(7)),
	})
	require.NoError(t, err)

	gold := &nl2sql.StructuredQuery{
		Select:     []nl2sql.SelectItem{{Column: 0, Agg: nl2sql.AggCount}},
		Conditions: []nl2sql.Condition{{Column: 1, Op: nl2sql.CondLess, Value: nl2sql.StringPtr("2000")}},
	}
	queries := []*nl2sql.Query{
		{ID: 0, Question: populationQuestion, Table: cityTable(t), SQL: gold},
		{ID: 1, Question: populationQuestion, Table: cityTable(t)},
	}
	examples, err := svc.TrainingExamples(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, examples, 1, "unlabeled queries are skipped")

	ex := examples[0]
	require.Len(t, ex.Input.ColumnOrder, 2)
	want := map[int][2]int{
		0: {int(nl2sql.AggCount), labelcodec.NoCondition},
		1: {labelcodec.NotSelected, int(nl2sql.CondLess)},
	}
	for pos, col := range ex.Input.ColumnOrder {
		assert.Equal(t, want[col][0], ex.Labels.SelectAgg[pos])
		assert.Equal(t, want[col][1], ex.Labels.CondOp[pos])
	}
	assert.NoError(t, labelcodec.Validate(ex.Labels))
}

func TestStage2_PredictLengthMismatch(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	svc, err := NewStage2Service(Stage2Deps{Tokenizer: tok, Scorer: common.NewMockScorer()})
	require.NoError(t, err)

	_, err = svc.Predict(context.Background(), []*nl2sql.Query{{ID: 0}}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLengthMismatch))
}

func TestStage2_PredictRejectsAtThreshold(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	scorer := &common.MockScorer{
		PairFunc: func(_ context.Context, batch []tokenizer.EncodedPair) ([]float64, error) {
			out := make([]float64, len(batch))
			for i := range out {
				out[i] = 0.995
			}
			return out, nil
		},
	}
	svc, err := NewStage2Service(Stage2Deps{Tokenizer: tok, Scorer: scorer})
	require.NoError(t, err)

	stage1 := []nl2sql.SQLRecord{{Sel: []int{0}, Agg: []int{0}, Conds: []nl2sql.CondRecord{{Column: 1, Op: 0}}}}
	final, err := svc.Predict(context.Background(),
		[]*nl2sql.Query{{ID: 0, Question: populationQuestion, Table: cityTable(t)}}, stage1)
	require.NoError(t, err)
	assert.Empty(t, final[0].Conds)
	assert.Equal(t, []int{0}, final[0].Sel)
	assert.Equal(t, int64(1), scorer.PairCalls())
}

func TestStage2_Hypotheses(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	svc, err := NewStage2Service(Stage2Deps{Tokenizer: tok, Scorer: common.NewMockScorer()})
	require.NoError(t, err)

	hs, err := svc.Hypotheses(context.Background(),
		[]*nl2sql.Query{{ID: 0, Question: populationQuestion, Table: cityTable(t)}}, nil)
	require.NoError(t, err)

	texts := make([]string, len(hs))
	for i, h := range hs {
		texts[i] = h.Text
		assert.Equal(t, hypothesis.Unknown, h.Label)
	}
	assert.Equal(t, []string{"人口大于2000", "人口小于2000", "人口是2000"}, texts)
}

func TestStage2_TrainingPairsSamplesNegatives(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	svc, err := NewStage2Service(Stage2Deps{
		Tokenizer: tok,
		Scorer:    common.NewMockScorer(),
		Config:    Config{NegSampleRatio: 1},
		Rand:      rand.New(rand.NewSource(3)),
	})
	require.NoError(t, err)

	gold := &nl2sql.StructuredQuery{
		Select:     []nl2sql.SelectItem{{Column: 0}},
		Conditions: []nl2sql.Condition{{Column: 1, Op: nl2sql.CondGreater, Value: nl2sql.StringPtr("2000")}},
	}
	hs, err := svc.TrainingPairs(context.Background(),
		[]*nl2sql.Query{{ID: 0, Question: populationQuestion, Table: cityTable(t), SQL: gold}})
	require.NoError(t, err)

	require.Len(t, hs, 2)
	assert.Equal(t, hypothesis.Positive, hs[0].Label)
	assert.Equal(t, "人口大于2000", hs[0].Text)
	assert.Equal(t, hypothesis.Negative, hs[1].Label)
}

func TestStage2_ScoreEmpty(t *testing.T) {
	tok := newTestTokenizer(t, "a")
	scorer := common.NewMockScorer()
	svc, err := NewStage2Service(Stage2Deps{Tokenizer: tok, Scorer: scorer})
	require.NoError(t, err)

	scores, err := svc.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, scorer.PairCalls())
}

func TestStage2_Candidates(t *testing.T) {
	tok := newTestTokenizer(t, allTexts()...)
	svc, err := NewStage2Service(Stage2Deps{Tokenizer: tok, Scorer: common.NewMockScorer()})
	require.NoError(t, err)

	got, err := svc.Candidates(context.Background(),
		&nl2sql.Query{ID: 0, Question: populationQuestion, Table: cityTable(t)})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{}, {"2000"}}, got)

	_, err = svc.Candidates(context.Background(), &nl2sql.Query{Question: populationQuestion})
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownTable))
}
