package nl2sql

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Stage1Service predicts the select/aggregate and condition-operator
// structure of questions.
type Stage1Service interface {
	// Predict returns one record per query, in input order. Queries without
	// a table, or whose question leaves no room for any column, get an empty
	// record.
	Predict(ctx context.Context, queries []*nl2sql.Query) ([]nl2sql.SQLRecord, error)
	// TrainingExamples encodes labeled queries with their label vectors.
	TrainingExamples(ctx context.Context, queries []*nl2sql.Query) ([]TrainingExample, error)
}

// TrainingExample is one encoded question with its stage-1 target. Labels
// follow Input.ColumnOrder and are cut to Input.HeaderLen().
type TrainingExample struct {
	QueryID int                    `json:"query_id"`
	Input   tokenizer.EncodedQuery `json:"input"`
	Labels  labelcodec.LabelVector `json:"labels"`
}

// Stage1Deps holds the Stage1Service collaborators.
type Stage1Deps struct {
	Tokenizer *tokenizer.CharTokenizer
	Scorer    common.StructureScorer
	Config    Config

	// Rand drives header shuffling of training examples. Nil seeds from the
	// clock.
	Rand         *rand.Rand
	Metrics      Metrics
	BatchMetrics common.IntelligenceMetrics
	Logger       logging.Logger
}

type stage1ServiceImpl struct {
	encoder *tokenizer.QueryEncoder
	scorer  common.StructureScorer
	runner  *common.BatchRunner
	cfg     Config
	metrics Metrics
	logger  logging.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStage1Service creates a Stage1Service.
func NewStage1Service(deps Stage1Deps) (Stage1Service, error) {
	if deps.Tokenizer == nil {
		return nil, errors.New(errors.ErrCodeValidation, "stage 1 needs a tokenizer")
	}
	if deps.Scorer == nil {
		return nil, errors.New(errors.ErrCodeValidation, "stage 1 needs a structure scorer")
	}
	cfg := deps.Config.withDefaults()
	logger := logging.OrNop(deps.Logger).Named("stage1")
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &stage1ServiceImpl{
		encoder: tokenizer.NewQueryEncoder(deps.Tokenizer, cfg.MaxLen),
		scorer:  deps.Scorer,
		runner: common.NewBatchRunner(
			common.WithBatchName(common.TaskStructure),
			common.WithChunkSize(cfg.BatchSize),
			common.WithMaxConcurrency(cfg.Concurrency),
			common.WithBatchMetrics(deps.BatchMetrics),
			common.WithBatchLogger(logger),
		),
		cfg:     cfg,
		metrics: orNoopMetrics(deps.Metrics),
		logger:  logger,
		rng:     rng,
	}, nil
}

func (s *stage1ServiceImpl) Predict(ctx context.Context, queries []*nl2sql.Query) ([]nl2sql.SQLRecord, error) {
	records := make([]nl2sql.SQLRecord, len(queries))
	for i := range records {
		records[i] = nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{})
	}

	var (
		positions []int
		inputs    []tokenizer.EncodedQuery
	)
	for i, q := range queries {
		if q == nil || q.Table == nil {
			if q != nil {
				s.logger.Warn("question has no table, emitting empty record", logging.QueryID(q.ID))
			}
			continue
		}
		enc, err := s.encoder.Encode(q.Question, q.Table.Header, nil)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeUnknown, "encode query %d", q.ID)
		}
		if enc.HeaderLen() == 0 {
			s.logger.Warn("question fills the encoder window, no column visible",
				logging.QueryID(q.ID), logging.TableID(q.Table.ID))
			continue
		}
		positions = append(positions, i)
		inputs = append(inputs, enc)
	}

	start := time.Now()
	outputs, err := common.RunChunks(ctx, s.runner, inputs, s.scorer.ScoreStructure)
	s.metrics.ObserveScoring(nl2sql.StageStructure, time.Since(start))
	if err != nil {
		s.metrics.RecordError(errors.GetCode(err).String())
		return nil, err
	}

	headerLens := make([]int, len(inputs))
	for i, enc := range inputs {
		headerLens[i] = enc.HeaderLen()
	}
	structures, err := labelcodec.BatchReconstruct(outputs, headerLens)
	if err != nil {
		s.metrics.RecordError(errors.GetCode(err).String())
		return nil, err
	}
	for j, pos := range positions {
		records[pos] = nl2sql.FromStructuredQuery(restoreColumns(structures[j], inputs[j].ColumnOrder))
	}

	s.metrics.QueriesProcessed(nl2sql.StageStructure, len(queries))
	s.logger.Info("structure predicted",
		logging.Count("queries", len(queries)),
		logging.Count("scored", len(inputs)),
		logging.Duration("elapsed", time.Since(start)))
	return records, nil
}

func (s *stage1ServiceImpl) TrainingExamples(ctx context.Context, queries []*nl2sql.Query) ([]TrainingExample, error) {
	out := make([]TrainingExample, 0, len(queries))
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q == nil || q.Table == nil || !q.Labeled() {
			continue
		}
		n := q.Table.NumColumns()
		labels, err := labelcodec.Encode(q.SQL, n)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeUnknown, "labels of query %d", q.ID)
		}
		if labels.Ignored > 0 {
			s.logger.Warn("gold SQL references columns outside the header",
				logging.QueryID(q.ID), logging.Count("ignored", labels.Ignored))
		}

		order := s.columnOrder(n)
		enc, err := s.encoder.Encode(q.Question, q.Table.Header, order)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeUnknown, "encode query %d", q.ID)
		}
		if enc.HeaderLen() == 0 {
			continue
		}
		if order != nil {
			if labels, err = labelcodec.Permute(labels, order); err != nil {
				return nil, err
			}
		}
		labels.SelectAgg = labels.SelectAgg[:enc.HeaderLen()]
		labels.CondOp = labels.CondOp[:enc.HeaderLen()]

		out = append(out, TrainingExample{QueryID: q.ID, Input: enc, Labels: labels})
	}
	return out, nil
}

// columnOrder returns a shuffled order when header shuffling is on, else nil.
func (s *stage1ServiceImpl) columnOrder(n int) []int {
	if !s.cfg.ShuffleHeader {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Perm(n)
}

// restoreColumns maps positions in the encoded column order back to header
// indices.
func restoreColumns(q nl2sql.StructuredQuery, order []int) nl2sql.StructuredQuery {
	for i := range q.Select {
		q.Select[i].Column = order[q.Select[i].Column]
	}
	for i := range q.Conditions {
		q.Conditions[i].Column = order[q.Conditions[i].Column]
	}
	return q
}
