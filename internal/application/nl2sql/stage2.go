package nl2sql

import (
	"context"
	"math/rand"
	"time"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/candidate"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/hypothesis"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Stage2Service fills condition values: it mines candidates, scores every
// (question, hypothesis) pair and keeps the confident ones.
type Stage2Service interface {
	// Predict replaces the conds of each stage-1 record with the accepted
	// condition triples. stage1[i] belongs to queries[i].
	Predict(ctx context.Context, queries []*nl2sql.Query, stage1 []nl2sql.SQLRecord) ([]nl2sql.SQLRecord, error)
	// Hypotheses lists the inference pairs. A nil stage1 falls back to the
	// gold condition columns, then to every column.
	Hypotheses(ctx context.Context, queries []*nl2sql.Query, stage1 []nl2sql.SQLRecord) ([]hypothesis.ConditionHypothesis, error)
	// TrainingPairs lists labeled pairs with negatives down-sampled.
	TrainingPairs(ctx context.Context, queries []*nl2sql.Query) ([]hypothesis.ConditionHypothesis, error)
	// Score returns the classifier probability of each pair.
	Score(ctx context.Context, hs []hypothesis.ConditionHypothesis) ([]float64, error)
	// Candidates returns the mined values of every column of q.
	Candidates(ctx context.Context, q *nl2sql.Query) ([][]string, error)
}

// Stage2Deps holds the Stage2Service collaborators.
type Stage2Deps struct {
	Tokenizer *tokenizer.CharTokenizer
	Scorer    common.PairScorer
	Config    Config

	// CandidateOptions configure every candidate cache the service builds,
	// typically a shared store and locker.
	CandidateOptions []candidate.Option
	Rand             *rand.Rand
	Metrics          Metrics
	BatchMetrics     common.IntelligenceMetrics
	Logger           logging.Logger
}

type stage2ServiceImpl struct {
	encoder       *tokenizer.PairEncoder
	scorer        common.PairScorer
	runner        *common.BatchRunner
	sampler       hypothesis.Sampler
	candidateOpts []candidate.Option
	cfg           Config
	metrics       Metrics
	logger        logging.Logger
}

// NewStage2Service creates a Stage2Service.
func NewStage2Service(deps Stage2Deps) (Stage2Service, error) {
	if deps.Tokenizer == nil {
		return nil, errors.New(errors.ErrCodeValidation, "stage 2 needs a tokenizer")
	}
	if deps.Scorer == nil {
		return nil, errors.New(errors.ErrCodeValidation, "stage 2 needs a pair scorer")
	}
	cfg := deps.Config.withDefaults()
	logger := logging.OrNop(deps.Logger).Named("stage2")
	return &stage2ServiceImpl{
		encoder: tokenizer.NewPairEncoder(deps.Tokenizer, cfg.PairMaxLen),
		scorer:  deps.Scorer,
		runner: common.NewBatchRunner(
			common.WithBatchName(common.TaskPairs),
			common.WithChunkSize(cfg.PairBatchSize),
			common.WithMaxConcurrency(cfg.Concurrency),
			common.WithBatchMetrics(deps.BatchMetrics),
			common.WithBatchLogger(logger),
		),
		sampler:       hypothesis.NewNegativeSampler(cfg.NegSampleRatio, deps.Rand),
		candidateOpts: deps.CandidateOptions,
		cfg:           cfg,
		metrics:       orNoopMetrics(deps.Metrics),
		logger:        logger,
	}, nil
}

func (s *stage2ServiceImpl) Predict(ctx context.Context, queries []*nl2sql.Query, stage1 []nl2sql.SQLRecord) ([]nl2sql.SQLRecord, error) {
	if len(stage1) != len(queries) {
		return nil, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d stage-1 records for %d queries", len(stage1), len(queries))
	}
	hs, err := s.Hypotheses(ctx, queries, stage1)
	if err != nil {
		return nil, err
	}
	hs = hypothesis.FullSampler{}.Sample(hs)

	scores, err := s.Score(ctx, hs)
	if err != nil {
		return nil, err
	}
	merged, err := hypothesis.Merge(hs, scores, s.cfg.MergeThreshold)
	if err != nil {
		return nil, err
	}

	byPosition := make(map[int][]nl2sql.CondTriple, len(merged))
	accepted := 0
	for i, q := range queries {
		if q == nil {
			continue
		}
		if triples, ok := merged[q.ID]; ok {
			byPosition[i] = triples
			accepted += len(triples)
		}
	}
	s.metrics.HypothesesAccepted(accepted)
	s.metrics.QueriesProcessed(nl2sql.StageConditions, len(queries))
	s.logger.Info("conditions merged",
		logging.Count("queries", len(queries)),
		logging.Count("hypotheses", len(hs)),
		logging.Count("accepted", accepted),
		logging.Float64("threshold", s.cfg.MergeThreshold))
	return hypothesis.ApplyConditions(stage1, byPosition), nil
}

func (s *stage2ServiceImpl) Hypotheses(ctx context.Context, queries []*nl2sql.Query, stage1 []nl2sql.SQLRecord) ([]hypothesis.ConditionHypothesis, error) {
	hs, err := s.pairs(ctx, queries, s.inferenceCache(), stage1)
	if err != nil {
		return nil, err
	}
	s.metrics.HypothesesSampled(len(hs))
	return hs, nil
}

// inferenceCache builds the candidate cache of one run. Per-question keys
// are only meaningful inside a run, so unshared caches stay in memory.
func (s *stage2ServiceImpl) inferenceCache() *candidate.Cache {
	opts := append(append([]candidate.Option(nil), s.candidateOpts...),
		candidate.WithShare(s.cfg.ShareCandidates),
		candidate.WithLogger(s.logger))
	if !s.cfg.ShareCandidates {
		opts = append(opts, candidate.WithStore(candidate.NewMemoryStore()), candidate.WithLocker(nil))
	}
	return candidate.New(opts...)
}

func (s *stage2ServiceImpl) Candidates(ctx context.Context, q *nl2sql.Query) ([][]string, error) {
	if q == nil || q.Table == nil {
		return nil, errors.New(errors.ErrCodeUnknownTable, "question has no table")
	}
	cache := s.inferenceCache()
	out := make([][]string, q.Table.NumColumns())
	for col := range out {
		values, err := cache.Get(ctx, q, col)
		if err != nil {
			s.metrics.RecordError(errors.GetCode(err).String())
			return nil, err
		}
		if values == nil {
			values = []string{}
		}
		out[col] = values
	}
	return out, nil
}

func (s *stage2ServiceImpl) TrainingPairs(ctx context.Context, queries []*nl2sql.Query) ([]hypothesis.ConditionHypothesis, error) {
	opts := append(append([]candidate.Option(nil), s.candidateOpts...),
		candidate.WithShare(false),
		candidate.WithStore(candidate.NewMemoryStore()),
		candidate.WithLogger(s.logger))
	hs, err := s.pairs(ctx, queries, candidate.New(opts...), nil)
	if err != nil {
		return nil, err
	}
	sampled := s.sampler.Sample(hs)
	s.metrics.HypothesesSampled(len(sampled))
	s.logger.Info("training pairs sampled",
		logging.Count("generated", len(hs)),
		logging.Count("sampled", len(sampled)),
		logging.Int("ratio", s.cfg.NegSampleRatio))
	return sampled, nil
}

func (s *stage2ServiceImpl) pairs(ctx context.Context, queries []*nl2sql.Query, cache *candidate.Cache, stage1 []nl2sql.SQLRecord) ([]hypothesis.ConditionHypothesis, error) {
	if err := cache.Build(ctx, queries); err != nil {
		s.metrics.RecordError(errors.GetCode(err).String())
		return nil, err
	}
	hs, err := hypothesis.BuildPairs(ctx, queries, cache, hypothesis.BuildOptions{Stage1: stage1, Logger: s.logger})
	if err != nil {
		s.metrics.RecordError(errors.GetCode(err).String())
		return nil, err
	}
	s.metrics.HypothesesGenerated(len(hs))
	return hs, nil
}

func (s *stage2ServiceImpl) Score(ctx context.Context, hs []hypothesis.ConditionHypothesis) ([]float64, error) {
	inputs := make([]tokenizer.EncodedPair, len(hs))
	for i, h := range hs {
		inputs[i] = s.encoder.Encode(h.Question, h.Text)
	}
	start := time.Now()
	scores, err := common.RunChunks(ctx, s.runner, inputs, s.scorer.ScorePairs)
	s.metrics.ObserveScoring(nl2sql.StageConditions, time.Since(start))
	if err != nil {
		s.metrics.RecordError(errors.GetCode(err).String())
		return nil, err
	}
	return scores, nil
}
