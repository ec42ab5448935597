// Package nl2sql orchestrates the two prediction stages: structure scoring
// over encoded questions, then candidate condition scoring and merging. It
// owns batching and concurrency; everything below it is single-threaded.
package nl2sql

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the pipeline knobs. It mirrors the `pipeline` config section.
type Config struct {
	MaxLen          int     `mapstructure:"max_len"`
	PairMaxLen      int     `mapstructure:"pair_max_len"`
	BatchSize       int     `mapstructure:"batch_size"`
	PairBatchSize   int     `mapstructure:"pair_batch_size"`
	Concurrency     int     `mapstructure:"concurrency"`
	MergeThreshold  float64 `mapstructure:"merge_threshold"`
	NegSampleRatio  int     `mapstructure:"neg_sample_ratio"`
	ShareCandidates bool    `mapstructure:"share_candidates"`
	ShuffleHeader   bool    `mapstructure:"shuffle_header"`
	LowerCase       bool    `mapstructure:"lower_case"`
	NFKC            bool    `mapstructure:"nfkc"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxLen:         160,
		PairMaxLen:     120,
		BatchSize:      32,
		PairBatchSize:  128,
		Concurrency:    4,
		MergeThreshold: 0.995,
		NegSampleRatio: 10,
		LowerCase:      true,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLen <= 0 {
		c.MaxLen = d.MaxLen
	}
	if c.PairMaxLen <= 0 {
		c.PairMaxLen = d.PairMaxLen
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PairBatchSize <= 0 {
		c.PairBatchSize = d.PairBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MergeThreshold <= 0 {
		c.MergeThreshold = d.MergeThreshold
	}
	if c.NegSampleRatio < 0 {
		c.NegSampleRatio = d.NegSampleRatio
	}
	return c
}

// ---------------------------------------------------------------------------
// Ports
// ---------------------------------------------------------------------------

// ResultSink receives every finished prediction batch.
type ResultSink interface {
	Name() string
	WriteBatch(ctx context.Context, batch *nl2sql.PredictionBatch) error
}

// Metrics observes pipeline progress.
type Metrics interface {
	QueriesProcessed(stage string, n int)
	HypothesesGenerated(n int)
	HypothesesSampled(n int)
	HypothesesAccepted(n int)
	ObserveScoring(stage string, elapsed time.Duration)
	RecordError(code string)
}

type noopMetrics struct{}

func (noopMetrics) QueriesProcessed(string, int)         {}
func (noopMetrics) HypothesesGenerated(int)              {}
func (noopMetrics) HypothesesSampled(int)                {}
func (noopMetrics) HypothesesAccepted(int)               {}
func (noopMetrics) ObserveScoring(string, time.Duration) {}
func (noopMetrics) RecordError(string)                   {}

// NoopMetrics discards every observation.
func NoopMetrics() Metrics { return noopMetrics{} }

func orNoopMetrics(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Pipeline chains both stages and fans results out to the sinks.
type Pipeline struct {
	stage1  Stage1Service
	stage2  Stage2Service
	sinks   []ResultSink
	metrics Metrics
	logger  logging.Logger
	now     func() time.Time
}

// PipelineDeps holds the Pipeline collaborators. Sinks may be empty.
type PipelineDeps struct {
	Stage1  Stage1Service
	Stage2  Stage2Service
	Sinks   []ResultSink
	Metrics Metrics
	Logger  logging.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Stage1 == nil || deps.Stage2 == nil {
		return nil, errors.New(errors.ErrCodeValidation, "pipeline needs both stages")
	}
	return &Pipeline{
		stage1:  deps.Stage1,
		stage2:  deps.Stage2,
		sinks:   deps.Sinks,
		metrics: orNoopMetrics(deps.Metrics),
		logger:  logging.OrNop(deps.Logger).Named("pipeline"),
		now:     time.Now,
	}, nil
}

// Stage1 returns the structure stage.
func (p *Pipeline) Stage1() Stage1Service { return p.stage1 }

// Stage2 returns the condition stage.
func (p *Pipeline) Stage2() Stage2Service { return p.stage2 }

// Run predicts final SQL for queries and publishes the stage-2 batch.
func (p *Pipeline) Run(ctx context.Context, queries []*nl2sql.Query) (*nl2sql.PredictionBatch, error) {
	structure, err := p.stage1.Predict(ctx, queries)
	if err != nil {
		return nil, err
	}
	final, err := p.stage2.Predict(ctx, queries, structure)
	if err != nil {
		return nil, err
	}
	return p.Publish(ctx, nl2sql.StageConditions, final)
}

// Publish wraps records into a new batch and writes it to every sink. All
// sinks are attempted; the first failure is returned.
func (p *Pipeline) Publish(ctx context.Context, stage string, records []nl2sql.SQLRecord) (*nl2sql.PredictionBatch, error) {
	batch := &nl2sql.PredictionBatch{
		RunID:     uuid.NewString(),
		Stage:     stage,
		CreatedAt: p.now().UTC(),
		Records:   records,
	}

	var first error
	for _, sink := range p.sinks {
		if err := sink.WriteBatch(ctx, batch); err != nil {
			p.logger.Error("result sink failed",
				logging.String("sink", sink.Name()),
				logging.String("run_id", batch.RunID),
				logging.Err(err))
			p.metrics.RecordError(errors.GetCode(err).String())
			if first == nil {
				first = errors.Wrapf(err, errors.CodeUnknown, "sink %s", sink.Name())
			}
		}
	}
	if first != nil {
		return batch, first
	}
	p.logger.Info("predictions published",
		logging.String("run_id", batch.RunID),
		logging.Stage(stage),
		logging.Count("records", len(records)),
		logging.Count("sinks", len(p.sinks)))
	return batch, nil
}
