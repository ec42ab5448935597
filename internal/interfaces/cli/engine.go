package cli

import (
	"context"
	"math/rand"

	app "github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/config"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/redis"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/dataset"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/storage/minio"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/candidate"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/onnxbackend"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// scorerFactory builds the model backend named by the config. Tests swap it.
var scorerFactory = newScorer

// engine holds everything a command needs, built once from Config.
type engine struct {
	cfg    *config.Config
	logger logging.Logger

	files    *dataset.Files
	scorer   common.Scorer
	pipeline *app.Pipeline

	collector    prometheus.MetricsCollector
	metrics      *prometheus.PipelineMetrics
	intelligence common.IntelligenceMetrics

	redis    *redis.Client
	postgres *postgres.Connection
	runs     *postgres.PredictionRepository
	objects  *minio.Client
	producer *kafka.Producer

	closers []func() error
}

type engineOptions struct {
	// publish attaches the configured result sinks.
	publish bool
	// seed fixes header shuffling and negative sampling; zero uses the clock.
	seed int64
}

func newEngine(ctx context.Context, cfg *config.Config, logger logging.Logger, opts engineOptions) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logging.OrNop(logger)}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	pipelineMetrics := app.NoopMetrics()
	e.intelligence = common.NewNoopIntelligenceMetrics()
	if cfg.Metrics.Enabled {
		if e.collector, err = prometheus.NewMetricsCollector(cfg.Metrics.CollectorConfig, e.logger); err != nil {
			return nil, err
		}
		e.metrics = prometheus.NewPipelineMetrics(e.collector)
		pipelineMetrics = e.metrics
		if e.intelligence, err = common.NewPrometheusIntelligenceMetrics(e.collector.Registerer()); err != nil {
			return nil, err
		}
	}

	if e.files, e.objects, err = openFiles(ctx, cfg, e.logger); err != nil {
		return nil, err
	}
	if e.objects != nil {
		e.closers = append(e.closers, e.objects.Close)
	}

	tok, err := e.loadTokenizer(ctx)
	if err != nil {
		return nil, err
	}

	if e.scorer, err = scorerFactory(ctx, cfg, e.logger, e.intelligence); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.scorer.Close)

	candidateOpts := []candidate.Option{
		candidate.WithMetrics(e.intelligence),
		candidate.WithLogger(e.logger),
	}
	if cfg.Redis.Enabled {
		if e.redis, err = redis.NewClient(ctx, &cfg.Redis.RedisConfig, e.logger); err != nil {
			return nil, err
		}
		e.closers = append(e.closers, e.redis.Close)
		candidateOpts = append(candidateOpts,
			candidate.WithStore(redis.NewCandidateStore(e.redis)),
			candidate.WithLocker(redis.NewMutex(e.redis)),
		)
	}

	if cfg.Postgres.Enabled {
		if e.postgres, err = postgres.NewConnection(ctx, cfg.Postgres.PostgresConfig, e.logger); err != nil {
			return nil, err
		}
		e.closers = append(e.closers, e.postgres.Close)
		e.runs = postgres.NewPredictionRepository(e.postgres, e.logger)
	}

	var sinks []app.ResultSink
	if opts.publish {
		if sinks, err = e.resultSinks(); err != nil {
			return nil, err
		}
	}

	rng := func(offset int64) *rand.Rand {
		if opts.seed == 0 {
			return nil
		}
		return rand.New(rand.NewSource(opts.seed + offset))
	}

	stage1, err := app.NewStage1Service(app.Stage1Deps{
		Tokenizer:    tok,
		Scorer:       e.scorer,
		Config:       cfg.Pipeline,
		Rand:         rng(0),
		Metrics:      pipelineMetrics,
		BatchMetrics: e.intelligence,
		Logger:       e.logger,
	})
	if err != nil {
		return nil, err
	}
	stage2, err := app.NewStage2Service(app.Stage2Deps{
		Tokenizer:        tok,
		Scorer:           e.scorer,
		Config:           cfg.Pipeline,
		CandidateOptions: candidateOpts,
		Rand:             rng(1),
		Metrics:          pipelineMetrics,
		BatchMetrics:     e.intelligence,
		Logger:           e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.pipeline, err = app.NewPipeline(app.PipelineDeps{
		Stage1:  stage1,
		Stage2:  stage2,
		Sinks:   sinks,
		Metrics: pipelineMetrics,
		Logger:  e.logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// openFiles resolves local paths, plus s3:// URIs when MinIO is enabled.
// The returned client is nil otherwise.
func openFiles(ctx context.Context, cfg *config.Config, logger logging.Logger) (*dataset.Files, *minio.Client, error) {
	if !cfg.MinIO.Enabled {
		return dataset.NewFiles(nil), nil, nil
	}
	client, err := minio.NewClient(ctx, &cfg.MinIO.MinIOConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	return dataset.NewFiles(client), client, nil
}

// resultSinks lists the sinks of every enabled backend: object storage
// artifacts, kafka and postgres.
func (e *engine) resultSinks() ([]app.ResultSink, error) {
	var sinks []app.ResultSink
	if e.objects != nil {
		sinks = append(sinks, dataset.NewArtifactSink(e.files, e.objects.ResultURI, e.logger))
	}
	if e.cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(e.cfg.Kafka.ProducerConfig, e.logger)
		if err != nil {
			return nil, err
		}
		e.producer = p
		e.closers = append(e.closers, p.Close)
		sinks = append(sinks, p)
	}
	if e.runs != nil {
		sinks = append(sinks, e.runs)
	}
	if len(sinks) == 0 {
		e.logger.Warn("publishing requested but no result sink is enabled")
	}
	return sinks, nil
}

func (e *engine) loadTokenizer(ctx context.Context) (*tokenizer.CharTokenizer, error) {
	var (
		vocab *tokenizer.Vocab
		err   error
	)
	switch {
	case e.cfg.Scorer.VocabPath != "":
		vocab, err = dataset.ReadFile(ctx, e.files, e.cfg.Scorer.VocabPath, tokenizer.LoadVocab)
	case e.cfg.Scorer.Backend == config.ScorerBackendMock:
		vocab, err = tokenizer.NewVocab(mockVocab())
	default:
		return nil, errors.Newf(errors.ErrCodeValidation, "scorer.vocab_path is required for the %s backend", e.cfg.Scorer.Backend)
	}
	if err != nil {
		return nil, err
	}
	return tokenizer.NewCharTokenizer(vocab,
		tokenizer.WithLowerCase(e.cfg.Pipeline.LowerCase),
		tokenizer.WithNFKC(e.cfg.Pipeline.NFKC),
	), nil
}

// mockVocab covers the reserved tokens, digits and ASCII letters. The mock
// scorer ignores ids, so anything else may map to [UNK].
func mockVocab() []string {
	tokens := []string{
		tokenizer.TokenPAD, tokenizer.TokenUNK, tokenizer.TokenCLS, tokenizer.TokenSEP,
		tokenizer.TokenSpace, tokenizer.TokenTextColumn, tokenizer.TokenRealColumn,
	}
	for c := '0'; c <= '9'; c++ {
		tokens = append(tokens, string(c))
	}
	for c := 'a'; c <= 'z'; c++ {
		tokens = append(tokens, string(c))
	}
	return tokens
}

func newScorer(ctx context.Context, cfg *config.Config, logger logging.Logger, m common.IntelligenceMetrics) (common.Scorer, error) {
	backend, err := common.ParseBackendType(cfg.Scorer.Backend)
	if err != nil {
		return nil, err
	}
	switch backend {
	case common.BackendGRPC:
		return common.NewGRPCScorer(cfg.Scorer.GRPCAddress,
			common.WithScoreTimeout(cfg.Scorer.Timeout),
			common.WithScorerLogger(logger),
			common.WithScorerMetrics(m),
		)
	case common.BackendONNX:
		return onnxbackend.New(ctx, cfg.Scorer.ONNX,
			onnxbackend.WithLogger(logger),
			onnxbackend.WithMetrics(m),
		)
	default:
		logger.Warn("using the mock scorer; predictions are placeholders")
		return common.NewMockScorer(), nil
	}
}

// logInferenceStats summarizes scorer traffic at debug level.
func (e *engine) logInferenceStats() {
	s := e.intelligence.GetCurrentStats()
	if s == nil || s.TotalInferences == 0 {
		return
	}
	e.logger.Debug("inference summary",
		logging.Int64("inferences", s.TotalInferences),
		logging.Int64("failed", s.FailedInferences),
		logging.Int64("scored_items", s.ScoredItems),
		logging.Float64("p95_ms", s.P95LatencyMs),
		logging.Float64("cache_hit_rate", s.CacheHitRate))
}

// Close releases every backend in reverse order of creation.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", logging.Err(err))
		}
	}
	e.closers = nil
}
