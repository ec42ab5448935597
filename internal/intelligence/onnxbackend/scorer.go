// Package onnxbackend runs the stage-1 and stage-2 encoders in-process through
// ONNX Runtime.
//
// Stage-1 graph contract:
//
//	inputs  input_ids[B,L] int64, segment_ids[B,L] int64,
//	        header_ids[B,H] int64, header_mask[B,H] float32
//	outputs cond_conn_op[B,3], sel_agg[B,H,7], cond_op[B,H,5] float32
//
// Stage-2 graph contract:
//
//	inputs  input_ids[B,L] int64, segment_ids[B,L] int64
//	outputs prob[B,1] float32
package onnxbackend

import (
	"context"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

var (
	structureInputs  = []string{"input_ids", "segment_ids", "header_ids", "header_mask"}
	structureOutputs = []string{"cond_conn_op", "sel_agg", "cond_op"}
	pairInputs       = []string{"input_ids", "segment_ids"}
	pairOutputs      = []string{"prob"}
)

// Config locates the runtime library and the two exported models.
type Config struct {
	SharedLibraryPath  string `mapstructure:"shared_library_path"`
	StructureModelPath string `mapstructure:"structure_model_path"`
	PairModelPath      string `mapstructure:"pair_model_path"`
	IntraOpThreads     int    `mapstructure:"intra_op_threads"`
	PadID              int    `mapstructure:"pad_id"`
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(s *Scorer) { s.logger = logging.OrNop(l) } }

// WithMetrics sets the metrics sink.
func WithMetrics(m common.IntelligenceMetrics) Option {
	return func(s *Scorer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scorer implements common.Scorer on local ONNX sessions. Runs are
// serialized per session.
type Scorer struct {
	cfg     Config
	logger  logging.Logger
	metrics common.IntelligenceMetrics

	structureMu sync.Mutex
	structure   *ort.DynamicAdvancedSession
	pairMu      sync.Mutex
	pairs       *ort.DynamicAdvancedSession
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes the process-wide ONNX Runtime environment.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// New loads whichever models cfg names. At least one is required.
func New(ctx context.Context, cfg Config, opts ...Option) (*Scorer, error) {
	if cfg.StructureModelPath == "" && cfg.PairModelPath == "" {
		return nil, errors.New(errors.ErrCodeValidation, "onnx scorer needs at least one model path")
	}
	s := &Scorer{
		cfg:     cfg,
		logger:  logging.NewNopLogger(),
		metrics: common.NewNoopIntelligenceMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "initialize onnxruntime")
	}

	var err error
	if cfg.StructureModelPath != "" {
		if s.structure, err = s.load(ctx, cfg.StructureModelPath, structureInputs, structureOutputs); err != nil {
			return nil, err
		}
	}
	if cfg.PairModelPath != "" {
		if s.pairs, err = s.load(ctx, cfg.PairModelPath, pairInputs, pairOutputs); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scorer) load(ctx context.Context, path string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	start := time.Now()
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "session options")
	}
	defer opts.Destroy()
	if s.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(s.cfg.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeValidation, "intra-op threads")
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	elapsed := float64(time.Since(start).Milliseconds())
	s.metrics.RecordModelLoad(ctx, path, elapsed, err == nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeServiceUnavailable, "load model %s", path)
	}
	s.logger.Info("onnx model loaded", logging.String("path", path), logging.Float64("load_ms", elapsed))
	return sess, nil
}

// ScoreStructure implements common.StructureScorer.
func (s *Scorer) ScoreStructure(ctx context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if s.structure == nil {
		return nil, errors.New(errors.ErrCodeEncoderFailure, "onnx structure model not loaded")
	}
	start := time.Now()
	outs, err := s.runStructure(batch)
	s.record(ctx, common.TaskStructure, start, len(batch), err)
	if err != nil {
		return nil, common.EncoderFailure(err, common.BackendONNX, "score structure")
	}
	return outs, nil
}

func (s *Scorer) runStructure(batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
	seq := packSequences(len(batch), func(i int) ([]int, []int) { return batch[i].TokenIDs, batch[i].SegmentIDs }, s.cfg.PadID)
	hdr := packHeaders(batch)
	b := int64(len(batch))

	var inputs []ort.Value
	defer func() { destroyAll(inputs) }()
	for _, mk := range []func() (ort.Value, error){
		func() (ort.Value, error) { return ort.NewTensor(ort.NewShape(b, seq.length), seq.tokens) },
		func() (ort.Value, error) { return ort.NewTensor(ort.NewShape(b, seq.length), seq.segments) },
		func() (ort.Value, error) { return ort.NewTensor(ort.NewShape(b, hdr.width), hdr.ids) },
		func() (ort.Value, error) { return ort.NewTensor(ort.NewShape(b, hdr.width), hdr.mask) },
	} {
		v, err := mk()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, v)
	}

	conn, err := ort.NewEmptyTensor[float32](ort.NewShape(b, 3))
	if err != nil {
		return nil, err
	}
	defer conn.Destroy()
	sel, err := ort.NewEmptyTensor[float32](ort.NewShape(b, hdr.width, selectAggWidth))
	if err != nil {
		return nil, err
	}
	defer sel.Destroy()
	cond, err := ort.NewEmptyTensor[float32](ort.NewShape(b, hdr.width, condOpWidth))
	if err != nil {
		return nil, err
	}
	defer cond.Destroy()

	s.structureMu.Lock()
	err = s.structure.Run(inputs, []ort.Value{conn, sel, cond})
	s.structureMu.Unlock()
	if err != nil {
		return nil, err
	}
	return splitStructure(batch, int(hdr.width), conn.GetData(), sel.GetData(), cond.GetData()), nil
}

// ScorePairs implements common.PairScorer.
func (s *Scorer) ScorePairs(ctx context.Context, batch []tokenizer.EncodedPair) ([]float64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if s.pairs == nil {
		return nil, errors.New(errors.ErrCodeEncoderFailure, "onnx pair model not loaded")
	}
	start := time.Now()
	scores, err := s.runPairs(batch)
	s.record(ctx, common.TaskPairs, start, len(batch), err)
	if err != nil {
		return nil, common.EncoderFailure(err, common.BackendONNX, "score pairs")
	}
	return scores, nil
}

func (s *Scorer) runPairs(batch []tokenizer.EncodedPair) ([]float64, error) {
	seq := packSequences(len(batch), func(i int) ([]int, []int) { return batch[i].TokenIDs, batch[i].SegmentIDs }, s.cfg.PadID)
	b := int64(len(batch))

	ids, err := ort.NewTensor(ort.NewShape(b, seq.length), seq.tokens)
	if err != nil {
		return nil, err
	}
	defer ids.Destroy()
	segs, err := ort.NewTensor(ort.NewShape(b, seq.length), seq.segments)
	if err != nil {
		return nil, err
	}
	defer segs.Destroy()
	prob, err := ort.NewEmptyTensor[float32](ort.NewShape(b, 1))
	if err != nil {
		return nil, err
	}
	defer prob.Destroy()

	s.pairMu.Lock()
	err = s.pairs.Run([]ort.Value{ids, segs}, []ort.Value{prob})
	s.pairMu.Unlock()
	if err != nil {
		return nil, err
	}
	return toFloat64(prob.GetData()), nil
}

func (s *Scorer) record(ctx context.Context, task string, start time.Time, n int, err error) {
	s.metrics.RecordInference(ctx, &common.InferenceMetricParams{
		ModelName:  string(common.BackendONNX),
		TaskType:   task,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		Success:    err == nil,
		BatchSize:  n,
	})
}

// Healthy reports whether at least one session is loaded.
func (s *Scorer) Healthy(context.Context) error {
	if s.structure == nil && s.pairs == nil {
		return errors.New(errors.ErrCodeServiceUnavailable, "no onnx session loaded")
	}
	return nil
}

// Close destroys the sessions. The runtime environment stays initialized.
func (s *Scorer) Close() error {
	var firstErr error
	if s.structure != nil {
		firstErr = s.structure.Destroy()
		s.structure = nil
	}
	if s.pairs != nil {
		if err := s.pairs.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.pairs = nil
	}
	return firstErr
}

func destroyAll(vs []ort.Value) {
	for _, v := range vs {
		_ = v.Destroy()
	}
}

var _ common.Scorer = (*Scorer)(nil)
