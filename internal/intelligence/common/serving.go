package common

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

const defaultScoreTimeout = 30 * time.Second

// GRPCScorer calls a remote model server speaking the nl2sql.Scorer service.
type GRPCScorer struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  logging.Logger
	metrics IntelligenceMetrics
}

// GRPCOption configures a GRPCScorer.
type GRPCOption func(*GRPCScorer)

// WithScoreTimeout bounds every remote call. Zero disables the bound.
func WithScoreTimeout(d time.Duration) GRPCOption {
	return func(s *GRPCScorer) { s.timeout = d }
}

// WithScorerLogger sets the logger.
func WithScorerLogger(l logging.Logger) GRPCOption {
	return func(s *GRPCScorer) { s.logger = logging.OrNop(l) }
}

// WithScorerMetrics sets the metrics sink.
func WithScorerMetrics(m IntelligenceMetrics) GRPCOption {
	return func(s *GRPCScorer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewGRPCScorer dials address with plaintext credentials.
func NewGRPCScorer(address string, opts ...GRPCOption) (*GRPCScorer, error) {
	if address == "" {
		return nil, errors.New(errors.ErrCodeValidation, "scorer address cannot be empty")
	}
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "dial scorer")
	}
	s := NewGRPCScorerFromConn(conn, opts...)
	s.closer = conn.Close
	return s, nil
}

// NewGRPCScorerFromConn wraps an existing connection. Close does not close it.
func NewGRPCScorerFromConn(conn grpc.ClientConnInterface, opts ...GRPCOption) *GRPCScorer {
	s := &GRPCScorer{
		conn:    conn,
		timeout: defaultScoreTimeout,
		logger:  logging.NewNopLogger(),
		metrics: NewNoopIntelligenceMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCScorer) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.conn.Invoke(ctx, method, req, resp)
}

// ScoreStructure implements StructureScorer.
func (s *GRPCScorer) ScoreStructure(ctx context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	start := time.Now()
	resp := &structpb.Struct{}
	err := s.invoke(ctx, MethodScoreStructure, EncodeQueryBatch(batch), resp)
	var outs []labelcodec.ModelOutput
	if err == nil {
		outs, err = DecodeOutputs(resp)
	}
	if err == nil {
		err = checkBatchLen(BackendGRPC, "score structure", len(batch), len(outs))
	}
	s.record(ctx, TaskStructure, start, len(batch), err)
	if err != nil {
		s.logger.Error("structure scoring failed", logging.Err(err), logging.Count("batch_size", len(batch)))
		return nil, EncoderFailure(err, BackendGRPC, "score structure")
	}
	return outs, nil
}

// ScorePairs implements PairScorer.
func (s *GRPCScorer) ScorePairs(ctx context.Context, batch []tokenizer.EncodedPair) ([]float64, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	start := time.Now()
	resp := &structpb.Struct{}
	err := s.invoke(ctx, MethodScorePairs, EncodePairBatch(batch), resp)
	var scores []float64
	if err == nil {
		scores, err = DecodeScores(resp)
	}
	if err == nil {
		err = checkBatchLen(BackendGRPC, "score pairs", len(batch), len(scores))
	}
	s.record(ctx, TaskPairs, start, len(batch), err)
	if err != nil {
		s.logger.Error("pair scoring failed", logging.Err(err), logging.Count("batch_size", len(batch)))
		return nil, EncoderFailure(err, BackendGRPC, "score pairs")
	}
	return scores, nil
}

func (s *GRPCScorer) record(ctx context.Context, task string, start time.Time, n int, err error) {
	s.metrics.RecordInference(ctx, &InferenceMetricParams{
		ModelName:  string(BackendGRPC),
		TaskType:   task,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		Success:    err == nil,
		BatchSize:  n,
	})
}

// Healthy asks the server's health service about nl2sql.Scorer.
func (s *GRPCScorer) Healthy(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(s.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ScorerServiceName})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "scorer health check")
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Newf(errors.ErrCodeServiceUnavailable, "scorer status %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection when this scorer dialed it.
func (s *GRPCScorer) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// ---------------------------------------------------------------------------
// MockScorer
// ---------------------------------------------------------------------------

// MockScorer is a programmable Scorer for tests and dry runs.
type MockScorer struct {
	StructureFunc func(ctx context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error)
	PairFunc      func(ctx context.Context, batch []tokenizer.EncodedPair) ([]float64, error)
	HealthErr     error

	structureCalls atomic.Int64
	pairCalls      atomic.Int64
}

// NewMockScorer returns a scorer that selects the first column without
// aggregation, emits no conditions and scores every pair 0.
func NewMockScorer() *MockScorer { return &MockScorer{} }

// ScoreStructure implements StructureScorer.
func (m *MockScorer) ScoreStructure(ctx context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
	m.structureCalls.Add(1)
	if m.StructureFunc != nil {
		return m.StructureFunc(ctx, batch)
	}
	outs := make([]labelcodec.ModelOutput, len(batch))
	for i, q := range batch {
		outs[i] = FirstColumnOutput(q.HeaderLen())
	}
	return outs, nil
}

// ScorePairs implements PairScorer.
func (m *MockScorer) ScorePairs(ctx context.Context, batch []tokenizer.EncodedPair) ([]float64, error) {
	m.pairCalls.Add(1)
	if m.PairFunc != nil {
		return m.PairFunc(ctx, batch)
	}
	return make([]float64, len(batch)), nil
}

// StructureCalls returns how many structure batches were scored.
func (m *MockScorer) StructureCalls() int64 { return m.structureCalls.Load() }

// PairCalls returns how many pair batches were scored.
func (m *MockScorer) PairCalls() int64 { return m.pairCalls.Load() }

// Healthy returns HealthErr.
func (m *MockScorer) Healthy(context.Context) error { return m.HealthErr }

// Close is a no-op.
func (m *MockScorer) Close() error { return nil }

// FirstColumnOutput is a one-hot output selecting column 0 with no
// aggregation and no conditions.
func FirstColumnOutput(headerLen int) labelcodec.ModelOutput {
	out := labelcodec.ModelOutput{
		ConnectorProbs: []float64{1, 0, 0},
		SelectAggProbs: make([][]float64, headerLen),
		CondOpProbs:    make([][]float64, headerLen),
	}
	for i := 0; i < headerLen; i++ {
		sel := make([]float64, nl2sql.NumAggOps+1)
		if i == 0 {
			sel[nl2sql.AggNone] = 1
		} else {
			sel[labelcodec.NotSelected] = 1
		}
		cond := make([]float64, nl2sql.NumCondOps+1)
		cond[labelcodec.NoCondition] = 1
		out.SelectAggProbs[i] = sel
		out.CondOpProbs[i] = cond
	}
	return out
}

var (
	_ Scorer = (*GRPCScorer)(nil)
	_ Scorer = (*MockScorer)(nil)
)
