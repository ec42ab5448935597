package common

import (
	"context"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// ---------------------------------------------------------------------------
// Backend types
// ---------------------------------------------------------------------------

// BackendType identifies where encoder inference runs.
type BackendType string

const (
	BackendGRPC BackendType = "grpc"
	BackendONNX BackendType = "onnx"
	BackendMock BackendType = "mock"
)

// ParseBackendType validates a configured backend name.
func ParseBackendType(s string) (BackendType, error) {
	switch b := BackendType(s); b {
	case BackendGRPC, BackendONNX, BackendMock:
		return b, nil
	default:
		return "", errors.Newf(errors.ErrCodeValidation, "unknown scorer backend %q", s)
	}
}

// ---------------------------------------------------------------------------
// Scorer interfaces
// ---------------------------------------------------------------------------

// StructureScorer runs the stage-1 heads. The i-th output belongs to the
// i-th input and its rows follow the input's column order.
type StructureScorer interface {
	ScoreStructure(ctx context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error)
}

// PairScorer runs the stage-2 classifier and returns one probability per pair.
type PairScorer interface {
	ScorePairs(ctx context.Context, batch []tokenizer.EncodedPair) ([]float64, error)
}

// Scorer is a backend serving both stages.
type Scorer interface {
	StructureScorer
	PairScorer
	Healthy(ctx context.Context) error
	Close() error
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// EncoderFailure wraps a backend error. Callers treat it as fatal and never
// retry it.
func EncoderFailure(err error, backend BackendType, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, errors.ErrCodeEncoderFailure, "%s %s", backend, op)
}

// checkBatchLen verifies a backend answered once per input.
func checkBatchLen(backend BackendType, op string, want, got int) error {
	if want == got {
		return nil
	}
	return errors.Newf(errors.ErrCodeEncoderFailure, "%s %s", backend, op).
		WithDetailf("%d results for %d inputs", got, want)
}
