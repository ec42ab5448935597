package common

import (
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// Scorer service wire names. Messages are google.protobuf.Struct so the
// service needs no generated stubs.
const (
	ScorerServiceName    = "nl2sql.Scorer"
	MethodScoreStructure = "/nl2sql.Scorer/ScoreStructure"
	MethodScorePairs     = "/nl2sql.Scorer/ScorePairs"
)

const (
	fieldQueries    = "queries"
	fieldPairs      = "pairs"
	fieldOutputs    = "outputs"
	fieldScores     = "scores"
	fieldTokenIDs   = "token_ids"
	fieldSegmentIDs = "segment_ids"
	fieldHeaderIDs  = "header_ids"
	fieldConnector  = "cond_conn_op"
	fieldSelectAgg  = "sel_agg"
	fieldCondOp     = "cond_op"
)

// EncodeQueryBatch builds a ScoreStructure request.
func EncodeQueryBatch(batch []tokenizer.EncodedQuery) *structpb.Struct {
	items := make([]*structpb.Value, len(batch))
	for i, q := range batch {
		items[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldTokenIDs:   intList(q.TokenIDs),
			fieldSegmentIDs: intList(q.SegmentIDs),
			fieldHeaderIDs:  intList(q.HeaderIndices),
		}})
	}
	return listStruct(fieldQueries, items)
}

// DecodeQueryBatch parses a ScoreStructure request.
func DecodeQueryBatch(s *structpb.Struct) ([]tokenizer.EncodedQuery, error) {
	items, err := listField(s, fieldQueries)
	if err != nil {
		return nil, err
	}
	out := make([]tokenizer.EncodedQuery, len(items))
	for i, v := range items {
		fields := v.GetStructValue().GetFields()
		var q tokenizer.EncodedQuery
		if q.TokenIDs, err = ints(fields[fieldTokenIDs]); err != nil {
			return nil, err
		}
		if q.SegmentIDs, err = ints(fields[fieldSegmentIDs]); err != nil {
			return nil, err
		}
		if q.HeaderIndices, err = ints(fields[fieldHeaderIDs]); err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// EncodeOutputs builds a ScoreStructure response.
func EncodeOutputs(outs []labelcodec.ModelOutput) *structpb.Struct {
	items := make([]*structpb.Value, len(outs))
	for i, o := range outs {
		items[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldConnector: floatList(o.ConnectorProbs),
			fieldSelectAgg: matrix(o.SelectAggProbs),
			fieldCondOp:    matrix(o.CondOpProbs),
		}})
	}
	return listStruct(fieldOutputs, items)
}

// DecodeOutputs parses a ScoreStructure response.
func DecodeOutputs(s *structpb.Struct) ([]labelcodec.ModelOutput, error) {
	items, err := listField(s, fieldOutputs)
	if err != nil {
		return nil, err
	}
	out := make([]labelcodec.ModelOutput, len(items))
	for i, v := range items {
		fields := v.GetStructValue().GetFields()
		var o labelcodec.ModelOutput
		if o.ConnectorProbs, err = floats(fields[fieldConnector]); err != nil {
			return nil, err
		}
		if o.SelectAggProbs, err = DecodeFloat64Matrix(fields[fieldSelectAgg]); err != nil {
			return nil, err
		}
		if o.CondOpProbs, err = DecodeFloat64Matrix(fields[fieldCondOp]); err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}

// EncodePairBatch builds a ScorePairs request.
func EncodePairBatch(batch []tokenizer.EncodedPair) *structpb.Struct {
	items := make([]*structpb.Value, len(batch))
	for i, p := range batch {
		items[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldTokenIDs:   intList(p.TokenIDs),
			fieldSegmentIDs: intList(p.SegmentIDs),
		}})
	}
	return listStruct(fieldPairs, items)
}

// DecodePairBatch parses a ScorePairs request.
func DecodePairBatch(s *structpb.Struct) ([]tokenizer.EncodedPair, error) {
	items, err := listField(s, fieldPairs)
	if err != nil {
		return nil, err
	}
	out := make([]tokenizer.EncodedPair, len(items))
	for i, v := range items {
		fields := v.GetStructValue().GetFields()
		var p tokenizer.EncodedPair
		if p.TokenIDs, err = ints(fields[fieldTokenIDs]); err != nil {
			return nil, err
		}
		if p.SegmentIDs, err = ints(fields[fieldSegmentIDs]); err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// EncodeScores builds a ScorePairs response.
func EncodeScores(scores []float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{fieldScores: floatList(scores)}}
}

// DecodeScores parses a ScorePairs response.
func DecodeScores(s *structpb.Struct) ([]float64, error) {
	v, ok := s.GetFields()[fieldScores]
	if !ok {
		return nil, errors.New(errors.ErrCodeSerialization, "missing field "+fieldScores)
	}
	return floats(v)
}

// DecodeFloat64Matrix reads a list of numeric lists.
func DecodeFloat64Matrix(v *structpb.Value) ([][]float64, error) {
	rows := v.GetListValue()
	if rows == nil {
		return nil, errors.New(errors.ErrCodeSerialization, "expected a list of rows")
	}
	out := make([][]float64, len(rows.Values))
	for i, r := range rows.Values {
		row, err := floats(r)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeSerialization, "row %d", i)
		}
		out[i] = row
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// structpb helpers
// ---------------------------------------------------------------------------

func listStruct(name string, items []*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		name: structpb.NewListValue(&structpb.ListValue{Values: items}),
	}}
}

func listField(s *structpb.Struct, name string) ([]*structpb.Value, error) {
	v, ok := s.GetFields()[name]
	if !ok || v.GetListValue() == nil {
		return nil, errors.New(errors.ErrCodeSerialization, "missing list field "+name)
	}
	return v.GetListValue().Values, nil
}

func intList(xs []int) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = structpb.NewNumberValue(float64(x))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func floatList(xs []float64) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = structpb.NewNumberValue(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func matrix(rows [][]float64) *structpb.Value {
	vals := make([]*structpb.Value, len(rows))
	for i, r := range rows {
		vals[i] = floatList(r)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func floats(v *structpb.Value) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New(errors.ErrCodeSerialization, "expected a numeric list")
	}
	out := make([]float64, len(list.Values))
	for i, x := range list.Values {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeSerialization, "element %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

func ints(v *structpb.Value) ([]int, error) {
	fs, err := floats(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != math.Trunc(f) {
			return nil, errors.Newf(errors.ErrCodeSerialization, "element %d is not an integer", i)
		}
		out[i] = int(f)
	}
	return out, nil
}
