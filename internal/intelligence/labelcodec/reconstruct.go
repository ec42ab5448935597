package labelcodec

import (
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ModelOutput is the stage-1 head output for one query. Rows may be padded
// past the true header length.
type ModelOutput struct {
	ConnectorProbs []float64   `json:"cond_conn_op"`
	SelectAggProbs [][]float64 `json:"sel_agg"`
	CondOpProbs    [][]float64 `json:"cond_op"`
}

const (
	selectAggWidth = nl2sql.NumAggOps + 1
	condOpWidth    = nl2sql.NumCondOps + 1
)

func invalidOutput(format string, args ...any) error {
	return errors.Newf(errors.ErrCodeInvalidModelOutput, format, args...)
}

// Reconstruct turns one query's distributions into a structured query. The
// result always selects at least one column: when every column argmaxes to
// "not selected", each column holding the highest non-sentinel probability is
// selected with that aggregate.
func Reconstruct(out ModelOutput, headerLen int) (nl2sql.StructuredQuery, error) {
	if headerLen < 1 {
		return nl2sql.StructuredQuery{}, invalidOutput("header length %d, want >= 1", headerLen)
	}
	if len(out.ConnectorProbs) != nl2sql.NumConnOps {
		return nl2sql.StructuredQuery{}, invalidOutput("connector width %d, want %d", len(out.ConnectorProbs), nl2sql.NumConnOps)
	}
	if len(out.SelectAggProbs) < headerLen || len(out.CondOpProbs) < headerLen {
		return nl2sql.StructuredQuery{}, invalidOutput("model output has %d/%d rows for %d columns",
			len(out.SelectAggProbs), len(out.CondOpProbs), headerLen)
	}
	selRows := out.SelectAggProbs[:headerLen]
	condRows := out.CondOpProbs[:headerLen]
	for i := 0; i < headerLen; i++ {
		if len(selRows[i]) != selectAggWidth {
			return nl2sql.StructuredQuery{}, invalidOutput("sel_agg row %d width %d, want %d", i, len(selRows[i]), selectAggWidth)
		}
		if len(condRows[i]) != condOpWidth {
			return nl2sql.StructuredQuery{}, invalidOutput("cond_op row %d width %d, want %d", i, len(condRows[i]), condOpWidth)
		}
	}

	v := LabelVector{
		Connector: argmax(out.ConnectorProbs),
		SelectAgg: make([]int, headerLen),
		CondOp:    make([]int, headerLen),
	}
	anySelected := false
	for i := 0; i < headerLen; i++ {
		v.SelectAgg[i] = argmax(selRows[i])
		v.CondOp[i] = argmax(condRows[i])
		if v.SelectAgg[i] != NotSelected {
			anySelected = true
		}
	}
	if !anySelected {
		forceSelect(selRows, v.SelectAgg)
	}

	q := Decode(v)
	q.Select = keepSelect(q.Select, headerLen)
	q.Conditions = keepConditions(q.Conditions, headerLen)
	return q, nil
}

// forceSelect marks, in every row, the first non-sentinel cell equal to the
// global non-sentinel maximum.
func forceSelect(rows [][]float64, selectAgg []int) {
	best := rows[0][0]
	for _, row := range rows {
		for _, p := range row[:NotSelected] {
			if p > best {
				best = p
			}
		}
	}
	for i, row := range rows {
		for j, p := range row[:NotSelected] {
			if p == best {
				selectAgg[i] = j
				break
			}
		}
	}
}

func keepSelect(items []nl2sql.SelectItem, headerLen int) []nl2sql.SelectItem {
	out := items[:0]
	for _, s := range items {
		if s.Column < headerLen {
			out = append(out, s)
		}
	}
	return out
}

func keepConditions(conds []nl2sql.Condition, headerLen int) []nl2sql.Condition {
	out := conds[:0]
	for _, c := range conds {
		if c.Column < headerLen {
			out = append(out, c)
		}
	}
	return out
}

// argmax returns the first index of the largest value.
func argmax(xs []float64) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}

// BatchReconstruct applies Reconstruct to each output with its header length.
// It stops at the first malformed output.
func BatchReconstruct(outs []ModelOutput, headerLens []int) ([]nl2sql.StructuredQuery, error) {
	if len(outs) != len(headerLens) {
		return nil, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d model outputs for %d header lengths", len(outs), len(headerLens))
	}
	result := make([]nl2sql.StructuredQuery, len(outs))
	for i := range outs {
		q, err := Reconstruct(outs[i], headerLens[i])
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeUnknown, "query %d", i)
		}
		result[i] = q
	}
	return result, nil
}
