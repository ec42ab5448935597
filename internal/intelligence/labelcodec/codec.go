// Package labelcodec maps structured queries onto fixed-length per-column
// label vectors and maps model output distributions back.
//
// The numeric sentinels NotSelected and NoCondition exist only in this
// package's wire format. The public data model in pkg/types/nl2sql expresses
// absence by omission.
package labelcodec

import (
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Sentinel label values.
const (
	NotSelected = nl2sql.NumAggOps
	NoCondition = nl2sql.NumCondOps
)

// LabelVector is the training target for one query.
type LabelVector struct {
	Connector int   `json:"cond_conn_op"`
	SelectAgg []int `json:"sel_agg"`
	CondOp    []int `json:"cond_op"`

	// Ignored counts select and condition references that fell outside the
	// header and were skipped.
	Ignored int `json:"-"`
}

// NumColumns returns the vector length.
func (v LabelVector) NumColumns() int { return len(v.SelectAgg) }

// Encode builds the label vector of q for a header of numColumns columns.
// Out-of-range column references are skipped and counted in Ignored; when a
// column is referenced twice the later entry wins.
func Encode(q *nl2sql.StructuredQuery, numColumns int) (LabelVector, error) {
	if q == nil {
		return LabelVector{}, errors.New(errors.ErrCodeValidation, "structured query is nil")
	}
	if numColumns < 0 {
		return LabelVector{}, errors.Newf(errors.ErrCodeValidation, "negative column count %d", numColumns)
	}

	v := LabelVector{
		Connector: int(q.Connector),
		SelectAgg: filled(numColumns, NotSelected),
		CondOp:    filled(numColumns, NoCondition),
	}
	for _, s := range q.Select {
		if s.Column < 0 || s.Column >= numColumns {
			v.Ignored++
			continue
		}
		v.SelectAgg[s.Column] = int(s.Agg)
	}
	for _, c := range q.Conditions {
		if c.Column < 0 || c.Column >= numColumns {
			v.Ignored++
			continue
		}
		v.CondOp[c.Column] = int(c.Op)
	}
	return v, nil
}

func filled(n, val int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = val
	}
	return out
}

// Decode turns a label vector back into a structured query. Condition values
// are left nil; stage 2 fills them in.
func Decode(v LabelVector) nl2sql.StructuredQuery {
	q := nl2sql.StructuredQuery{
		Select:     []nl2sql.SelectItem{},
		Connector:  nl2sql.ConnOp(v.Connector),
		Conditions: []nl2sql.Condition{},
	}
	n := len(v.SelectAgg)
	if len(v.CondOp) > n {
		n = len(v.CondOp)
	}
	for i := 0; i < n; i++ {
		if i < len(v.SelectAgg) && v.SelectAgg[i] >= 0 && v.SelectAgg[i] < NotSelected {
			q.Select = append(q.Select, nl2sql.SelectItem{Column: i, Agg: nl2sql.AggOp(v.SelectAgg[i])})
		}
		if i < len(v.CondOp) && v.CondOp[i] >= 0 && v.CondOp[i] < NoCondition {
			q.Conditions = append(q.Conditions, nl2sql.Condition{Column: i, Op: nl2sql.CondOp(v.CondOp[i])})
		}
	}
	return q
}

// Validate checks that both per-column arrays have the same length and that
// every entry is a defined value or the sentinel.
func Validate(v LabelVector) error {
	if len(v.SelectAgg) != len(v.CondOp) {
		return errors.Newf(errors.ErrCodeLengthMismatch,
			"sel_agg has %d entries, cond_op has %d", len(v.SelectAgg), len(v.CondOp))
	}
	if !nl2sql.ConnOp(v.Connector).Valid() {
		return errors.Newf(errors.ErrCodeValidation, "connector %d out of range", v.Connector)
	}
	for i, a := range v.SelectAgg {
		if a < 0 || a > NotSelected {
			return errors.Newf(errors.ErrCodeValidation, "sel_agg[%d]=%d out of range", i, a)
		}
	}
	for i, o := range v.CondOp {
		if o < 0 || o > NoCondition {
			return errors.Newf(errors.ErrCodeValidation, "cond_op[%d]=%d out of range", i, o)
		}
	}
	return nil
}

// Permute reorders the per-column labels to follow a shuffled header:
// out[i] = v[order[i]]. order must be a permutation of the column indices.
func Permute(v LabelVector, order []int) (LabelVector, error) {
	n := len(v.SelectAgg)
	if len(order) != n || len(v.CondOp) != n {
		return LabelVector{}, errors.Newf(errors.ErrCodeLengthMismatch,
			"order has %d entries for %d columns", len(order), n)
	}
	seen := make([]bool, n)
	out := LabelVector{
		Connector: v.Connector,
		SelectAgg: make([]int, n),
		CondOp:    make([]int, n),
		Ignored:   v.Ignored,
	}
	for i, src := range order {
		if src < 0 || src >= n || seen[src] {
			return LabelVector{}, errors.Newf(errors.ErrCodeValidation, "order is not a permutation at position %d", i)
		}
		seen[src] = true
		out.SelectAgg[i] = v.SelectAgg[src]
		out.CondOp[i] = v.CondOp[src]
	}
	return out, nil
}
