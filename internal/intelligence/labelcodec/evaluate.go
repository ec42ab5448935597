package labelcodec

import (
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Metrics holds per-component exact-match accuracies over a query set.
type Metrics struct {
	Total         int     `json:"total"`
	ConnAcc       float64 `json:"conn_acc"`
	AggAcc        float64 `json:"agg_acc"`
	CondsAcc      float64 `json:"conds_acc"`
	CondsColIDAcc float64 `json:"conds_col_id_acc"`
	TotalAcc      float64 `json:"total_acc"`
	ValueAcc      float64 `json:"value_acc"`
}

// Evaluate compares predictions with gold queries pairwise. Select items and
// conditions are compared as sets. TotalAcc requires the connector, the
// select set and the (column, op) condition set to match; ValueAcc compares
// full (column, op, value) triples and is only meaningful for stage-2 output.
func Evaluate(pred, gold []nl2sql.StructuredQuery) (Metrics, error) {
	if len(pred) != len(gold) {
		return Metrics{}, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d predictions for %d gold queries", len(pred), len(gold))
	}
	m := Metrics{Total: len(gold)}
	if m.Total == 0 {
		return m, nil
	}

	var conn, agg, conds, colIDs, all, values int
	for i := range gold {
		p, g := &pred[i], &gold[i]
		n := 0
		if p.Connector == g.Connector {
			conn++
			n++
		}
		if equalSets(selectSet(p), selectSet(g)) {
			agg++
			n++
		}
		if equalSets(condOpSet(p), condOpSet(g)) {
			conds++
			n++
		}
		if equalSets(condColumnSet(p), condColumnSet(g)) {
			colIDs++
		}
		if n == 3 {
			all++
		}
		if equalSets(p.TripleSet(), g.TripleSet()) {
			values++
		}
	}

	total := float64(m.Total)
	m.ConnAcc = float64(conn) / total
	m.AggAcc = float64(agg) / total
	m.CondsAcc = float64(conds) / total
	m.CondsColIDAcc = float64(colIDs) / total
	m.TotalAcc = float64(all) / total
	m.ValueAcc = float64(values) / total
	return m, nil
}

type colOp struct {
	col int
	op  nl2sql.CondOp
}

func selectSet(q *nl2sql.StructuredQuery) map[nl2sql.SelectItem]struct{} {
	set := make(map[nl2sql.SelectItem]struct{}, len(q.Select))
	for _, s := range q.Select {
		set[s] = struct{}{}
	}
	return set
}

func condOpSet(q *nl2sql.StructuredQuery) map[colOp]struct{} {
	set := make(map[colOp]struct{}, len(q.Conditions))
	for _, c := range q.Conditions {
		set[colOp{col: c.Column, op: c.Op}] = struct{}{}
	}
	return set
}

func condColumnSet(q *nl2sql.StructuredQuery) map[int]struct{} {
	set := make(map[int]struct{}, len(q.Conditions))
	for _, c := range q.Conditions {
		set[c.Column] = struct{}{}
	}
	return set
}

func equalSets[K comparable](a, b map[K]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
