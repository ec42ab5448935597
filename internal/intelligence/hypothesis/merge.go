package hypothesis

import (
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// DefaultThreshold is the score a hypothesis must exceed to be accepted.
const DefaultThreshold = 0.995

// Merge groups the hypotheses scoring strictly above threshold by query id.
// scores[i] belongs to hs[i].
func Merge(hs []ConditionHypothesis, scores []float64, threshold float64) (map[int][]nl2sql.CondTriple, error) {
	if len(hs) != len(scores) {
		return nil, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d hypotheses for %d scores", len(hs), len(scores))
	}
	sets := make(map[int]map[nl2sql.CondTriple]struct{})
	for i, h := range hs {
		if scores[i] <= threshold {
			continue
		}
		set, ok := sets[h.QueryID]
		if !ok {
			set = make(map[nl2sql.CondTriple]struct{})
			sets[h.QueryID] = set
		}
		set[h.Triple] = struct{}{}
	}

	out := make(map[int][]nl2sql.CondTriple, len(sets))
	for id, set := range sets {
		triples := make([]nl2sql.CondTriple, 0, len(set))
		for t := range set {
			triples = append(triples, t)
		}
		nl2sql.SortTriples(triples)
		out[id] = triples
	}
	return out, nil
}

// ApplyConditions replaces the conds of each stage-1 record with the merged
// triples of the query at the same position. Queries with nothing accepted
// end up with an empty condition list.
func ApplyConditions(stage1 []nl2sql.SQLRecord, merged map[int][]nl2sql.CondTriple) []nl2sql.SQLRecord {
	out := make([]nl2sql.SQLRecord, len(stage1))
	for i, rec := range stage1 {
		out[i] = rec.WithConditions(merged[i])
	}
	return out
}
