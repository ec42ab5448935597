package hypothesis

import (
	"context"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// CandidateSource supplies candidate values per question and column.
type CandidateSource interface {
	Get(ctx context.Context, q *nl2sql.Query, col int) ([]string, error)
}

// BuildOptions controls BuildPairs.
type BuildOptions struct {
	// Stage1 holds stage-1 predictions aligned with the queries slice. When
	// set, only their condition columns get hypotheses.
	Stage1 []nl2sql.SQLRecord

	Logger logging.Logger
}

// BuildPairs generates the hypotheses of every query. Columns are chosen from
// the stage-1 predictions when given, else from the gold conditions of
// labeled queries, else all columns are used. Queries without a table yield
// nothing and processing continues.
func BuildPairs(ctx context.Context, queries []*nl2sql.Query, src CandidateSource, opts BuildOptions) ([]ConditionHypothesis, error) {
	if opts.Stage1 != nil && len(opts.Stage1) != len(queries) {
		return nil, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d stage-1 records for %d queries", len(opts.Stage1), len(queries))
	}
	log := logging.OrNop(opts.Logger)

	var out []ConditionHypothesis
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q == nil || q.Table == nil {
			if q != nil {
				log.Warn("question has no table, no hypotheses generated", logging.QueryID(q.ID))
			}
			continue
		}

		var stage1 *nl2sql.SQLRecord
		if opts.Stage1 != nil {
			stage1 = &opts.Stage1[i]
		}
		wanted := selectColumns(q, stage1)
		for col := range wanted {
			if col < 0 || col >= len(q.Table.Header) {
				log.Warn("condition column is outside the table", logging.QueryID(q.ID), logging.TableID(q.Table.ID), logging.Column(col))
			}
		}

		for col := range q.Table.Header {
			if _, ok := wanted[col]; !ok {
				continue
			}
			values, err := src.Get(ctx, q, col)
			if err != nil {
				return nil, errors.Wrapf(err, errors.CodeUnknown, "candidates for query %d column %d", q.ID, col)
			}
			out = append(out, Generate(q, col, values)...)
		}
	}
	return out, nil
}

func selectColumns(q *nl2sql.Query, stage1 *nl2sql.SQLRecord) map[int]struct{} {
	set := make(map[int]struct{})
	switch {
	case stage1 != nil:
		for _, c := range stage1.Conds {
			set[c.Column] = struct{}{}
		}
	case q.Labeled():
		for _, col := range q.SQL.ConditionColumns() {
			set[col] = struct{}{}
		}
	default:
		for col := range q.Table.Header {
			set[col] = struct{}{}
		}
	}
	return set
}
