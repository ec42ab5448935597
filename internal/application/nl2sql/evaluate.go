package nl2sql

import (
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Evaluate scores predictions against the gold SQL of queries. Every query
// must be labeled; pred[i] answers queries[i].
func Evaluate(pred []nl2sql.SQLRecord, queries []*nl2sql.Query) (labelcodec.Metrics, error) {
	if len(pred) != len(queries) {
		return labelcodec.Metrics{}, errors.Newf(errors.ErrCodeLengthMismatch,
			"%d predictions for %d queries", len(pred), len(queries))
	}
	predicted := make([]nl2sql.StructuredQuery, len(pred))
	gold := make([]nl2sql.StructuredQuery, len(queries))
	for i, q := range queries {
		if q == nil || !q.Labeled() {
			return labelcodec.Metrics{}, errors.Newf(errors.ErrCodeValidation, "query at position %d has no gold SQL", i)
		}
		p, err := pred[i].ToStructuredQuery()
		if err != nil {
			return labelcodec.Metrics{}, errors.Wrapf(err, errors.CodeUnknown, "prediction %d", i)
		}
		predicted[i] = *p
		gold[i] = *q.SQL
	}
	return labelcodec.Evaluate(predicted, gold)
}
