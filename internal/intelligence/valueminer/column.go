package valueminer

import (
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ColumnMiner selects the cells of a column that share at least one rune with
// the question. The filter is deliberately loose; the pair classifier removes
// the false positives.
type ColumnMiner struct {
	normalize Normalizer
}

// NewColumnMiner creates a ColumnMiner.
func NewColumnMiner(opts ...Option) *ColumnMiner {
	o := buildOptions(opts)
	return &ColumnMiner{normalize: o.normalize}
}

// Extract returns the matching distinct cell values of column col in
// first-seen order. A nil table or out-of-range column yields nil.
func (m *ColumnMiner) Extract(tbl *nl2sql.Table, col int, question string) []string {
	values := tbl.ColumnValues(col)
	if len(values) == 0 {
		return nil
	}
	chars := make(map[rune]struct{})
	for _, r := range m.normalize(question) {
		chars[r] = struct{}{}
	}

	var out []string
	for _, v := range values {
		for _, r := range m.normalize(v) {
			if _, ok := chars[r]; ok {
				out = append(out, v)
				break
			}
		}
	}
	return out
}
