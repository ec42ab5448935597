// Package hypothesis turns candidate values into natural-language condition
// hypotheses ("人口大于100"), samples them for training and merges scored
// hypotheses back into condition sets.
package hypothesis

import (
	"strings"

	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Label is the ground-truth status of a hypothesis.
type Label int

const (
	Negative Label = 0
	Positive Label = 1
	Unknown  Label = -1
)

func (l Label) String() string {
	switch l {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "unknown"
	}
}

// ConditionHypothesis is one (question, condition text) pair with its
// structured triple.
type ConditionHypothesis struct {
	QueryID  int               `json:"query_id"`
	Question string            `json:"question"`
	Text     string            `json:"text"`
	Triple   nl2sql.CondTriple `json:"cond"`
	Label    Label             `json:"label"`
}

// Template renders one operator for a column.
type Template struct {
	Op   nl2sql.CondOp
	Word string
}

// Render formats "{column}{word}{value}".
func (t Template) Render(column, value string) string {
	var b strings.Builder
	b.Grow(len(column) + len(t.Word) + len(value))
	b.WriteString(column)
	b.WriteString(t.Word)
	b.WriteString(value)
	return b.String()
}

var (
	realTemplates = []Template{
		{Op: nl2sql.CondGreater, Word: "大于"},
		{Op: nl2sql.CondLess, Word: "小于"},
		{Op: nl2sql.CondEqual, Word: "是"},
	}
	textTemplates = []Template{
		{Op: nl2sql.CondEqual, Word: "是"},
	}
)

// TemplatesFor returns the operator templates that apply to a column type.
func TemplatesFor(t nl2sql.ColumnType) []Template {
	switch t {
	case nl2sql.ColumnReal:
		return realTemplates
	case nl2sql.ColumnText:
		return textTemplates
	default:
		return nil
	}
}

// Generate crosses values with the column's templates, value-major. A query
// without a table or an out-of-range column yields nil.
func Generate(q *nl2sql.Query, col int, values []string) []ConditionHypothesis {
	if q == nil || q.Table == nil {
		return nil
	}
	column, ok := q.Table.Column(col)
	if !ok {
		return nil
	}
	templates := TemplatesFor(column.Type)
	if len(templates) == 0 || len(values) == 0 {
		return nil
	}

	var gold map[nl2sql.CondTriple]struct{}
	if q.Labeled() {
		gold = q.SQL.TripleSet()
	}

	out := make([]ConditionHypothesis, 0, len(values)*len(templates))
	for _, v := range values {
		for _, tpl := range templates {
			triple := nl2sql.CondTriple{Column: col, Op: tpl.Op, Value: v}
			label := Unknown
			if gold != nil {
				label = Negative
				if _, hit := gold[triple]; hit {
					label = Positive
				}
			}
			out = append(out, ConditionHypothesis{
				QueryID:  q.ID,
				Question: q.Question,
				Text:     tpl.Render(column.Name, v),
				Triple:   triple,
				Label:    label,
			})
		}
	}
	return out
}
