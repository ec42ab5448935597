// Package nl2sql defines the shared data model of the engine: tables,
// questions, structured queries and their enumerations. Sentinel "not
// selected" / "no condition" values never appear here; they exist only in the
// label wire format of internal/intelligence/labelcodec.
package nl2sql

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Enumerations
// ─────────────────────────────────────────────────────────────────────────────

// ColumnType determines which value-mining and operator rules apply to a column.
type ColumnType string

const (
	ColumnText ColumnType = "text"
	ColumnReal ColumnType = "real"
)

// ParseColumnType validates a raw type string.
func ParseColumnType(s string) (ColumnType, error) {
	switch ColumnType(s) {
	case ColumnText, ColumnReal:
		return ColumnType(s), nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidRecord, "unknown column type %q", s)
	}
}

// AggOp is the aggregate function applied to a selected column.
type AggOp int

const (
	AggNone AggOp = iota
	AggAvg
	AggMax
	AggMin
	AggCount
	AggSum
)

// NumAggOps is the number of aggregate functions.
const NumAggOps = 6

var aggNames = [NumAggOps]string{"", "AVG", "MAX", "MIN", "COUNT", "SUM"}

// Valid reports whether a is a defined aggregate.
func (a AggOp) Valid() bool { return a >= 0 && int(a) < NumAggOps }

func (a AggOp) String() string {
	if !a.Valid() {
		return fmt.Sprintf("AggOp(%d)", int(a))
	}
	if a == AggNone {
		return "NONE"
	}
	return aggNames[a]
}

// ParseAggOp converts a wire integer into an AggOp.
func ParseAggOp(v int) (AggOp, error) {
	a := AggOp(v)
	if !a.Valid() {
		return 0, errors.Newf(errors.ErrCodeInvalidRecord, "aggregate op %d out of range", v)
	}
	return a, nil
}

// CondOp is the comparison operator of a condition.
type CondOp int

const (
	CondGreater CondOp = iota
	CondLess
	CondEqual
	CondNotEqual
)

// NumCondOps is the number of condition operators.
const NumCondOps = 4

var condSymbols = [NumCondOps]string{">", "<", "==", "!="}

// Valid reports whether o is a defined operator.
func (o CondOp) Valid() bool { return o >= 0 && int(o) < NumCondOps }

func (o CondOp) String() string {
	if !o.Valid() {
		return fmt.Sprintf("CondOp(%d)", int(o))
	}
	return condSymbols[o]
}

// ParseCondOp converts a wire integer into a CondOp.
func ParseCondOp(v int) (CondOp, error) {
	o := CondOp(v)
	if !o.Valid() {
		return 0, errors.Newf(errors.ErrCodeInvalidRecord, "condition op %d out of range", v)
	}
	return o, nil
}

// ConnOp joins multiple conditions.
type ConnOp int

const (
	ConnNone ConnOp = iota
	ConnAnd
	ConnOr
)

// NumConnOps is the number of connectors.
const NumConnOps = 3

// Valid reports whether c is a defined connector.
func (c ConnOp) Valid() bool { return c >= 0 && int(c) < NumConnOps }

func (c ConnOp) String() string {
	switch c {
	case ConnNone:
		return ""
	case ConnAnd:
		return "and"
	case ConnOr:
		return "or"
	default:
		return fmt.Sprintf("ConnOp(%d)", int(c))
	}
}

// ParseConnOp converts a wire integer into a ConnOp.
func ParseConnOp(v int) (ConnOp, error) {
	c := ConnOp(v)
	if !c.Valid() {
		return 0, errors.Newf(errors.ErrCodeInvalidRecord, "connector %d out of range", v)
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Table
// ─────────────────────────────────────────────────────────────────────────────

// Column is one header entry of a table.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Table is an immutable header plus a row-major cell grid.
type Table struct {
	ID     string
	Header []Column
	Rows   [][]any
}

// NewTable validates shape and returns a Table.
func NewTable(id string, header []Column, rows [][]any) (*Table, error) {
	if id == "" {
		return nil, errors.New(errors.ErrCodeInvalidRecord, "table id is empty")
	}
	for i, col := range header {
		if _, err := ParseColumnType(string(col.Type)); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeInvalidRecord, "table %s column %d", id, i)
		}
	}
	for r, row := range rows {
		if len(row) != len(header) {
			return nil, errors.Newf(errors.ErrCodeInvalidRecord,
				"table %s row %d has %d cells, header has %d", id, r, len(row), len(header))
		}
	}
	return &Table{ID: id, Header: header, Rows: rows}, nil
}

// NumColumns returns the header length.
func (t *Table) NumColumns() int {
	if t == nil {
		return 0
	}
	return len(t.Header)
}

// Column returns the i-th header entry.
func (t *Table) Column(i int) (Column, bool) {
	if t == nil || i < 0 || i >= len(t.Header) {
		return Column{}, false
	}
	return t.Header[i], true
}

// ColumnValues returns the distinct stringified non-empty cells of column i
// in first-seen order. An out-of-range index yields nil.
func (t *Table) ColumnValues(i int) []string {
	if t == nil || i < 0 || i >= len(t.Header) {
		return nil
	}
	seen := make(map[string]struct{}, len(t.Rows))
	var out []string
	for _, row := range t.Rows {
		if i >= len(row) {
			continue
		}
		s := FormatCell(row[i])
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// FormatCell renders a cell the way candidate values are compared: strings
// verbatim, integral numbers without a fraction, other numbers in shortest
// decimal form. Nil renders as the empty string.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return FormatFloat(f)
		}
		return x.String()
	case float64:
		return FormatFloat(x)
	case float32:
		return FormatFloat(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// FormatFloat renders integral values without a fraction and others in the
// shortest round-tripping decimal form.
func FormatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e18 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ─────────────────────────────────────────────────────────────────────────────
// Structured query
// ─────────────────────────────────────────────────────────────────────────────

// SelectItem is one selected column with its aggregate.
type SelectItem struct {
	Column int   `json:"column"`
	Agg    AggOp `json:"agg"`
}

// Condition is one WHERE clause. Value is nil until stage 2 fills it in.
type Condition struct {
	Column int     `json:"column"`
	Op     CondOp  `json:"op"`
	Value  *string `json:"value,omitempty"`
}

// Triple returns the comparable form of c; ok is false when Value is unknown.
func (c Condition) Triple() (CondTriple, bool) {
	if c.Value == nil {
		return CondTriple{}, false
	}
	return CondTriple{Column: c.Column, Op: c.Op, Value: *c.Value}, true
}

// CondTriple is a fully specified condition used as a set key.
type CondTriple struct {
	Column int    `json:"column"`
	Op     CondOp `json:"op"`
	Value  string `json:"value"`
}

// Condition converts t back into a Condition.
func (t CondTriple) Condition() Condition {
	v := t.Value
	return Condition{Column: t.Column, Op: t.Op, Value: &v}
}

// SortTriples orders triples by column, operator, then value.
func SortTriples(ts []CondTriple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Column != ts[j].Column {
			return ts[i].Column < ts[j].Column
		}
		if ts[i].Op != ts[j].Op {
			return ts[i].Op < ts[j].Op
		}
		return ts[i].Value < ts[j].Value
	})
}

// StructuredQuery is the SQL-like target of a question.
type StructuredQuery struct {
	Select     []SelectItem `json:"select"`
	Connector  ConnOp       `json:"connector"`
	Conditions []Condition  `json:"conditions"`
}

// TripleSet returns the set of fully valued conditions.
func (q *StructuredQuery) TripleSet() map[CondTriple]struct{} {
	set := make(map[CondTriple]struct{}, len(q.Conditions))
	for _, c := range q.Conditions {
		if t, ok := c.Triple(); ok {
			set[t] = struct{}{}
		}
	}
	return set
}

// ConditionColumns returns the condition column ids in clause order,
// duplicates included.
func (q *StructuredQuery) ConditionColumns() []int {
	cols := make([]int, 0, len(q.Conditions))
	for _, c := range q.Conditions {
		cols = append(cols, c.Column)
	}
	return cols
}

// Query binds a question to its table and, when labeled, its gold SQL.
type Query struct {
	ID       int
	Question string
	Table    *Table
	SQL      *StructuredQuery
}

// Labeled reports whether q carries ground truth.
func (q *Query) Labeled() bool { return q.SQL != nil }

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string { return &s }
