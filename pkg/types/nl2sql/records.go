package nl2sql

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Output artifact
// ─────────────────────────────────────────────────────────────────────────────

// SQLRecord is the per-query JSON artifact shared with downstream scorers.
// Stage 1 writes conds as [col, op]; stage 2 writes [col, op, value].
type SQLRecord struct {
	Sel        []int        `json:"sel"`
	Agg        []int        `json:"agg"`
	CondConnOp int          `json:"cond_conn_op"`
	Conds      []CondRecord `json:"conds"`
}

// CondRecord is one element of SQLRecord.Conds.
type CondRecord struct {
	Column int
	Op     int
	Value  *string
}

// MarshalJSON renders the two- or three-element array form.
func (c CondRecord) MarshalJSON() ([]byte, error) {
	if c.Value == nil {
		return json.Marshal([]any{c.Column, c.Op})
	}
	return json.Marshal([]any{c.Column, c.Op, *c.Value})
}

// UnmarshalJSON accepts [col, op] and [col, op, value]. Numeric values are
// kept in their literal text form.
func (c *CondRecord) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidRecord, "condition is not an array")
	}
	if len(parts) != 2 && len(parts) != 3 {
		return errors.Newf(errors.ErrCodeInvalidRecord, "condition has %d elements, want 2 or 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &c.Column); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidRecord, "condition column")
	}
	if err := json.Unmarshal(parts[1], &c.Op); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidRecord, "condition op")
	}
	c.Value = nil
	if len(parts) == 3 {
		raw := bytes.TrimSpace(parts[2])
		var s string
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &s); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidRecord, "condition value")
			}
		} else {
			s = string(raw)
		}
		c.Value = &s
	}
	return nil
}

// FromStructuredQuery converts the model into its wire form.
func FromStructuredQuery(q StructuredQuery) SQLRecord {
	rec := SQLRecord{
		Sel:        make([]int, 0, len(q.Select)),
		Agg:        make([]int, 0, len(q.Select)),
		CondConnOp: int(q.Connector),
		Conds:      make([]CondRecord, 0, len(q.Conditions)),
	}
	for _, s := range q.Select {
		rec.Sel = append(rec.Sel, s.Column)
		rec.Agg = append(rec.Agg, int(s.Agg))
	}
	for _, c := range q.Conditions {
		cr := CondRecord{Column: c.Column, Op: int(c.Op)}
		if c.Value != nil {
			cr.Value = StringPtr(*c.Value)
		}
		rec.Conds = append(rec.Conds, cr)
	}
	return rec
}

// ToStructuredQuery validates the record and converts it into the model.
func (r SQLRecord) ToStructuredQuery() (*StructuredQuery, error) {
	if len(r.Sel) != len(r.Agg) {
		return nil, errors.Newf(errors.ErrCodeInvalidRecord, "sel has %d entries, agg has %d", len(r.Sel), len(r.Agg))
	}
	conn, err := ParseConnOp(r.CondConnOp)
	if err != nil {
		return nil, err
	}
	q := &StructuredQuery{
		Select:     make([]SelectItem, 0, len(r.Sel)),
		Connector:  conn,
		Conditions: make([]Condition, 0, len(r.Conds)),
	}
	for i, col := range r.Sel {
		agg, err := ParseAggOp(r.Agg[i])
		if err != nil {
			return nil, err
		}
		q.Select = append(q.Select, SelectItem{Column: col, Agg: agg})
	}
	for _, c := range r.Conds {
		op, err := ParseCondOp(c.Op)
		if err != nil {
			return nil, err
		}
		cond := Condition{Column: c.Column, Op: op}
		if c.Value != nil {
			cond.Value = StringPtr(*c.Value)
		}
		q.Conditions = append(q.Conditions, cond)
	}
	return q, nil
}

// WithConditions returns a copy of r whose conds are replaced by triples.
func (r SQLRecord) WithConditions(triples []CondTriple) SQLRecord {
	out := r
	out.Sel = append([]int(nil), r.Sel...)
	out.Agg = append([]int(nil), r.Agg...)
	out.Conds = make([]CondRecord, 0, len(triples))
	for _, t := range triples {
		out.Conds = append(out.Conds, CondRecord{Column: t.Column, Op: int(t.Op), Value: StringPtr(t.Value)})
	}
	return out
}

// Stage names carried by PredictionBatch.
const (
	StageStructure  = "stage1"
	StageConditions = "stage2"
)

// PredictionBatch is one run's output as handed to result sinks. Records[i]
// answers the question whose ID is i.
type PredictionBatch struct {
	RunID     string      `json:"run_id"`
	Stage     string      `json:"stage"`
	CreatedAt time.Time   `json:"created_at"`
	Records   []SQLRecord `json:"records"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Input records
// ─────────────────────────────────────────────────────────────────────────────

// TableRecord is one line of a *.tables.json file.
type TableRecord struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	Title  string   `json:"title,omitempty"`
	Header []string `json:"header"`
	Types  []string `json:"types"`
	Rows   [][]any  `json:"rows"`
}

// ToTable validates and converts the record.
func (r TableRecord) ToTable() (*Table, error) {
	if len(r.Header) != len(r.Types) {
		return nil, errors.Newf(errors.ErrCodeInvalidRecord,
			"table %s has %d header names and %d types", r.ID, len(r.Header), len(r.Types))
	}
	header := make([]Column, len(r.Header))
	for i, name := range r.Header {
		ct, err := ParseColumnType(r.Types[i])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeInvalidRecord, "table %s column %d", r.ID, i)
		}
		header[i] = Column{Name: name, Type: ct}
	}
	return NewTable(r.ID, header, r.Rows)
}

// QuestionRecord is one line of a question file. SQL is absent in test sets.
type QuestionRecord struct {
	TableID  string     `json:"table_id"`
	Question string     `json:"question"`
	SQL      *SQLRecord `json:"sql,omitempty"`
}
