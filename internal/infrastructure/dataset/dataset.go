// Package dataset reads and writes the JSON-lines files the engine consumes
// and produces: table records, question records, SQL records, hypotheses and
// scores. Paths may be local or s3:// object URIs.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

func newDecoder(r io.Reader) *json.Decoder {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	return dec
}

// ReadJSONL decodes every value of a JSON-lines stream.
func ReadJSONL[T any](r io.Reader) ([]T, error) {
	dec := newDecoder(r)
	var out []T
	for i := 0; ; i++ {
		var v T
		err := dec.Decode(&v)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			if errors.GetCode(err) != errors.CodeUnknown {
				return nil, errors.Wrapf(err, errors.CodeUnknown, "record %d", i)
			}
			return nil, errors.Wrapf(err, errors.ErrCodeInvalidRecord, "record %d", i)
		}
		out = append(out, v)
	}
}

// WriteJSONL encodes one value per line, leaving non-ASCII text unescaped.
func WriteJSONL[T any](w io.Writer, items []T) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range items {
		if err := enc.Encode(items[i]); err != nil {
			return errors.Wrapf(err, errors.ErrCodeSerialization, "record %d", i)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "flush records")
	}
	return nil
}

// eachRecord decodes a JSON-lines stream one value at a time. A value that is
// well-formed JSON but does not fit T is handed to fn with its error so the
// caller can skip it. Broken JSON ends the stream with an error.
func eachRecord[T any](r io.Reader, fn func(i int, v T, err error)) error {
	dec := newDecoder(r)
	for i := 0; ; i++ {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrCodeInvalidRecord, "record %d", i)
		}
		var v T
		rd := json.NewDecoder(bytes.NewReader(raw))
		rd.UseNumber()
		if err := rd.Decode(&v); err != nil {
			fn(i, v, errors.Wrapf(err, errors.ErrCodeInvalidRecord, "record %d", i))
			continue
		}
		fn(i, v, nil)
	}
}

// LoadTables reads table records keyed by id. A malformed record is logged
// and skipped, leaving questions on that table without one.
func LoadTables(r io.Reader, log logging.Logger) (map[string]*nl2sql.Table, error) {
	log = logging.OrNop(log)
	tables := make(map[string]*nl2sql.Table)
	skipped := 0
	skip := func(i int, id string, err error) {
		skipped++
		log.Warn("skipping table record", logging.Int("record", i), logging.TableID(id),
			logging.String("code", errors.ErrCodeInvalidRecord.String()), logging.Err(err))
	}
	err := eachRecord(r, func(i int, rec nl2sql.TableRecord, err error) {
		if err != nil {
			skip(i, rec.ID, err)
			return
		}
		if _, dup := tables[rec.ID]; dup {
			skip(i, rec.ID, errors.Newf(errors.ErrCodeInvalidRecord, "repeats id %q", rec.ID))
			return
		}
		tbl, err := rec.ToTable()
		if err != nil {
			skip(i, rec.ID, err)
			return
		}
		tables[rec.ID] = tbl
	})
	if err != nil {
		return nil, err
	}
	log.Info("tables loaded", logging.Count("tables", len(tables)), logging.Count("skipped", skipped))
	return tables, nil
}

// LoadQueries reads question records and binds them to tables. Query ids are
// line positions. A question naming an unknown table keeps a nil Table and
// is skipped downstream. A malformed gold query is logged and dropped, so the
// question stays in the batch unlabeled.
func LoadQueries(r io.Reader, tables map[string]*nl2sql.Table, log logging.Logger) ([]*nl2sql.Query, error) {
	log = logging.OrNop(log)
	var queries []*nl2sql.Query
	unknown, badSQL := 0, 0
	err := eachRecord(r, func(i int, rec nl2sql.QuestionRecord, err error) {
		if err != nil {
			log.Warn("question record does not decode",
				logging.QueryID(i), logging.String("code", errors.ErrCodeInvalidRecord.String()), logging.Err(err))
			queries = append(queries, &nl2sql.Query{ID: i})
			return
		}
		q := &nl2sql.Query{ID: i, Question: rec.Question, Table: tables[rec.TableID]}
		if q.Table == nil {
			unknown++
			log.Warn("question references an unknown table",
				logging.QueryID(i), logging.TableID(rec.TableID),
				logging.String("code", errors.ErrCodeUnknownTable.String()))
		}
		if rec.SQL != nil {
			sql, err := rec.SQL.ToStructuredQuery()
			if err != nil {
				badSQL++
				log.Warn("dropping malformed gold sql",
					logging.QueryID(i), logging.String("code", errors.ErrCodeInvalidRecord.String()), logging.Err(err))
			} else {
				q.SQL = sql
			}
		}
		queries = append(queries, q)
	})
	if err != nil {
		return nil, err
	}
	log.Info("questions loaded", logging.Count("questions", len(queries)),
		logging.Count("unknown_tables", unknown), logging.Count("bad_sql", badSQL))
	return queries, nil
}

// WriteRecords writes one SQL record per line.
func WriteRecords(w io.Writer, records []nl2sql.SQLRecord) error {
	return WriteJSONL(w, records)
}

// ReadRecords reads SQL records, accepting both condition forms.
func ReadRecords(r io.Reader) ([]nl2sql.SQLRecord, error) {
	return ReadJSONL[nl2sql.SQLRecord](r)
}

// ReadScores reads one probability per line.
func ReadScores(r io.Reader) ([]float64, error) {
	return ReadJSONL[float64](r)
}
