package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ErrRunNotFound is returned when a run id has no stored batch.
var ErrRunNotFound = errors.New(errors.ErrCodeNotFound, "prediction run not found")

const (
	insertRunSQL = `INSERT INTO prediction_runs (run_id, stage, record_count, created_at) VALUES ($1, $2, $3, $4)`
	insertRecSQL = `INSERT INTO predictions (run_id, query_id, record) VALUES ($1, $2, $3)`
	selectRunSQL = `SELECT stage, record_count, created_at FROM prediction_runs WHERE run_id = $1`
	selectRecSQL = `SELECT query_id, record FROM predictions WHERE run_id = $1 ORDER BY query_id`
	listRunsSQL  = `SELECT run_id, stage, record_count, created_at FROM prediction_runs WHERE ($1 = '' OR stage = $1) ORDER BY created_at DESC LIMIT $2`
)

// RunSummary describes one stored run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// PredictionRepository persists prediction batches, one row per query.
type PredictionRepository struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPredictionRepository creates a repository over conn.
func NewPredictionRepository(conn *Connection, log logging.Logger) *PredictionRepository {
	return &PredictionRepository{db: conn.DB(), logger: logging.OrNop(log)}
}

// Name implements the result sink contract.
func (r *PredictionRepository) Name() string { return "postgres" }

// WriteBatch stores batch in a single transaction.
func (r *PredictionRepository) WriteBatch(ctx context.Context, batch *nl2sql.PredictionBatch) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, insertRunSQL, batch.RunID, batch.Stage, len(batch.Records), batch.CreatedAt); err != nil {
		return errors.Wrapf(err, errors.ErrCodeDatabaseError, "insert run %s", batch.RunID)
	}

	stmt, err := tx.PrepareContext(ctx, insertRecSQL)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "prepare record insert")
	}
	defer stmt.Close()

	for i := range batch.Records {
		data, merr := json.Marshal(batch.Records[i])
		if merr != nil {
			err = errors.Wrapf(merr, errors.ErrCodeSerialization, "record %d", i)
			return err
		}
		if _, err = stmt.ExecContext(ctx, batch.RunID, i, string(data)); err != nil {
			return errors.Wrapf(err, errors.ErrCodeDatabaseError, "insert record %d", i)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "commit run")
	}
	r.logger.Info("Prediction run stored",
		logging.String("run_id", batch.RunID),
		logging.Stage(batch.Stage),
		logging.Count("records", len(batch.Records)))
	return nil
}

// GetRun loads a stored batch. Records[i] is the record for query i.
func (r *PredictionRepository) GetRun(ctx context.Context, runID string) (*nl2sql.PredictionBatch, error) {
	batch := &nl2sql.PredictionBatch{RunID: runID}
	var count int
	err := r.db.QueryRowContext(ctx, selectRunSQL, runID).Scan(&batch.Stage, &count, &batch.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound.WithDetail(runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeDatabaseError, "select run %s", runID)
	}

	rows, err := r.db.QueryContext(ctx, selectRecSQL, runID)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeDatabaseError, "select records of %s", runID)
	}
	defer rows.Close()

	batch.Records = make([]nl2sql.SQLRecord, count)
	for rows.Next() {
		var (
			queryID int
			raw     []byte
		)
		if err := rows.Scan(&queryID, &raw); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "scan record")
		}
		if queryID < 0 || queryID >= count {
			return nil, errors.Newf(errors.ErrCodeInvalidRecord, "run %s has record %d beyond its count %d", runID, queryID, count)
		}
		if err := json.Unmarshal(raw, &batch.Records[queryID]); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeInvalidRecord, "run %s record %d", runID, queryID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "iterate records")
	}
	return batch, nil
}

// ListRuns returns the newest runs, optionally of one stage.
func (r *PredictionRepository) ListRuns(ctx context.Context, stage string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, listRunsSQL, stage, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "list runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.Stage, &s.RecordCount, &s.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "scan run")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "iterate runs")
	}
	return out, nil
}
