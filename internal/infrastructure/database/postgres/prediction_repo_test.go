package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

type PredictionRepoTestSuite struct {
	suite.Suite
	mock sqlmock.Sqlmock
	repo *PredictionRepository
	ctx  context.Context
	at   time.Time
}

func (s *PredictionRepoTestSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = db.Close() })

	s.mock = mock
	s.repo = NewPredictionRepository(NewConnectionWithDB(db, nil), logging.NewNopLogger())
	s.ctx = context.Background()
	s.at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *PredictionRepoTestSuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
}

func (s *PredictionRepoTestSuite) batch() *nl2sql.PredictionBatch {
	return &nl2sql.PredictionBatch{
		RunID:     "8a7f8c52-5c57-4c1c-9f5e-4a4b1a6a2f10",
		Stage:     nl2sql.StageConditions,
		CreatedAt: s.at,
		Records: []nl2sql.SQLRecord{
			{Sel: []int{0}, Agg: []int{0}, Conds: []nl2sql.CondRecord{{Column: 1, Op: 0, Value: nl2sql.StringPtr("2000")}}},
			nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{}),
		},
	}
}

const (
	record0JSON = `{"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[[1,0,"2000"]]}`
	record1JSON = `{"sel":[],"agg":[],"cond_conn_op":0,"conds":[]}`
)

func (s *PredictionRepoTestSuite) TestWriteBatch() {
	b := s.batch()
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta(insertRunSQL)).
		WithArgs(b.RunID, nl2sql.StageConditions, 2, s.at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := s.mock.ExpectPrepare(regexp.QuoteMeta(insertRecSQL))
	prep.ExpectExec().WithArgs(b.RunID, 0, record0JSON).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(b.RunID, 1, record1JSON).WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	assert.Equal(s.T(), "postgres", s.repo.Name())
	assert.NoError(s.T(), s.repo.WriteBatch(s.ctx, b))
}

func (s *PredictionRepoTestSuite) TestWriteBatch_RollsBackOnFailure() {
	b := s.batch()
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta(insertRunSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	prep := s.mock.ExpectPrepare(regexp.QuoteMeta(insertRecSQL))
	prep.ExpectExec().WithArgs(b.RunID, 0, record0JSON).WillReturnError(errors.New("disk full"))
	s.mock.ExpectRollback()

	err := s.repo.WriteBatch(s.ctx, b)
	assert.True(s.T(), pkgerrors.IsCode(err, pkgerrors.ErrCodeDatabaseError))
}

func (s *PredictionRepoTestSuite) TestWriteBatch_DuplicateRun() {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta(insertRunSQL)).WillReturnError(errors.New("duplicate key value"))
	s.mock.ExpectRollback()

	assert.Error(s.T(), s.repo.WriteBatch(s.ctx, s.batch()))
}

func (s *PredictionRepoTestSuite) TestGetRun() {
	b := s.batch()
	s.mock.ExpectQuery(regexp.QuoteMeta(selectRunSQL)).WithArgs(b.RunID).
		WillReturnRows(sqlmock.NewRows([]string{"stage", "record_count", "created_at"}).
			AddRow(nl2sql.StageConditions, 2, s.at))
	s.mock.ExpectQuery(regexp.QuoteMeta(selectRecSQL)).WithArgs(b.RunID).
		WillReturnRows(sqlmock.NewRows([]string{"query_id", "record"}).
			AddRow(0, []byte(record0JSON)).
			AddRow(1, []byte(record1JSON)))

	got, err := s.repo.GetRun(s.ctx, b.RunID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), nl2sql.StageConditions, got.Stage)
	require.Len(s.T(), got.Records, 2)
	assert.Equal(s.T(), "2000", *got.Records[0].Conds[0].Value)
	assert.Empty(s.T(), got.Records[1].Sel)
}

func (s *PredictionRepoTestSuite) TestGetRun_NotFound() {
	s.mock.ExpectQuery(regexp.QuoteMeta(selectRunSQL)).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "record_count", "created_at"}))

	_, err := s.repo.GetRun(s.ctx, "missing")
	assert.True(s.T(), pkgerrors.IsNotFound(err))
}

func (s *PredictionRepoTestSuite) TestGetRun_RecordBeyondCount() {
	s.mock.ExpectQuery(regexp.QuoteMeta(selectRunSQL)).WithArgs("r").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "record_count", "created_at"}).
			AddRow(nl2sql.StageStructure, 1, s.at))
	s.mock.ExpectQuery(regexp.QuoteMeta(selectRecSQL)).WithArgs("r").
		WillReturnRows(sqlmock.NewRows([]string{"query_id", "record"}).AddRow(3, []byte(record1JSON)))

	_, err := s.repo.GetRun(s.ctx, "r")
	assert.True(s.T(), pkgerrors.IsCode(err, pkgerrors.ErrCodeInvalidRecord))
}

func (s *PredictionRepoTestSuite) TestListRuns() {
	s.mock.ExpectQuery(regexp.QuoteMeta(listRunsSQL)).WithArgs("", 20).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "stage", "record_count", "created_at"}).
			AddRow("r2", nl2sql.StageConditions, 10, s.at).
			AddRow("r1", nl2sql.StageStructure, 10, s.at.Add(-time.Hour)))

	runs, err := s.repo.ListRuns(s.ctx, "", 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), runs, 2)
	assert.Equal(s.T(), "r2", runs[0].RunID)
	assert.Equal(s.T(), 10, runs[1].RecordCount)
}

func TestPredictionRepoSuite(t *testing.T) {
	suite.Run(t, new(PredictionRepoTestSuite))
}
