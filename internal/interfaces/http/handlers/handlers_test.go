package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	app "github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/common"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/labelcodec"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/tokenizer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

const question = "人口大于2000的城市有哪些"

var cityTable = nl2sql.TableRecord{
	ID:     "t1",
	Header: []string{"城市", "人口"},
	Types:  []string{"text", "real"},
	Rows:   [][]any{{"北京", 2154.0}, {"上海", 2424.0}},
}

func newTokenizer(t *testing.T) *tokenizer.CharTokenizer {
	t.Helper()
	tokens := []string{
		tokenizer.TokenPAD, tokenizer.TokenUNK, tokenizer.TokenCLS, tokenizer.TokenSEP,
		tokenizer.TokenSpace, tokenizer.TokenTextColumn, tokenizer.TokenRealColumn,
	}
	seen := map[rune]bool{}
	for _, r := range question + "城市人口大于小于是北京上海0123456789" {
		if !seen[r] {
			seen[r] = true
			tokens = append(tokens, string(r))
		}
	}
	v, err := tokenizer.NewVocab(tokens)
	require.NoError(t, err)
	return tokenizer.NewCharTokenizer(v)
}

// newScorer selects column 0, proposes a ">" condition on column 1 and
// accepts only the first hypothesis of each batch.
func newScorer() *common.MockScorer {
	return &common.MockScorer{
		StructureFunc: func(_ context.Context, batch []tokenizer.EncodedQuery) ([]labelcodec.ModelOutput, error) {
			outs := make([]labelcodec.ModelOutput, len(batch))
			for i, q := range batch {
				outs[i] = common.FirstColumnOutput(q.HeaderLen())
				if q.HeaderLen() > 1 {
					outs[i].CondOpProbs[1] = []float64{1, 0, 0, 0, 0}
				}
			}
			return outs, nil
		},
		PairFunc: func(_ context.Context, batch []tokenizer.EncodedPair) ([]float64, error) {
			out := make([]float64, len(batch))
			if len(out) > 0 {
				out[0] = 0.999
			}
			return out, nil
		},
	}
}

type fakeRuns struct {
	runs []postgres.RunSummary
	err  error
	args []interface{}
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*nl2sql.PredictionBatch, error) {
	f.args = []interface{}{runID}
	if f.err != nil {
		return nil, f.err
	}
	return &nl2sql.PredictionBatch{RunID: runID, Stage: nl2sql.StageConditions, Records: []nl2sql.SQLRecord{}}, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, stage string, limit int) ([]postgres.RunSummary, error) {
	f.args = []interface{}{stage, limit}
	return f.runs, f.err
}

type NL2SQLHandlerTestSuite struct {
	suite.Suite
	runs   *fakeRuns
	router chi.Router
}

func (s *NL2SQLHandlerTestSuite) SetupTest() {
	tok := newTokenizer(s.T())
	scorer := newScorer()
	s1, err := app.NewStage1Service(app.Stage1Deps{Tokenizer: tok, Scorer: scorer})
	s.Require().NoError(err)
	s2, err := app.NewStage2Service(app.Stage2Deps{Tokenizer: tok, Scorer: scorer})
	s.Require().NoError(err)
	p, err := app.NewPipeline(app.PipelineDeps{Stage1: s1, Stage2: s2})
	s.Require().NoError(err)

	s.runs = &fakeRuns{}
	h := NewNL2SQLHandler(p, s.runs, 0, nil)
	r := chi.NewRouter()
	r.Post("/mine", h.Mine)
	r.Post("/hypotheses", h.Hypotheses)
	r.Post("/parse", h.Parse)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
	s.router = r
}

func (s *NL2SQLHandlerTestSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			s.Require().NoError(json.NewEncoder(&buf).Encode(body))
		}
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (s *NL2SQLHandlerTestSuite) TestMine() {
	rec := s.do(http.MethodPost, "/mine", QuestionRequest{Table: cityTable, Question: question})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp MineResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("t1", resp.TableID)
	s.Require().Len(resp.Columns, 2)
	s.Equal([]string{}, resp.Columns[0].Values)
	s.Equal(nl2sql.ColumnReal, resp.Columns[1].Type)
	s.Equal([]string{"2000"}, resp.Columns[1].Values)
}

func (s *NL2SQLHandlerTestSuite) TestMine_BadRequests() {
	tests := []struct {
		name   string
		body   interface{}
		status int
		code   errors.ErrorCode
	}{
		{"malformed json", `{"question":`, http.StatusBadRequest, errors.ErrCodeBadRequest},
		{"trailing document", `{"question":"q","table":{"id":"t"}} {}`, http.StatusBadRequest, errors.ErrCodeBadRequest},
		{"missing question", QuestionRequest{Table: cityTable}, http.StatusUnprocessableEntity, errors.ErrCodeValidation},
		{"missing table", QuestionRequest{Question: question}, http.StatusUnprocessableEntity, errors.ErrCodeValidation},
		{"bad column type", QuestionRequest{Question: question, Table: nl2sql.TableRecord{
			ID: "t", Header: []string{"a"}, Types: []string{"date"},
		}}, http.StatusBadRequest, errors.ErrCodeInvalidRecord},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.do(http.MethodPost, "/mine", tt.body)
			s.Equal(tt.status, rec.Code)
			var resp ErrorResponse
			s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
			s.Equal(tt.code.String(), resp.Code)
		})
	}
}

func (s *NL2SQLHandlerTestSuite) TestHypotheses() {
	rec := s.do(http.MethodPost, "/hypotheses", QuestionRequest{Table: cityTable, Question: question})
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp struct {
		Hypotheses []struct {
			Text string `json:"text"`
		} `json:"hypotheses"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	texts := make([]string, len(resp.Hypotheses))
	for i, h := range resp.Hypotheses {
		texts[i] = h.Text
	}
	s.Equal([]string{"人口大于2000", "人口小于2000", "人口是2000"}, texts)
}

func (s *NL2SQLHandlerTestSuite) TestHypotheses_StructureWithoutConditions() {
	structure := nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{Select: []nl2sql.SelectItem{{Column: 0}}})
	rec := s.do(http.MethodPost, "/hypotheses", QuestionRequest{Table: cityTable, Question: question, Structure: &structure})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"hypotheses":[]}`, rec.Body.String())
}

func (s *NL2SQLHandlerTestSuite) TestParse() {
	rec := s.do(http.MethodPost, "/parse", QuestionRequest{Table: cityTable, Question: question})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.JSONEq(`{
		"structure": {"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[[1,0]]},
		"sql": {"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[[1,0,"2000"]]}
	}`, rec.Body.String())
}

func (s *NL2SQLHandlerTestSuite) TestParse_Publish() {
	rec := s.do(http.MethodPost, "/parse", QuestionRequest{Table: cityTable, Question: question, Publish: true})
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp ParseResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.NotEmpty(resp.RunID)
}

func (s *NL2SQLHandlerTestSuite) TestListRuns() {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.runs.runs = []postgres.RunSummary{{RunID: "r1", Stage: nl2sql.StageConditions, RecordCount: 3, CreatedAt: created}}

	rec := s.do(http.MethodGet, "/runs?stage=stage2&limit=5", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal([]interface{}{"stage2", 5}, s.runs.args)
	s.JSONEq(`{"runs":[{"run_id":"r1","stage":"stage2","record_count":3,"created_at":"2024-05-01T08:00:00Z"}]}`, rec.Body.String())

	rec = s.do(http.MethodGet, "/runs?limit=1000", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal([]interface{}{"", 20}, s.runs.args)

	rec = s.do(http.MethodGet, "/runs?stage=stage9", nil)
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
}

func (s *NL2SQLHandlerTestSuite) TestGetRun() {
	rec := s.do(http.MethodGet, "/runs/abc", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal([]interface{}{"abc"}, s.runs.args)

	s.runs.err = errors.New(errors.ErrCodeNotFound, "run abc not found")
	rec = s.do(http.MethodGet, "/runs/abc", nil)
	s.Equal(http.StatusNotFound, rec.Code)

	s.runs.err = errors.New(errors.ErrCodeDatabaseError, "connection reset")
	rec = s.do(http.MethodGet, "/runs/abc", nil)
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.NotContains(rec.Body.String(), "connection reset")
}

func TestNL2SQLHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(NL2SQLHandlerTestSuite))
}

func TestRunsNotConfigured(t *testing.T) {
	h := NewNL2SQLHandler(nil, nil, 0, nil)
	rec := httptest.NewRecorder()
	h.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler("v1.2.3", nil)
	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Equal(t, "v1.2.3", resp.Version)
}

func TestHealthHandler_Readiness(t *testing.T) {
	reported := map[string]bool{}
	var mu sync.Mutex
	report := func(component string, up bool) {
		mu.Lock()
		defer mu.Unlock()
		reported[component] = up
	}

	healthy := CheckFunc{Component: "redis", Fn: func(context.Context) error { return nil }}
	broken := CheckFunc{Component: "scorer", Fn: func(context.Context) error {
		return errors.New(errors.ErrCodeServiceUnavailable, "scorer down")
	}}

	h := NewHealthHandler("v1", []HealthChecker{healthy}, WithHealthReporter(report))
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewHealthHandler("v1", []HealthChecker{healthy, broken}, WithHealthReporter(report), WithCheckTimeout(time.Second))
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "healthy", resp.Components["redis"].Status)
	assert.Contains(t, resp.Components["scorer"].Error, "scorer down")
	assert.Equal(t, map[string]bool{"redis": true, "scorer": false}, reported)
}

func TestHealthHandler_ReadinessWithoutCheckers(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler("v1", nil).Readiness(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}
