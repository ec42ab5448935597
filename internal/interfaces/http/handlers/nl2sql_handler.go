package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	app "github.com/turtacn/nl2sql-engine/internal/application/nl2sql"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/database/postgres"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/hypothesis"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Predictor runs the two stages and publishes batches. *app.Pipeline
// satisfies it.
type Predictor interface {
	Stage1() app.Stage1Service
	Stage2() app.Stage2Service
	Publish(ctx context.Context, stage string, records []nl2sql.SQLRecord) (*nl2sql.PredictionBatch, error)
}

// RunReader reads persisted prediction runs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*nl2sql.PredictionBatch, error)
	ListRuns(ctx context.Context, stage string, limit int) ([]postgres.RunSummary, error)
}

// NL2SQLHandler serves single-question parsing and its intermediate steps.
type NL2SQLHandler struct {
	predictor   Predictor
	runs        RunReader
	maxBodySize int64
	logger      logging.Logger
}

// NewNL2SQLHandler creates the handler. runs may be nil when no repository
// is configured.
func NewNL2SQLHandler(predictor Predictor, runs RunReader, maxBodySize int64, logger logging.Logger) *NL2SQLHandler {
	return &NL2SQLHandler{
		predictor:   predictor,
		runs:        runs,
		maxBodySize: maxBodySize,
		logger:      logging.OrNop(logger).Named("nl2sql-handler"),
	}
}

// QuestionRequest carries one question and the table it is asked against.
type QuestionRequest struct {
	Table    nl2sql.TableRecord `json:"table"`
	Question string             `json:"question"`
	// Structure is an optional stage-1 record that restricts hypotheses to
	// its condition columns.
	Structure *nl2sql.SQLRecord `json:"structure,omitempty"`
	// Publish sends the parsed record to the configured sinks.
	Publish bool `json:"publish,omitempty"`
}

func (h *NL2SQLHandler) decodeQuery(w http.ResponseWriter, r *http.Request) (*QuestionRequest, *nl2sql.Query, error) {
	var req QuestionRequest
	if err := decodeJSON(w, r, h.maxBodySize, &req); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, nil, errors.New(errors.ErrCodeValidation, "question is required")
	}
	if req.Table.ID == "" {
		return nil, nil, errors.New(errors.ErrCodeValidation, "table.id is required")
	}
	table, err := req.Table.ToTable()
	if err != nil {
		return nil, nil, err
	}
	return &req, &nl2sql.Query{ID: 0, Question: req.Question, Table: table}, nil
}

// ColumnCandidates lists the mined values of one column.
type ColumnCandidates struct {
	Index  int               `json:"index"`
	Name   string            `json:"name"`
	Type   nl2sql.ColumnType `json:"type"`
	Values []string          `json:"values"`
}

// MineResponse is the body of POST /api/v1/mine.
type MineResponse struct {
	TableID string             `json:"table_id"`
	Columns []ColumnCandidates `json:"columns"`
}

// Mine handles POST /api/v1/mine.
func (h *NL2SQLHandler) Mine(w http.ResponseWriter, r *http.Request) {
	_, q, err := h.decodeQuery(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	values, err := h.predictor.Stage2().Candidates(r.Context(), q)
	if err != nil {
		h.fail(w, r, "mine", err)
		return
	}
	resp := MineResponse{TableID: q.Table.ID, Columns: make([]ColumnCandidates, len(values))}
	for i, vs := range values {
		resp.Columns[i] = ColumnCandidates{
			Index:  i,
			Name:   q.Table.Header[i].Name,
			Type:   q.Table.Header[i].Type,
			Values: vs,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HypothesesResponse is the body of POST /api/v1/hypotheses.
type HypothesesResponse struct {
	Hypotheses []hypothesis.ConditionHypothesis `json:"hypotheses"`
}

// Hypotheses handles POST /api/v1/hypotheses.
func (h *NL2SQLHandler) Hypotheses(w http.ResponseWriter, r *http.Request) {
	req, q, err := h.decodeQuery(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var stage1 []nl2sql.SQLRecord
	if req.Structure != nil {
		stage1 = []nl2sql.SQLRecord{*req.Structure}
	}
	hs, err := h.predictor.Stage2().Hypotheses(r.Context(), []*nl2sql.Query{q}, stage1)
	if err != nil {
		h.fail(w, r, "hypotheses", err)
		return
	}
	if hs == nil {
		hs = []hypothesis.ConditionHypothesis{}
	}
	writeJSON(w, http.StatusOK, HypothesesResponse{Hypotheses: hs})
}

// ParseResponse is the body of POST /api/v1/parse.
type ParseResponse struct {
	Structure nl2sql.SQLRecord `json:"structure"`
	SQL       nl2sql.SQLRecord `json:"sql"`
	RunID     string           `json:"run_id,omitempty"`
}

// Parse handles POST /api/v1/parse: both stages for one question.
func (h *NL2SQLHandler) Parse(w http.ResponseWriter, r *http.Request) {
	req, q, err := h.decodeQuery(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	queries := []*nl2sql.Query{q}
	structure, err := h.predictor.Stage1().Predict(r.Context(), queries)
	if err != nil {
		h.fail(w, r, "stage 1", err)
		return
	}
	final, err := h.predictor.Stage2().Predict(r.Context(), queries, structure)
	if err != nil {
		h.fail(w, r, "stage 2", err)
		return
	}

	resp := ParseResponse{Structure: structure[0], SQL: final[0]}
	if req.Publish {
		batch, err := h.predictor.Publish(r.Context(), nl2sql.StageConditions, final)
		if err != nil {
			h.fail(w, r, "publish", err)
			return
		}
		resp.RunID = batch.RunID
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunsResponse is the body of GET /api/v1/runs.
type RunsResponse struct {
	Runs []postgres.RunSummary `json:"runs"`
}

// ListRuns handles GET /api/v1/runs?stage=&limit=.
func (h *NL2SQLHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, errors.New(errors.ErrCodeNotImplemented, "prediction repository is not configured"))
		return
	}
	stage := r.URL.Query().Get("stage")
	switch stage {
	case "", nl2sql.StageStructure, nl2sql.StageConditions:
	default:
		writeError(w, errors.Newf(errors.ErrCodeValidation, "unknown stage %q", stage))
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), stage, parseLimit(r))
	if err != nil {
		h.fail(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []postgres.RunSummary{}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *NL2SQLHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, errors.New(errors.ErrCodeNotImplemented, "prediction repository is not configured"))
		return
	}
	batch, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *NL2SQLHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.IsServerError(errors.GetCode(err)) {
		h.logger.WithContext(r.Context()).Error(op+" failed", logging.Err(err))
	}
	writeError(w, err)
}
