package dataset

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

const tablesJSONL = `{"id":"t1","header":["城市","人口(万)"],"types":["text","real"],"rows":[["北京",2154],["上海",2424.5]]}
{"id":"t2","header":["名称"],"types":["text"],"rows":[]}
`

const questionsJSONL = `{"table_id":"t1","question":"人口大于2000的城市","sql":{"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[[1,0,"2000"]]}}
{"table_id":"missing","question":"孤儿问题"}
{"table_id":"t2","question":"有哪些名称"}
`

func TestLoadTables(t *testing.T) {
	tables, err := LoadTables(strings.NewReader(tablesJSONL), nil)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	t1 := tables["t1"]
	assert.Equal(t, nl2sql.ColumnReal, t1.Header[1].Type)
	assert.Equal(t, []string{"2154", "2424.5"}, t1.ColumnValues(1), "numbers keep their literal precision")
}

func TestLoadTables_SkipsBadRecords(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	in := `{"id":"t1","header":["a","b"],"types":["text","real"],"rows":[["x",1]]}` + "\n" +
		`{"id":"t2","header":["a","b"],"types":["text","real"],"rows":[["x"]]}` + "\n" +
		`{"id":"t3","header":["a"],"types":["date"],"rows":[]}` + "\n" +
		`{"id":"t1","header":["a"],"types":["text"],"rows":[]}` + "\n" +
		`{"id":"t4","header":"a","types":["text"],"rows":[]}` + "\n" +
		`{"id":"t5","header":["a"],"types":["text"],"rows":[]}`

	tables, err := LoadTables(strings.NewReader(in), logging.NewLoggerFromCore(core))
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Len(t, tables["t1"].Header, 2, "first record with a repeated id wins")
	assert.Contains(t, tables, "t5")

	skipped := logs.FilterMessage("skipping table record").All()
	require.Len(t, skipped, 4)
	for _, e := range skipped {
		assert.Equal(t, errors.ErrCodeInvalidRecord.String(), e.ContextMap()["code"])
	}
}

func TestLoadTables_BrokenJSON(t *testing.T) {
	_, err := LoadTables(strings.NewReader(`{"id":`), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidRecord))
}

func TestLoadQueries(t *testing.T) {
	tables, err := LoadTables(strings.NewReader(tablesJSONL), nil)
	require.NoError(t, err)

	queries, err := LoadQueries(strings.NewReader(questionsJSONL), tables, nil)
	require.NoError(t, err)
	require.Len(t, queries, 3)

	for i, q := range queries {
		assert.Equal(t, i, q.ID)
	}
	require.True(t, queries[0].Labeled())
	assert.Equal(t, "2000", *queries[0].SQL.Conditions[0].Value)
	assert.Nil(t, queries[1].Table)
	assert.False(t, queries[2].Labeled())
}

func TestLoadQueries_BadRecordStaysInBatch(t *testing.T) {
	tables, err := LoadTables(strings.NewReader(tablesJSONL), nil)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	in := `{"table_id":"t1","question":"q0","sql":{"sel":[0],"agg":[9],"cond_conn_op":0,"conds":[]}}` + "\n" +
		`{"table_id":"t1","question":["q1"]}` + "\n" +
		`{"table_id":"t1","question":"q2","sql":{"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[]}}`

	queries, err := LoadQueries(strings.NewReader(in), tables, logging.NewLoggerFromCore(core))
	require.NoError(t, err)
	require.Len(t, queries, 3)

	assert.Equal(t, "q0", queries[0].Question)
	assert.NotNil(t, queries[0].Table)
	assert.False(t, queries[0].Labeled())
	assert.Equal(t, 1, queries[1].ID)
	assert.Nil(t, queries[1].Table)
	assert.True(t, queries[2].Labeled())

	assert.Equal(t, 1, logs.FilterMessage("dropping malformed gold sql").Len())
	assert.Equal(t, 1, logs.FilterMessage("question record does not decode").Len())
}

func TestWriteRecords_UnescapedUTF8(t *testing.T) {
	var buf bytes.Buffer
	recs := []nl2sql.SQLRecord{
		{Sel: []int{0}, Agg: []int{0}, Conds: []nl2sql.CondRecord{{Column: 1, Op: 2, Value: nl2sql.StringPtr("北京")}}},
		nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{}),
	}
	require.NoError(t, WriteRecords(&buf, recs))

	assert.Equal(t,
		`{"sel":[0],"agg":[0],"cond_conn_op":0,"conds":[[1,2,"北京"]]}`+"\n"+
			`{"sel":[],"agg":[],"cond_conn_op":0,"conds":[]}`+"\n",
		buf.String())

	back, err := ReadRecords(&buf)
	require.NoError(t, err)
	assert.Equal(t, "北京", *back[0].Conds[0].Value)
}

func TestReadScores(t *testing.T) {
	scores, err := ReadScores(strings.NewReader("0.5\n0.9991\n1\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.9991, 1}, scores)
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryObjects) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[uri]
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, uri)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memoryObjects) Create(_ context.Context, uri string) (io.WriteCloser, error) {
	return &memoryObject{store: m, uri: uri}, nil
}

type memoryObject struct {
	bytes.Buffer
	store *memoryObjects
	uri   string
}

func (o *memoryObject) Close() error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.store.objects[o.uri] = o.Bytes()
	return nil
}

func TestFiles_LocalAndObject(t *testing.T) {
	ctx := context.Background()
	objects := &memoryObjects{objects: map[string][]byte{}}
	files := NewFiles(objects)

	local := filepath.Join(t.TempDir(), "out", "stage1.jsonl")
	require.NoError(t, files.WriteFile(ctx, local, func(w io.Writer) error {
		_, err := io.WriteString(w, "0.5\n")
		return err
	}))
	raw, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "0.5\n", string(raw))

	require.NoError(t, files.WriteFile(ctx, "s3://data/scores.jsonl", func(w io.Writer) error {
		_, err := io.WriteString(w, "0.25\n")
		return err
	}))
	scores, err := ReadFile(ctx, files, "s3://data/scores.jsonl", ReadScores)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25}, scores)

	_, err = files.Open(ctx, filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.True(t, errors.IsNotFound(err))

	_, err = NewFiles(nil).Open(ctx, "s3://data/scores.jsonl")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestArtifactSink(t *testing.T) {
	objects := &memoryObjects{objects: map[string][]byte{}}
	sink := NewArtifactSink(NewFiles(objects), func(stage, runID string) string {
		return "s3://runs/" + stage + "/" + runID + ".jsonl"
	}, nil)

	batch := &nl2sql.PredictionBatch{
		RunID:     "r1",
		Stage:     nl2sql.StageConditions,
		CreatedAt: time.Now(),
		Records:   []nl2sql.SQLRecord{nl2sql.FromStructuredQuery(nl2sql.StructuredQuery{})},
	}
	require.NoError(t, sink.WriteBatch(context.Background(), batch))

	assert.Equal(t, "artifact", sink.Name())
	assert.Equal(t, `{"sel":[],"agg":[],"cond_conn_op":0,"conds":[]}`+"\n",
		string(objects.objects["s3://runs/stage2/r1.jsonl"]))
}
