package candidate

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

func cityTable(t *testing.T) *nl2sql.Table {
	t.Helper()
	tbl, err := nl2sql.NewTable("t1",
		[]nl2sql.Column{{Name: "城市", Type: nl2sql.ColumnText}, {Name: "人口", Type: nl2sql.ColumnReal}},
		[][]any{{"北京", 2424.0}, {"上海", 2487.0}},
	)
	require.NoError(t, err)
	return tbl
}

type countingRecorder struct {
	hits, misses int64
}

func (r *countingRecorder) RecordCacheAccess(_ context.Context, hit bool, _ string) {
	if hit {
		atomic.AddInt64(&r.hits, 1)
	} else {
		atomic.AddInt64(&r.misses, 1)
	}
}

func TestKey_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "t:t1:2", TableKey("t1", 2).String())
	assert.Equal(t, "q:5:t1:2", QueryKey(5, "t1", 2).String())
}

func TestCache_BuildAndGet(t *testing.T) {
	t.Parallel()

	tbl := cityTable(t)
	q := &nl2sql.Query{ID: 0, Question: "北京的人口大于100的城市有哪些", Table: tbl}
	rec := &countingRecorder{}
	c := New(WithMetrics(rec))
	require.NoError(t, c.Build(context.Background(), []*nl2sql.Query{q}))

	text, err := c.Get(context.Background(), q, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"北京"}, text)

	realValues, err := c.Get(context.Background(), q, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"100"}, realValues)

	assert.Equal(t, int64(2), rec.hits)
	assert.Zero(t, rec.misses)
}

func TestCache_RealColumnSingleMatchJoinsQuestionValues(t *testing.T) {
	t.Parallel()

	tbl, err := nl2sql.NewTable("t2",
		[]nl2sql.Column{{Name: "票房", Type: nl2sql.ColumnReal}},
		[][]any{{"3.5亿"}, {"七千万"}},
	)
	require.NoError(t, err)

	// "亿" matches exactly one cell
	q := &nl2sql.Query{ID: 1, Question: "票房超过5亿的电影", Table: tbl}
	got, err := New().Get(context.Background(), q, 0)
	require.NoError(t, err)
	assert.Contains(t, got, "3.5亿")
	assert.Contains(t, got, "5")

	// two matches: question values only
	q2 := &nl2sql.Query{ID: 2, Question: "票房七千万或3.5亿", Table: tbl}
	got, err = New().Get(context.Background(), q2, 0)
	require.NoError(t, err)
	assert.NotContains(t, got, "3.5亿")
	assert.Contains(t, got, "3.5")
}

func TestCache_SharedUnionsAcrossQuestions(t *testing.T) {
	t.Parallel()

	tbl := cityTable(t)
	q1 := &nl2sql.Query{ID: 0, Question: "人口大于300", Table: tbl}
	q2 := &nl2sql.Query{ID: 1, Question: "人口小于60", Table: tbl}

	shared := New(WithShare(true))
	require.NoError(t, shared.Build(context.Background(), []*nl2sql.Query{q1, q2}))
	got, err := shared.Get(context.Background(), q1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"300", "60"}, got)

	private := New()
	require.NoError(t, private.Build(context.Background(), []*nl2sql.Query{q1, q2}))
	got, err = private.Get(context.Background(), q1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"300"}, got)
}

func TestCache_GetComputesOnceOnMiss(t *testing.T) {
	t.Parallel()

	tbl := cityTable(t)
	q := &nl2sql.Query{ID: 0, Question: "人口大于100", Table: tbl}
	rec := &countingRecorder{}
	store := &countingStore{MemoryStore: NewMemoryStore()}
	c := New(WithStore(store), WithMetrics(rec))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), q, 1)
			assert.NoError(t, err)
			assert.Equal(t, []string{"100"}, got)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&store.merges), int64(16))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&store.merges), int64(1))
	assert.Equal(t, int64(16), rec.hits+rec.misses)
}

func TestCache_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	c := New()
	require.NoError(t, c.Build(context.Background(), []*nl2sql.Query{{ID: 0, Question: "x"}, nil}))

	got, err := c.Get(context.Background(), &nl2sql.Query{ID: 0, Question: "x"}, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(context.Background(), &nl2sql.Query{Table: cityTable(t)}, 9)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_StoreErrors(t *testing.T) {
	t.Parallel()

	c := New(WithStore(failingStore{}))
	q := &nl2sql.Query{Question: "人口大于100", Table: cityTable(t)}

	err := c.Build(context.Background(), []*nl2sql.Query{q})
	assert.True(t, errors.IsCode(err, errors.ErrCodeCacheError))

	_, err = c.Get(context.Background(), q, 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCacheError))
}

func TestCache_LockerRechecksStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	q := &nl2sql.Query{Question: "人口大于100", Table: cityTable(t)}
	locker := &fillingLocker{store: store, key: TableKey("t1", 1).String(), values: []string{"42"}}
	c := New(WithShare(true), WithStore(store), WithLocker(locker))

	got, err := c.Get(context.Background(), q, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, got)
	assert.True(t, locker.unlocked)
}

func TestCache_BuildHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Build(ctx, []*nl2sql.Query{{Table: cityTable(t)}})
	assert.ErrorIs(t, err, context.Canceled)
}

// ── fakes ────────────────────────────────────────────────────────────────────

type countingStore struct {
	*MemoryStore
	merges int64
}

func (s *countingStore) Merge(ctx context.Context, key string, values []string) error {
	atomic.AddInt64(&s.merges, 1)
	return s.MemoryStore.Merge(ctx, key, values)
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) ([]string, bool, error) {
	return nil, false, stderrors.New("boom")
}

func (failingStore) Merge(context.Context, string, []string) error { return stderrors.New("boom") }

// fillingLocker simulates another process filling the key while the lock is held.
type fillingLocker struct {
	store    *MemoryStore
	key      string
	values   []string
	unlocked bool
}

func (l *fillingLocker) Lock(ctx context.Context, _ string) (func(context.Context) error, error) {
	if err := l.store.Merge(ctx, l.key, l.values); err != nil {
		return nil, err
	}
	return func(context.Context) error {
		l.unlocked = true
		return nil
	}, nil
}
