// Package candidate computes and caches the candidate condition values of
// every (question, column) pair.
//
// Real columns take the question's numbers, plus the column's matching cell
// when exactly one cell matches. Text columns take matching cells only. With
// sharing enabled the sets are keyed by (table, column) and unioned across all
// questions on that table; otherwise each question keeps its own set.
//
// Build is meant to run once, single-threaded, before concurrent readers call
// Get. A Get on a key Build never saw computes it on demand; concurrent
// callers for the same key share one computation.
package candidate

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/intelligence/valueminer"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// Key addresses one candidate set.
type Key struct {
	QueryID int
	TableID string
	Column  int
	Shared  bool
}

// TableKey is the key used when candidates are shared across questions.
func TableKey(tableID string, col int) Key {
	return Key{TableID: tableID, Column: col, Shared: true}
}

// QueryKey is the key used for per-question candidates.
func QueryKey(queryID int, tableID string, col int) Key {
	return Key{QueryID: queryID, TableID: tableID, Column: col}
}

func (k Key) String() string {
	if k.Shared {
		return fmt.Sprintf("t:%s:%d", k.TableID, k.Column)
	}
	return fmt.Sprintf("q:%d:%s:%d", k.QueryID, k.TableID, k.Column)
}

// AccessRecorder receives cache hit/miss events.
type AccessRecorder interface {
	RecordCacheAccess(ctx context.Context, hit bool, name string)
}

// Locker serializes computation of a key across processes sharing a Store.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(context.Context) error, err error)
}

const metricsName = "candidate"

// Cache is safe for concurrent Get after Build.
type Cache struct {
	share   bool
	text    *valueminer.TextMiner
	column  *valueminer.ColumnMiner
	store   Store
	locker  Locker
	metrics AccessRecorder
	logger  logging.Logger
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithShare keys candidates by (table, column) instead of per question.
func WithShare(share bool) Option { return func(c *Cache) { c.share = share } }

// WithStore replaces the default in-memory store.
func WithStore(s Store) Option {
	return func(c *Cache) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLocker enables cross-process locking around on-demand computation.
func WithLocker(l Locker) Option { return func(c *Cache) { c.locker = l } }

// WithNormalizer applies n to questions and cells before mining.
func WithNormalizer(n valueminer.Normalizer) Option {
	return func(c *Cache) {
		c.text = valueminer.NewTextMiner(valueminer.WithNormalizer(n))
		c.column = valueminer.NewColumnMiner(valueminer.WithNormalizer(n))
	}
}

// WithMetrics records hits and misses.
func WithMetrics(m AccessRecorder) Option { return func(c *Cache) { c.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option { return func(c *Cache) { c.logger = logging.OrNop(l) } }

// New creates a Cache. Without options it is unshared and in-memory.
func New(opts ...Option) *Cache {
	c := &Cache{
		text:   valueminer.NewTextMiner(),
		column: valueminer.NewColumnMiner(),
		store:  NewMemoryStore(),
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Shared reports whether candidates are keyed by table.
func (c *Cache) Shared() bool { return c.share }

// KeyFor returns the key of (q, col) under the cache's sharing mode.
func (c *Cache) KeyFor(q *nl2sql.Query, col int) Key {
	tableID := ""
	if q.Table != nil {
		tableID = q.Table.ID
	}
	if c.share {
		return TableKey(tableID, col)
	}
	return QueryKey(q.ID, tableID, col)
}

// Build computes every (question, column) set and merges it into the store.
// Questions without a table are skipped.
func (c *Cache) Build(ctx context.Context, queries []*nl2sql.Query) error {
	built := 0
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q == nil || q.Table == nil {
			if q != nil {
				c.logger.Warn("skipping question without table", logging.QueryID(q.ID))
			}
			continue
		}
		questionValues := c.text.Extract(q.Question)
		for col := range q.Table.Header {
			values := c.values(q, col, questionValues)
			if err := c.store.Merge(ctx, c.KeyFor(q, col).String(), values); err != nil {
				return errors.Wrapf(err, errors.ErrCodeCacheError, "merge candidates for query %d column %d", q.ID, col)
			}
		}
		built++
	}
	c.logger.Debug("candidate cache built", logging.Count("queries", built), logging.Bool("shared", c.share))
	return nil
}

// Get returns the candidate values of (q, col), sorted. A nil table or an
// out-of-range column yields no values.
func (c *Cache) Get(ctx context.Context, q *nl2sql.Query, col int) ([]string, error) {
	if q == nil || q.Table == nil || col < 0 || col >= q.Table.NumColumns() {
		return nil, nil
	}
	key := c.KeyFor(q, col).String()

	values, ok, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeCacheError, "load candidates %s", key)
	}
	c.record(ctx, ok)
	if ok {
		return values, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fill(ctx, key, q, col)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Cache) fill(ctx context.Context, key string, q *nl2sql.Query, col int) ([]string, error) {
	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, "candidate:"+key)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeCacheError, "lock %s", key)
		}
		defer func() {
			if uerr := unlock(context.Background()); uerr != nil {
				c.logger.Warn("candidate unlock failed", logging.String("key", key), logging.Err(uerr))
			}
		}()
		// another process may have filled it while we waited
		if values, ok, err := c.store.Load(ctx, key); err == nil && ok {
			return values, nil
		}
	}

	values := c.values(q, col, c.text.Extract(q.Question))
	if err := c.store.Merge(ctx, key, values); err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeCacheError, "merge candidates %s", key)
	}
	merged, _, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeCacheError, "load candidates %s", key)
	}
	return merged, nil
}

// values applies the per-type combination rule for one question and column.
func (c *Cache) values(q *nl2sql.Query, col int, questionValues []string) []string {
	column, _ := q.Table.Column(col)
	inColumn := c.column.Extract(q.Table, col, q.Question)
	switch column.Type {
	case nl2sql.ColumnText:
		return inColumn
	case nl2sql.ColumnReal:
		if len(inColumn) == 1 {
			return union(inColumn, questionValues)
		}
		return append([]string(nil), questionValues...)
	default:
		return nil
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func (c *Cache) record(ctx context.Context, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheAccess(ctx, hit, metricsName)
	}
}
