package redis

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/candidate"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// presenceMember is always added so that a computed empty candidate set is
// still distinguishable from a missing key.
const presenceMember = ""

// CandidateStore keeps each candidate set in a Redis SET. Merge is SADD, so
// concurrent workers union their values.
type CandidateStore struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// StoreOption configures a CandidateStore.
type StoreOption func(*CandidateStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) StoreOption {
	return func(s *CandidateStore) { s.prefix = prefix }
}

// WithTTL expires candidate sets after ttl. Zero keeps them.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *CandidateStore) { s.ttl = ttl }
}

// NewCandidateStore creates a store using the client's prefix and TTL.
func NewCandidateStore(client *Client, opts ...StoreOption) *CandidateStore {
	s := &CandidateStore{
		client: client,
		prefix: client.config.KeyPrefix + "cand:",
		ttl:    client.config.CandidateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CandidateStore) key(k string) string { return s.prefix + k }

// Load implements candidate.Store.
func (s *CandidateStore) Load(ctx context.Context, key string) ([]string, bool, error) {
	if s.client.isClosed() {
		return nil, false, ErrClientClosed
	}
	members, err := s.client.rdb.SMembers(ctx, s.key(key)).Result()
	if err != nil && err != redis.Nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeCacheError, "smembers")
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	out := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m != presenceMember {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, true, nil
}

// Merge implements candidate.Store.
func (s *CandidateStore) Merge(ctx context.Context, key string, values []string) error {
	if s.client.isClosed() {
		return ErrClientClosed
	}
	members := make([]interface{}, 0, len(values)+1)
	members = append(members, presenceMember)
	for _, v := range values {
		members = append(members, v)
	}

	k := s.key(key)
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, k, members...)
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "sadd")
	}
	return nil
}

var _ candidate.Store = (*CandidateStore)(nil)
