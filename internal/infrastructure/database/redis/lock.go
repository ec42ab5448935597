package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/nl2sql-engine/internal/intelligence/candidate"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

var (
	ErrLockNotAcquired = errors.New(errors.ErrCodeTimeout, "failed to acquire lock")
	ErrLockNotHeld     = errors.New(errors.ErrCodeCacheError, "lock not held by this owner")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// LockOption configures a Mutex.
type LockOption func(*Mutex)

// WithLockTTL bounds how long a crashed holder can block others.
func WithLockTTL(ttl time.Duration) LockOption {
	return func(m *Mutex) { m.ttl = ttl }
}

// WithRetryDelay sets the pause between acquisition attempts.
func WithRetryDelay(delay time.Duration) LockOption {
	return func(m *Mutex) { m.retryDelay = delay }
}

// WithRetryCount sets the number of acquisition attempts.
func WithRetryCount(count int) LockOption {
	return func(m *Mutex) { m.retryCount = count }
}

// Mutex is a SET NX PX lock keyed by name. Every acquisition gets a fresh
// owner token, so one Mutex can guard many names at once.
type Mutex struct {
	client     *Client
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	retryCount int
}

// NewMutex creates a Mutex.
func NewMutex(client *Client, opts ...LockOption) *Mutex {
	m := &Mutex{
		client:     client,
		prefix:     client.config.KeyPrefix + "lock:",
		ttl:        client.config.LockTTL,
		retryDelay: 100 * time.Millisecond,
		retryCount: 300,
	}
	if m.ttl <= 0 {
		m.ttl = 30 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lock implements candidate.Locker.
func (m *Mutex) Lock(ctx context.Context, name string) (func(context.Context) error, error) {
	if m.client.isClosed() {
		return nil, ErrClientClosed
	}
	key := m.prefix + name
	token := uuid.NewString()

	for i := 0; i < m.retryCount; i++ {
		ok, err := m.client.rdb.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil && err != redis.Nil {
			return nil, errors.Wrap(err, errors.ErrCodeCacheError, "failed to set lock")
		}
		if ok {
			return func(ctx context.Context) error { return m.unlock(ctx, key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
	return nil, ErrLockNotAcquired.WithDetail(name)
}

func (m *Mutex) unlock(ctx context.Context, key, token string) error {
	res, err := unlockScript.Run(ctx, m.client.rdb, []string{key}, token).Int64()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to release lock")
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

var _ candidate.Locker = (*Mutex)(nil)
