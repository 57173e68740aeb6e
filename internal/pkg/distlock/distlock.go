// Package distlock guards each owner's drive loop with a distributed lock,
// so at most one process drives a given owner's campaign at a time.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking. A lock instance
// belongs to one engine; concurrent engines use separate instances.
type DistLock interface {
	// Acquire tries to take the lock without blocking. Returns true on
	// success.
	Acquire(ctx context.Context) (bool, error)
	// Extend refreshes the lock's TTL. The holder must call it at least
	// once per TTL while its loop runs; an error means the lock is no
	// longer held and the loop must stop.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// ForOwner creates the engine lock for an owner using the best available
// backend: Redis when a client is configured (works across hosts),
// otherwise PostgreSQL advisory locks on the campaign database.
func ForOwner(redisClient *redis.Client, db *sql.DB, ownerID string, ttl time.Duration) DistLock {
	key := "campaign-engine:" + ownerID
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock implements DistLock using pg_try_advisory_lock /
// pg_advisory_unlock. Advisory locks are session-scoped, so the lock lives
// on one dedicated connection pinned out of the pool for the lock's whole
// lifetime; a pooled query would leave the lock on whatever session the
// pool happened to hand out, unreachable for release and silently freed
// when that connection gets recycled.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock whose id is derived
// deterministically from the key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a connection and tries to take the advisory lock on it;
// non-blocking. The connection stays checked out until Release, which keeps
// it exempt from pool recycling.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend verifies the owning session is still alive. Advisory locks have no
// TTL, so liveness of the pinned connection is the whole guarantee: a dead
// session means Postgres already freed the lock.
func (l *PGAdvisoryLock) Extend(ctx context.Context, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errors.New("advisory lock not held")
	}
	return l.conn.PingContext(ctx)
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	cerr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return cerr
}
