// Package lock provides the single-flight guard that keeps two reconciliation
// runs of the same branch from interleaving.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the key is held by another run and did not free up in time.
var ErrBusy = errors.New("E_BUSY")

// ErrLost is returned by Refresh when the lease expired and the key may have
// been taken by another run.
var ErrLost = errors.New("branch lock lost")

// Lease is a held lock.
type Lease interface {
	// Refresh extends the lease by the locker's ttl
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// BranchKey is the lock key of one branch sync row
func BranchKey(branchSyncID uint64) string {
	return fmt.Sprintf("menusync:branch:%d", branchSyncID)
}

// RedisLocker guards keys across processes with redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker builds a locker on an existing redis client. ttl bounds how long a
// crashed holder can block the key and must cover the longest single replay step,
// as holders refresh between steps; wait is how long Acquire retries before ErrBusy.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, wait: wait}
}

// Acquire obtains key or returns ErrBusy
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	opts := &redislock.Options{}
	if l.wait > 0 {
		step := 50 * time.Millisecond
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(step), int(l.wait/step)+1)
	}

	lk, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lk, ttl: l.ttl}, nil
}

type redisLease struct {
	lock *redislock.Lock
	ttl  time.Duration
}

func (rl *redisLease) Refresh(ctx context.Context) error {
	err := rl.lock.Refresh(ctx, rl.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLost, rl.lock.Key())
	}
	return err
}

func (rl *redisLease) Release(ctx context.Context) error {
	err := rl.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("%w: %s", ErrLost, rl.lock.Key())
	}
	return err
}

// LocalLocker guards keys inside one process. It serves single-instance
// deployments without redis, the CLI and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker returns an in-process locker that waits up to wait for a held key
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), wait: wait}
}

// Acquire obtains key or returns ErrBusy
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	var timeout <-chan time.Time
	if l.wait > 0 {
		t := time.NewTimer(l.wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		l.mu.Lock()
		done, busy := l.held[key]
		if !busy {
			done = make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			return &localLease{owner: l, key: key, done: done}, nil
		}
		l.mu.Unlock()

		if timeout == nil {
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
		select {
		case <-done:
		case <-timeout:
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type localLease struct {
	owner *LocalLocker
	key   string
	done  chan struct{}
	once  sync.Once
}

// Refresh fails once the lease was released; local leases do not expire.
func (ll *localLease) Refresh(context.Context) error {
	select {
	case <-ll.done:
		return fmt.Errorf("%w: %s", ErrLost, ll.key)
	default:
		return nil
	}
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		ll.owner.mu.Lock()
		delete(ll.owner.held, ll.key)
		ll.owner.mu.Unlock()
		close(ll.done)
	})
	return nil
}
