// Package lock serializes work on a single key (a transaction id, a
// provider) without a global mutex.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrNotObtained = errors.New("lock: not obtained")

// Locker hands out exclusive access to a key. The returned release func must
// be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func TransactionKey(id string) string { return "txn:" + id }

func ProviderKey(provider string) string { return "recon:" + provider }

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped when the last holder releases.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Redis uses redislock so that several server instances share the same
// critical sections. Held leases are refreshed every ttl/2 until released,
// so a critical section may outlive the ttl.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	log    logrus.FieldLogger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{client: redislock.New(rdb), ttl: ttl, retry: 50 * time.Millisecond, log: log}
}

// Acquire blocks, retrying until ctx is done. Callers should bound ctx.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	lk, err := r.client.Obtain(ctx, "lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.keepAlive(lk, key, done)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = lk.Release(ctx)
		})
	}, nil
}

func (r *Redis) keepAlive(lk *redislock.Lock, key string, done <-chan struct{}) {
	t := time.NewTicker(r.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/2)
		err := lk.Refresh(ctx, r.ttl, nil)
		cancel()
		switch {
		case errors.Is(err, redislock.ErrNotObtained):
			r.log.WithField("key", key).Error("lock lease lost before release")
			return
		case err != nil:
			r.log.WithField("key", key).WithError(err).Warn("lock refresh failed, retrying")
		}
	}
}
