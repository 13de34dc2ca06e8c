package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/invoicing/internal/shared"
)

// Locker serialises mutations of a single PO. Different POs never contend.
type Locker interface {
	Lock(ctx context.Context, poID int64) (func(), error)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[int64]*poLock
}

type poLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[int64]*poLock)}
}

// Lock blocks until the PO is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, poID int64) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[poID]
	if !ok {
		entry = &poLock{sem: make(chan struct{}, 1)}
		l.locks[poID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(poID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(poID, entry)
		})
	}, nil
}

func (l *LocalLocker) release(poID int64, entry *poLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, poID)
	}
}

// ErrLockNotAcquired is returned when a distributed lock could not be taken in time.
var ErrLockNotAcquired = errors.New("invoicing: purchase order lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises PO mutations across processes with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker constructs a Redis backed locker. ttl bounds how long a
// crashed holder can block the PO.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 25 * time.Millisecond}
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, poID int64) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("invoicing: redis locker not configured")
	}
	key := shared.POInvoiceLockKey(poID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("invoicing: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
