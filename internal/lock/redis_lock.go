package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

// Only the holder of the token may extend or delete the key.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLock is a lease on dispatch:lock:<name> kept alive by a heartbeat
// while held. A dead holder loses the lock once the TTL lapses.
type RedisLock struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
}

func NewRedisLock(rdb redis.Cmdable, name string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLock{rdb: rdb, key: "dispatch:lock:" + name, ttl: ttl}
}

func (l *RedisLock) TryLock(ctx context.Context) (context.Context, func(), error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil, appErrors.ErrLockHeld
	}

	held, lose := context.WithCancelCause(ctx)
	hbCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.heartbeat(hbCtx, token, lose, done)

	var once sync.Once
	return held, func() {
		once.Do(func() {
			stop()
			<-done
			lose(context.Canceled)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.rdb, []string{l.key}, token).Err(); err != nil {
				logrus.WithError(err).WithField("key", l.key).Warn("[LOCK] redis release failed")
			}
		})
	}, nil
}

// heartbeat extends the lease every ttl/3. It cancels the holder with
// ErrLeaseLost when the key is gone or owned by someone else, or when
// refreshes keep failing long enough that the key may expire before the
// next tick.
func (l *RedisLock) heartbeat(ctx context.Context, token string, lose context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			entry := logrus.WithField("key", l.key)
			switch {
			case err == nil && res == 0:
				entry.Error("[LOCK] redis lease lost")
				lose(ErrLeaseLost)
				return
			case err == nil:
				lastRefresh = time.Now()
			case time.Since(lastRefresh)+interval >= l.ttl:
				entry.WithError(err).Error("[LOCK] redis refresh failing, giving up the lease")
				lose(ErrLeaseLost)
				return
			default:
				entry.WithError(err).Warn("[LOCK] redis refresh failed")
			}
		}
	}
}
