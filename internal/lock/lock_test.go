package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/dispatch-engine/internal/config"
	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

func TestFileLock_SecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch-jobs.lock")
	first := NewFileLock(path)
	second := NewFileLock(path)

	_, release, err := first.TryLock(context.Background())
	require.NoError(t, err)

	_, _, err = second.TryLock(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrLockHeld)

	release()
	release()

	_, again, err := second.TryLock(context.Background())
	require.NoError(t, err)
	again()
}

func TestRun_OnlyOneConcurrentInvocationWorks(t *testing.T) {
	l := NewFileLock(filepath.Join(t.TempDir(), "dispatch-bulk.lock"))

	var worked int32
	entered := make(chan struct{})
	finish := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := Run(context.Background(), l, "bulk", func(ctx context.Context) error {
			atomic.AddInt32(&worked, 1)
			close(entered)
			<-finish
			return nil
		})
		assert.NoError(t, err)
	}()

	<-entered
	err := Run(context.Background(), l, "bulk", func(ctx context.Context) error {
		atomic.AddInt32(&worked, 1)
		return nil
	})
	assert.NoError(t, err)
	close(finish)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&worked))
}

func TestNew_SelectsBackend(t *testing.T) {
	dir := t.TempDir()
	l, err := New(config.Lock{Backend: "file", Dir: dir, TTL: time.Minute}, nil, "automation")
	require.NoError(t, err)
	fl, ok := l.(*FileLock)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "dispatch-automation.lock"), fl.Path)

	_, err = New(config.Lock{Backend: "redis", TTL: time.Minute}, nil, "automation")
	assert.Error(t, err)

	_, err = New(config.Lock{Backend: "etcd"}, nil, "automation")
	assert.Error(t, err)
}

// Needs a reachable Redis; set DISPATCH_TEST_REDIS_ADDR to run.
func TestRedisLock_Contention(t *testing.T) {
	addr := os.Getenv("DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	name := "test-" + t.Name()
	first := NewRedisLock(rdb, name, 3*time.Second)
	second := NewRedisLock(rdb, name, 3*time.Second)

	_, release, err := first.TryLock(context.Background())
	require.NoError(t, err)

	_, _, err = second.TryLock(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrLockHeld)

	release()

	_, again, err := second.TryLock(context.Background())
	require.NoError(t, err)
	again()
}

// scriptedRedis answers SETNX and the refresh/release scripts without a
// server. Any other command panics through the nil embedded Cmdable.
type scriptedRedis struct {
	redis.Cmdable

	mu        sync.Mutex
	refreshes int
	result    int64
	err       error
}

func (r *scriptedRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (r *scriptedRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return r.answer()
}

func (r *scriptedRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return r.answer()
}

func (r *scriptedRedis) answer() *redis.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return redis.NewCmdResult(r.result, r.err)
}

func TestRedisLock_HeldContextEndsWhenLeaseIsTaken(t *testing.T) {
	rdb := &scriptedRedis{result: 0}
	held, release, err := NewRedisLock(rdb, "bulk", 30*time.Millisecond).TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("held context survived a lost lease")
	}
	assert.ErrorIs(t, context.Cause(held), ErrLeaseLost)
}

func TestRedisLock_GivesUpWhenRefreshKeepsFailing(t *testing.T) {
	rdb := &scriptedRedis{err: errors.New("dial tcp: connection refused")}
	held, release, err := NewRedisLock(rdb, "jobs", 30*time.Millisecond).TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	select {
	case <-held.Done():
	case <-time.After(time.Second):
		t.Fatal("held context survived an unrefreshable lease")
	}
	assert.ErrorIs(t, context.Cause(held), ErrLeaseLost)
}

func TestRedisLock_RefreshedLeaseStaysHeld(t *testing.T) {
	rdb := &scriptedRedis{result: 1}
	held, release, err := NewRedisLock(rdb, "automation", 30*time.Millisecond).TryLock(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, held.Err())

	release()
	assert.Error(t, held.Err())
	assert.NotErrorIs(t, context.Cause(held), ErrLeaseLost)

	rdb.mu.Lock()
	defer rdb.mu.Unlock()
	assert.Greater(t, rdb.refreshes, 1)
}

func TestRun_ReportsLostLease(t *testing.T) {
	rdb := &scriptedRedis{result: 0}
	l := NewRedisLock(rdb, "bulk", 30*time.Millisecond)

	err := Run(context.Background(), l, "bulk", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
			return errors.New("work was not interrupted")
		}
	})
	assert.ErrorIs(t, err, ErrLeaseLost)
}
