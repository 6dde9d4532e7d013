package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/dispatch-engine/internal/config"
	"github.com/unclebandit/dispatch-engine/internal/lock"
)

func fileLocker(t *testing.T, dir, name string) lock.Locker {
	t.Helper()
	l, err := lock.New(config.Lock{Backend: "file", Dir: dir}, nil, name)
	require.NoError(t, err)
	return l
}

func TestRunWorker_SinglePass(t *testing.T) {
	var calls int32
	err := runWorker(context.Background(), fileLocker(t, t.TempDir(), "jobs"), "jobs", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, false, time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestRunWorker_SinglePassError(t *testing.T) {
	err := runWorker(context.Background(), fileLocker(t, t.TempDir(), "jobs"), "jobs", func(ctx context.Context) error {
		return errors.New("db gone")
	}, false, time.Millisecond)
	assert.EqualError(t, err, "db gone")
}

func TestRunWorker_LoopUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- runWorker(ctx, fileLocker(t, t.TempDir(), "bulk"), "bulk", func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 2 {
				return errors.New("transient")
			}
			return nil
		}, true, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunWorker_ContentionSkipsPass(t *testing.T) {
	dir := t.TempDir()
	holder := fileLocker(t, dir, "automation")
	_, release, err := holder.TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	called := false
	err = runWorker(context.Background(), fileLocker(t, dir, "automation"), "automation", func(ctx context.Context) error {
		called = true
		return nil
	}, false, time.Millisecond)

	assert.NoError(t, err)
	assert.False(t, called)
}

// losingLocker grants the lock and lets the test take it away.
type losingLocker struct {
	lose context.CancelCauseFunc
}

func (l *losingLocker) TryLock(ctx context.Context) (context.Context, func(), error) {
	held, lose := context.WithCancelCause(ctx)
	l.lose = lose
	return held, func() { lose(context.Canceled) }, nil
}

func TestRunWorker_LoopStopsWhenLockIsLost(t *testing.T) {
	l := &losingLocker{}
	var passes int32

	err := runWorker(context.Background(), l, "bulk", func(ctx context.Context) error {
		if atomic.AddInt32(&passes, 1) == 2 {
			l.lose(lock.ErrLeaseLost)
		}
		return nil
	}, true, time.Millisecond)

	assert.ErrorIs(t, err, lock.ErrLeaseLost)
	assert.Equal(t, int32(2), atomic.LoadInt32(&passes))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"automation", "jobs", "bulk", "ingest", "run"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"config", "loop", "interval"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestPollInterval(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workers.PollInterval = time.Minute
	assert.Equal(t, time.Minute, pollInterval(&options{}, cfg))
	assert.Equal(t, time.Second, pollInterval(&options{interval: time.Second}, cfg))
}
