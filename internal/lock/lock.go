package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/config"
	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/metrics"
)

// ErrLeaseLost is the cause of a held context whose lock expired or was
// taken over while the holder was still working.
var ErrLeaseLost = errors.New("lock lease lost")

// Locker is a non-blocking, single-holder mutex shared across processes.
// TryLock returns appErrors.ErrLockHeld when another holder exists. On
// success the held context is done once the lock is released or can no
// longer be guaranteed; work under the lock must use it. The release func
// is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context) (held context.Context, release func(), err error)
}

// New builds the configured lock for one logical worker.
func New(cfg config.Lock, rdb redis.Cmdable, name string) (Locker, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis lock backend needs a redis client")
		}
		return NewRedisLock(rdb, name, cfg.TTL), nil
	case "file", "":
		dir := cfg.Dir
		if dir == "" {
			dir = os.TempDir()
		}
		return NewFileLock(filepath.Join(dir, fmt.Sprintf("dispatch-%s.lock", name))), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// Run executes fn while holding l, passing it the held context. Contention
// is not an error: it is logged, counted, and Run returns nil without
// calling fn. Losing the lock mid-run returns ErrLeaseLost.
func Run(ctx context.Context, l Locker, worker string, fn func(ctx context.Context) error) error {
	held, release, err := l.TryLock(ctx)
	if errors.Is(err, appErrors.ErrLockHeld) {
		metrics.LockContention.WithLabelValues(worker).Inc()
		logrus.WithField("worker", worker).Info("[LOCK] another instance is running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", worker, err)
	}
	defer release()

	err = fn(held)
	if cause := context.Cause(held); errors.Is(cause, ErrLeaseLost) {
		logrus.WithField("worker", worker).Error("[LOCK] lock lost while working, stopping")
		return fmt.Errorf("%s: %w", worker, ErrLeaseLost)
	}
	return err
}
