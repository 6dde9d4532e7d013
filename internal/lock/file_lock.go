package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

// FileLock is an advisory flock on a well-known path. The kernel drops it
// when the process dies, so a crash never leaves it stuck.
type FileLock struct {
	Path string
}

func NewFileLock(path string) *FileLock {
	return &FileLock{Path: path}
}

// TryLock never loses the lock while the file stays open, so the held
// context only ends on release or when ctx does.
func (l *FileLock) TryLock(ctx context.Context) (context.Context, func(), error) {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil, appErrors.ErrLockHeld
		}
		return nil, nil, fmt.Errorf("flock %s: %w", l.Path, err)
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	held, cancel := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancel()
			if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
				logrus.WithError(err).WithField("path", l.Path).Warn("[LOCK] unlock failed")
			}
			f.Close()
		})
	}, nil
}
