package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const lockFileName = ".release.lock"

// ErrLocked is returned when another job keeps the release lock past the
// acquisition timeout.
var ErrLocked = errors.New("release: lock held by another job")

// errLockBusy marks a single failed non-blocking attempt.
var errLockBusy = errors.New("release: lock busy")

// Lock is an exclusive advisory lock on the releases directory.
type Lock struct {
	f     *os.File
	store *Store
}

// Lock acquires the exclusive release lock, retrying with exponential
// backoff for up to timeout. A non-positive timeout makes a single attempt.
func (s *Store) Lock(ctx context.Context, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create releases dir: %w", err)
	}
	path := filepath.Join(s.dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	attempt := func() error {
		err := tryLock(f)
		if err == nil || errors.Is(err, errLockBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	if timeout <= 0 {
		err = attempt()
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second
		bo.MaxElapsedTime = timeout
		err = backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), func(_ error, wait time.Duration) {
			s.logger.Debug("release lock busy", "retry_in", wait)
		})
	}
	if err != nil {
		f.Close()
		if errors.Is(err, errLockBusy) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire release lock: %w", err)
	}
	s.logger.Debug("release lock acquired", "path", path)
	return &Lock{f: f, store: s}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	l.store.logger.Debug("release lock released")
	return err
}
