package cache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// ErrLocked means another process holds a fresh lock on the cache.
var ErrLocked = errors.Base("cache locked by another instance")

// acquireLock atomically creates lockPath. A lock whose mtime is older than
// timeout is considered abandoned: it is broken and creation retried once.
//
// Lock content is "hostname pid timestamp" for debugging.
func acquireLock(ctx context.Context, lockPath string, timeout time.Duration) (release func(), err error) {
	logger := zerolog.Ctx(ctx)

	err = tryCreateLock(lockPath)
	if err == nil {
		return func() { removeLock(ctx, lockPath) }, nil
	}
	if !os.IsExist(err) {
		return nil, errors.Errorf("lock error: %w", err)
	}

	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		return nil, errors.Errorf("cannot stat lock %s: %w", lockPath, statErr)
	}
	if age := time.Since(info.ModTime()); age < timeout {
		return nil, errors.Errorf("%w: %s (%s, mtime %s)",
			ErrLocked, lockPath, readOwner(lockPath), info.ModTime().Format(time.RFC3339))
	}

	logger.Warn().Str("lock", lockPath).Dur("age", time.Since(info.ModTime()).Round(time.Second)).
		Msg("breaking stale lock")
	_ = os.Remove(lockPath)

	if err := tryCreateLock(lockPath); err != nil {
		return nil, errors.Errorf("lock retry failed: %w", err)
	}
	return func() { removeLock(ctx, lockPath) }, nil
}

func tryCreateLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, lockOwner()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// lockOwner identifies this process in a lock file.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s %d %s", host, os.Getpid(), time.Now().Format(time.RFC3339))
}

// touchLock keeps a long-running holder's lock from looking stale.
func touchLock(lockPath string) error {
	now := time.Now()
	return os.Chtimes(lockPath, now, now)
}

func readOwner(lockPath string) string {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return "owner unknown"
	}
	return strings.TrimSpace(string(b))
}

func removeLock(ctx context.Context, lockPath string) {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("lock", lockPath).Msg("could not remove lock")
	}
}
