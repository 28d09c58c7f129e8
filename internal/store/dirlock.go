package store

import (
	"errors"
	"log/slog"
	"os"
	"time"
)

// ErrLockTimeout is returned when the cross-process lock cannot be acquired
// before the configured deadline. Callers surface it as a retryable 503.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

// acquireDirLock takes the cross-process lock by creating a directory, which
// is atomic on every filesystem we care about and degrades gracefully on
// network mounts. Contention is handled by polling with backoff; a lock whose
// mtime is older than stale is assumed abandoned by a dead process and broken.
func acquireDirLock(path string, timeout, stale time.Duration, log *slog.Logger) error {
	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond

	for {
		err := os.Mkdir(path, 0o700)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return err
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if age := time.Since(info.ModTime()); age > stale {
				log.Warn("store: breaking stale lock", "path", path, "age", age)
				if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
					continue
				}
			}
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func releaseDirLock(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("store: release lock", "path", path, "error", err)
	}
}
