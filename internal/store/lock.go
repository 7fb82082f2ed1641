package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// lockInfo represents lock file contents.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// acquireLock takes the advisory per-project lock. A lock held by a live
// process within the TTL blocks acquisition; stale locks are reclaimed.
func (s *Store) acquireLock() error {
	dir := filepath.Dir(s.lockPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.ErrPersistenceIO(core.CodeLockUnavailable, fmt.Sprintf("creating lock directory: %v", err))
	}

	if data, err := os.ReadFile(s.lockPath); err == nil {
		var info lockInfo
		if err := json.Unmarshal(data, &info); err == nil {
			if time.Since(info.AcquiredAt) < s.lockTTL && processExists(info.PID) {
				return core.ErrPersistenceIO(core.CodeLockUnavailable,
					fmt.Sprintf("lock held by PID %d since %s", info.PID, info.AcquiredAt.Format(time.RFC3339)))
			}
		}
		// Stale or unreadable lock, reclaim it.
		os.Remove(s.lockPath)
	}

	hostname, _ := os.Hostname()
	info := lockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return core.ErrPersistenceIO(core.CodeLockUnavailable, "lock file created by another process")
		}
		return core.ErrPersistenceIO(core.CodeLockUnavailable, fmt.Sprintf("creating lock file: %v", err))
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(s.lockPath)
		return core.ErrPersistenceIO(core.CodeLockUnavailable, fmt.Sprintf("writing lock file: %v", err))
	}
	return nil
}

// releaseLock drops the lock if this process owns it.
func (s *Store) releaseLock() error {
	data, err := os.ReadFile(s.lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock file: %w", err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parsing lock info: %w", err)
	}
	if info.PID != os.Getpid() {
		return core.ErrPersistenceIO(core.CodeLockUnavailable, "lock owned by different process")
	}
	return os.Remove(s.lockPath)
}

// WithProjectLock runs fn while holding the project lock, retrying
// acquisition until the context is done. Multi-file writes must happen
// inside the closure so observers never see a mismatched pair.
func (s *Store) WithProjectLock(ctx context.Context, fn func() error) error {
	for {
		err := s.acquireLock()
		if err == nil {
			break
		}
		if !core.IsKind(err, core.KindPersistenceIO) {
			return err
		}
		select {
		case <-ctx.Done():
			return core.ErrPersistenceIO(core.CodeLockUnavailable,
				fmt.Sprintf("lock acquisition cancelled: %v", ctx.Err()))
		case <-time.After(s.lockRetry):
		}
	}
	defer s.releaseLock()

	return fn()
}

// processExists checks if a process is running.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so we send signal 0
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
