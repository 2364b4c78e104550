package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// LockOwner is the metadata written into the writer lock file.
type LockOwner struct {
	OwnerID      string `json:"owner_id"`
	RepoRoot     string `json:"repo_root"`
	AcquiredAtMS int64  `json:"acquired_at_ms"`
}

// LockBusyError is returned when another writer already holds the lock.
// Owner carries the metadata of the current holder when it could be read.
type LockBusyError struct {
	Owner *LockOwner
}

func (e *LockBusyError) Error() string {
	if e.Owner != nil {
		return fmt.Sprintf("writer_lock_busy: held by %s since %d", e.Owner.OwnerID, e.Owner.AcquiredAtMS)
	}
	return "writer_lock_busy"
}

// IsLockBusy reports whether err is a LockBusyError.
func IsLockBusy(err error) bool {
	var busy *LockBusyError
	return errors.As(err, &busy)
}

// WriterLock is the single-writer advisory file lock protecting all journaled
// stores of one repository. One process per repo root may hold it.
type WriterLock struct {
	path  string
	owner LockOwner
	held  bool
}

// AcquireWriterLock takes the advisory lock for repoRoot, writing owner
// metadata atomically (unique temp file, then hard link into place; the link
// fails if another holder exists).
func AcquireWriterLock(paths Paths, ownerID string) (*WriterLock, error) {
	if err := paths.EnsureDir(); err != nil {
		return nil, fmt.Errorf("creating control plane dir: %w", err)
	}

	owner := LockOwner{
		OwnerID:      ownerID,
		RepoRoot:     paths.RepoRoot,
		AcquiredAtMS: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, fmt.Errorf("encoding lock owner: %w", err)
	}

	lockPath := paths.WriterLock()
	tmpPath := lockPath + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing lock temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, lockPath); err != nil {
		if os.IsExist(err) {
			return nil, &LockBusyError{Owner: readLockOwner(lockPath)}
		}
		return nil, fmt.Errorf("linking lock file: %w", err)
	}

	return &WriterLock{path: lockPath, owner: owner, held: true}, nil
}

// Owner returns the metadata this lock was acquired with.
func (l *WriterLock) Owner() LockOwner {
	return l.owner
}

// Release deletes the lock file. Safe to call more than once.
func (l *WriterLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func readLockOwner(path string) *LockOwner {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var owner LockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil
	}
	return &owner
}
