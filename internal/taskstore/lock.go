package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// DefaultStaleAfter is how old a lock must be before a dead holder's lock is reclaimed.
const DefaultStaleAfter = 30 * time.Second

// LockInfo is the content of tasks/<id>.lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	WorkerName string    `json:"workerName"`
	Timestamp  time.Time `json:"timestamp"`
}

// LockOptions configures AcquireLock.
type LockOptions struct {
	// Owner is recorded as workerName in the lock file.
	Owner string
	// StaleAfter overrides the store's staleness threshold when positive.
	StaleAfter time.Duration
}

// Lock is a held task lock.
type Lock struct {
	LockInfo

	path     string
	mu       sync.Mutex
	released bool
}

// AcquireLock tries to take the lock for task id. It returns (nil, false, nil)
// when another live holder has it. A stale lock (older than StaleAfter and
// held by a dead pid) is removed and creation retried exactly once.
func (s *Store) AcquireLock(id string, opts LockOptions) (*Lock, bool, error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = s.staleAfter
	}
	path := s.lockPath(id)

	for attempt := 0; attempt < 2; attempt++ {
		lock, err := s.createLock(path, opts.Owner)
		if err == nil {
			return lock, true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, err
		}
		if attempt > 0 {
			break
		}

		stale, holder := s.lockIsStale(id, staleAfter)
		if !stale {
			return nil, false, nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("remove stale lock: %w", err)
		}
		s.logger.Warn("stale task lock reclaimed",
			"task_id", id,
			"old_pid", holder.PID,
			"old_owner", holder.WorkerName,
		)
	}
	return nil, false, nil
}

func (s *Store) createLock(path, owner string) (*Lock, error) {
	info := LockInfo{
		PID:        s.pid,
		WorkerName: owner,
		Timestamp:  s.now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return &Lock{LockInfo: info, path: path}, nil
}

// lockIsStale decides whether task id's lock may be broken. A readable lock
// is stale when it is older than staleAfter and its pid is gone. An unreadable
// one (being written, or corrupt) is judged by file mtime alone.
func (s *Store) lockIsStale(id string, staleAfter time.Duration) (bool, LockInfo) {
	holder, err := s.ReadLock(id)
	if errors.Is(err, fs.ErrNotExist) {
		return true, LockInfo{}
	}
	if err == nil && !holder.Timestamp.IsZero() {
		if s.now().Sub(holder.Timestamp) <= staleAfter {
			return false, *holder
		}
		return !s.alive(holder.PID), *holder
	}

	st, statErr := os.Stat(s.lockPath(id))
	if statErr != nil {
		return errors.Is(statErr, fs.ErrNotExist), LockInfo{}
	}
	return s.now().Sub(st.ModTime()) > staleAfter, LockInfo{}
}

// ReadLock returns the current holder of task id's lock.
func (s *Store) ReadLock(id string) (*LockInfo, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.lockPath(id))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}

// Release removes the lock file if it still belongs to this holder.
// Safe to call multiple times.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	var current LockInfo
	if err := json.Unmarshal(data, &current); err != nil {
		return nil
	}
	// Someone reclaimed it as stale and took it over; leave theirs alone.
	if current.PID != l.PID || !current.Timestamp.Equal(l.Timestamp) || current.WorkerName != l.WorkerName {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
