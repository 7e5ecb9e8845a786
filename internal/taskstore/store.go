package taskstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/logging"
	"github.com/Iron-Ham/panecrew/internal/util"
)

const (
	nextIDFile = ".next-id"
	idLockFile = ".ids.lock"

	defaultRetryAttempts = 20
	defaultRetryDelay    = 25 * time.Millisecond
)

var idPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.NewValidationError("task ids are positive decimal integers").
			WithField("id").WithValue(id).WithCause(errors.ErrTaskNotFound)
	}
	return nil
}

// Store reads and mutates the task files in one directory.
// It is safe for concurrent use, within and across processes.
type Store struct {
	dir           string
	staleAfter    time.Duration
	retryAttempts int
	retryDelay    time.Duration
	pid           int
	now           func() time.Time
	alive         func(pid int) bool
	logger        *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter sets the lock staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithRetry sets how Finish and Rollback retry a busy lock.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.retryAttempts = attempts
		}
		if delay >= 0 {
			s.retryDelay = delay
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for lock reclamation and skipped files.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProcessProbe replaces the pid liveness check used for stale locks.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(s *Store) { s.alive = alive }
}

// WithPID sets the pid recorded in lock files. Tests use it to act as
// another process.
func WithPID(pid int) Option {
	return func(s *Store) { s.pid = pid }
}

// New opens the task directory, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:           dir,
		staleAfter:    DefaultStaleAfter,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		pid:           os.Getpid(),
		now:           time.Now,
		alive:         util.IsProcessAlive,
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return s, nil
}

// Dir returns the task directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.dir, id+".lock")
}

// Read loads task id. A missing task returns an error matching ErrTaskNotFound.
func (s *Store) Read(id string) (*Task, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var t Task
	if err := util.ReadJSON(s.taskPath(id), &t); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewTaskError("read task", errors.ErrTaskNotFound).WithTaskID(id)
		}
		return nil, errors.NewTaskError("read task", err).WithTaskID(id)
	}
	return &t, nil
}

// Write replaces the task file atomically. It does not take the task lock;
// use the guarded operations for status changes.
func (s *Store) Write(t *Task) error {
	if err := validateID(t.ID); err != nil {
		return err
	}
	if !t.Status.Valid() {
		return errors.NewTaskError(fmt.Sprintf("unknown status %q", t.Status), errors.ErrInvalidTransition).WithTaskID(t.ID)
	}
	if err := util.WriteJSON(s.taskPath(t.ID), t); err != nil {
		return errors.NewTaskError("write task", err).WithTaskID(t.ID)
	}
	return nil
}

// List returns every readable task ordered by numeric id. Unparseable files
// are logged and skipped.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*Task
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !idPattern.MatchString(id) {
			continue
		}
		t, err := s.Read(id)
		if err != nil {
			if errors.Is(err, errors.ErrTaskNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable task file", "task_id", id, "error", err.Error())
			continue
		}
		tasks = append(tasks, t)
	}

	slices.SortFunc(tasks, func(a, b *Task) int {
		ai, _ := strconv.Atoi(a.ID)
		bi, _ := strconv.Atoi(b.ID)
		return ai - bi
	})
	return tasks, nil
}

// Create adds a pending task with the next free id. Ids are allocated from
// tasks/.next-id under an flock so concurrent creators never collide.
func (s *Store) Create(subject, description string) (*Task, error) {
	fl := flock.New(filepath.Join(s.dir, idLockFile))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire id lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	next, err := s.nextID()
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:          strconv.Itoa(next),
		Subject:     subject,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.Write(t); err != nil {
		return nil, err
	}
	if err := util.WriteFileAtomic(filepath.Join(s.dir, nextIDFile), []byte(strconv.Itoa(next+1)), 0644); err != nil {
		return nil, fmt.Errorf("advance id counter: %w", err)
	}
	return t, nil
}

// nextID reads the counter, never going below the highest existing id + 1 so
// ids are not reused even if the counter file was lost.
func (s *Store) nextID() (int, error) {
	next := 1
	if data, err := os.ReadFile(filepath.Join(s.dir, nextIDFile)); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n > 0 {
			next = n
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("read id counter: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(id); err == nil && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// WithTaskLock runs fn while holding task id's lock. It returns false without
// calling fn when the lock is held elsewhere. The lock is released even if fn
// panics.
func (s *Store) WithTaskLock(ctx context.Context, id, owner string, fn func() error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lock, ok, err := s.AcquireLock(id, LockOptions{Owner: owner})
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			s.logger.Warn("failed to release task lock", "task_id", id, "error", rerr.Error())
		}
	}()
	return true, fn()
}

// withTaskLockRetry is WithTaskLock for callers that must make progress:
// contention is retried a bounded number of times, then reported as ErrLockBusy.
func (s *Store) withTaskLockRetry(ctx context.Context, id, owner string, fn func() error) error {
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelay):
			}
		}
		ok, err := s.WithTaskLock(ctx, id, owner, fn)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errors.NewTaskError("lock held elsewhere", errors.ErrLockBusy).WithTaskID(id).WithWorker(owner)
}

// MarkInProgress claims a pending task for owner. It returns false, with no
// error, when the lock is busy or the task is no longer pending.
func (s *Store) MarkInProgress(ctx context.Context, id, owner string) (bool, error) {
	claimed := false
	ok, err := s.WithTaskLock(ctx, id, owner, func() error {
		t, err := s.Read(id)
		if err != nil {
			return err
		}
		if t.Status != StatusPending {
			return nil
		}
		if err := t.claim(owner, s.now().UTC()); err != nil {
			return err
		}
		if err := s.Write(t); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !ok {
		return false, err
	}
	return claimed, nil
}

// Finish moves an in-progress task to a terminal status. Applying the status
// a finished task already has is a no-op; any other change to a finished task
// fails with ErrInvalidTransition.
func (s *Store) Finish(ctx context.Context, id string, o Outcome) error {
	if !o.Status.IsTerminal() {
		return errors.NewTaskError(fmt.Sprintf("%s is not a terminal status", o.Status), errors.ErrInvalidTransition).WithTaskID(id)
	}
	return s.withTaskLockRetry(ctx, id, "", func() error {
		t, err := s.Read(id)
		if err != nil {
			return err
		}
		changed, err := t.finish(o, s.now().UTC())
		if err != nil || !changed {
			return err
		}
		return s.Write(t)
	})
}

// Rollback returns an in-progress task owned by owner to pending. It reports
// false, with no error, when the task is no longer owned by owner.
func (s *Store) Rollback(ctx context.Context, id, owner string) (bool, error) {
	rolledBack := false
	err := s.withTaskLockRetry(ctx, id, owner, func() error {
		t, err := s.Read(id)
		if err != nil {
			return err
		}
		if t.Status != StatusInProgress || t.Owner != owner {
			return nil
		}
		if err := t.rollback(); err != nil {
			return err
		}
		if err := s.Write(t); err != nil {
			return err
		}
		rolledBack = true
		return nil
	})
	return rolledBack, err
}

// Pending returns pending tasks in id order.
func (s *Store) Pending() ([]*Task, error) {
	return s.withStatus(StatusPending)
}

// InProgress returns in-progress tasks in id order.
func (s *Store) InProgress() ([]*Task, error) {
	return s.withStatus(StatusInProgress)
}

func (s *Store) withStatus(status Status) ([]*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(tasks, func(t *Task) bool { return t.Status != status }), nil
}

// NextPending returns the lowest-id pending task, or nil when there is none.
func (s *Store) NextPending() (*Task, error) {
	pending, err := s.Pending()
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	return pending[0], nil
}

// Counts tallies tasks by status.
func (s *Store) Counts() (Counts, error) {
	tasks, err := s.List()
	if err != nil {
		return Counts{}, err
	}
	return CountTasks(tasks), nil
}

// AllTerminal reports whether every task has finished. An empty store counts
// as finished.
func (s *Store) AllTerminal() (bool, error) {
	c, err := s.Counts()
	if err != nil {
		return false, err
	}
	return c.AllTerminal(), nil
}
