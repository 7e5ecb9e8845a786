package teamdir

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Iron-Ham/panecrew/internal/errors"
	"github.com/Iron-Ham/panecrew/internal/util"
)

const (
	configFile         = "config.json"
	shutdownFile       = "shutdown.json"
	watchdogFailedFile = "watchdog-failed.json"
	heartbeatFile      = "heartbeat.json"
	inboxFile          = "inbox.md"
	overlayFile        = "overlay.md"
	doneFile           = DoneFileName
	shutdownAckFile    = "shutdown-ack.json"
	interopErrorFile   = "interop-error.json"
)

// DoneFileName is the file a worker writes when it finishes its task.
const DoneFileName = "done.json"

// namePattern restricts team and worker names to path-safe identifiers.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,47}$`)

// ValidateName checks that name is usable as a team or worker directory name.
// kind ("team", "worker") only appears in the error.
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return errors.NewValidationError(fmt.Sprintf("invalid %s name: must match %s", kind, namePattern)).
			WithField(kind).WithValue(name).WithCause(errors.ErrInvalidName)
	}
	return nil
}

// WorkerName returns the deterministic name of worker slot n (1-based).
func WorkerName(n int) string {
	return fmt.Sprintf("worker-%d", n)
}

// Dir is the state directory of one team.
type Dir struct {
	root string
}

// TeamsRoot returns the directory holding every team under stateDir.
func TeamsRoot(stateDir string) string {
	return filepath.Join(stateDir, "teams")
}

// New returns the directory for team under stateDir. It does not touch the
// filesystem.
func New(stateDir, team string) (*Dir, error) {
	if err := ValidateName("team", team); err != nil {
		return nil, err
	}
	return &Dir{root: filepath.Join(TeamsRoot(stateDir), team)}, nil
}

// Open wraps an existing root path.
func Open(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the team root directory.
func (d *Dir) Root() string { return d.root }

// TasksDir returns the task record directory.
func (d *Dir) TasksDir() string { return filepath.Join(d.root, "tasks") }

// WorkersDir returns the directory holding one subdirectory per worker.
func (d *Dir) WorkersDir() string { return filepath.Join(d.root, "workers") }

// WorkerDir returns the directory of one worker.
func (d *Dir) WorkerDir(worker string) string { return filepath.Join(d.WorkersDir(), worker) }

func (d *Dir) ConfigPath() string         { return filepath.Join(d.root, configFile) }
func (d *Dir) ShutdownPath() string       { return filepath.Join(d.root, shutdownFile) }
func (d *Dir) WatchdogFailedPath() string { return filepath.Join(d.root, watchdogFailedFile) }

func (d *Dir) HeartbeatPath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), heartbeatFile)
}

func (d *Dir) InboxPath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), inboxFile)
}

func (d *Dir) OverlayPath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), overlayFile)
}

func (d *Dir) DonePath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), doneFile)
}

func (d *Dir) ShutdownAckPath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), shutdownAckFile)
}

func (d *Dir) InteropErrorPath(worker string) string {
	return filepath.Join(d.WorkerDir(worker), interopErrorFile)
}

// Ensure creates the root, tasks and workers directories.
func (d *Dir) Ensure() error {
	for _, dir := range []string{d.root, d.TasksDir(), d.WorkersDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureWorker creates a worker's directory after validating its name.
func (d *Dir) EnsureWorker(worker string) error {
	if err := ValidateName("worker", worker); err != nil {
		return err
	}
	if err := os.MkdirAll(d.WorkerDir(worker), 0755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}
	return nil
}

// Exists reports whether the team root exists.
func (d *Dir) Exists() bool {
	st, err := os.Stat(d.root)
	return err == nil && st.IsDir()
}

// Remove deletes the whole team directory.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.root)
}

// Heartbeat is written periodically by a worker.
type Heartbeat struct {
	UpdatedAt     time.Time `json:"updatedAt"`
	CurrentTaskID string    `json:"currentTaskId"`
}

// WriteHeartbeat replaces a worker's heartbeat.
func (d *Dir) WriteHeartbeat(worker string, hb Heartbeat) error {
	if err := d.EnsureWorker(worker); err != nil {
		return err
	}
	return util.WriteJSON(d.HeartbeatPath(worker), hb)
}

// ReadHeartbeat returns a worker's heartbeat, or nil when it has none.
func (d *Dir) ReadHeartbeat(worker string) (*Heartbeat, error) {
	var hb Heartbeat
	if err := util.ReadJSON(d.HeartbeatPath(worker), &hb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read heartbeat: %w", err)
	}
	return &hb, nil
}

// DoneSignal is the completion report a worker writes when it finishes.
type DoneSignal struct {
	TaskID      string    `json:"taskId"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completedAt"`
}

// WriteDone writes a done signal. Workers normally write this themselves;
// the interop adapter uses it to translate a foreign completion.
func (d *Dir) WriteDone(worker string, sig DoneSignal) error {
	if err := d.EnsureWorker(worker); err != nil {
		return err
	}
	return util.WriteJSON(d.DonePath(worker), sig)
}

// ReadDone returns a worker's done signal, or nil when there is none.
func (d *Dir) ReadDone(worker string) (*DoneSignal, error) {
	var sig DoneSignal
	if err := util.ReadJSON(d.DonePath(worker), &sig); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read done signal: %w", err)
	}
	return &sig, nil
}

// RemoveDone deletes a consumed done signal.
func (d *Dir) RemoveDone(worker string) error {
	if err := os.Remove(d.DonePath(worker)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// WriteInbox writes the instruction text for a worker's current task.
func (d *Dir) WriteInbox(worker, text string) error {
	if err := d.EnsureWorker(worker); err != nil {
		return err
	}
	return util.WriteFileAtomic(d.InboxPath(worker), []byte(text), 0644)
}

// WriteOverlay writes a worker's overlay text.
func (d *Dir) WriteOverlay(worker, text string) error {
	if err := d.EnsureWorker(worker); err != nil {
		return err
	}
	return util.WriteFileAtomic(d.OverlayPath(worker), []byte(text), 0644)
}

// HasShutdownAck reports whether a worker acknowledged the shutdown request.
func (d *Dir) HasShutdownAck(worker string) bool {
	_, err := os.Stat(d.ShutdownAckPath(worker))
	return err == nil
}

// ShutdownRequest is the content of shutdown.json.
type ShutdownRequest struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// WriteShutdown writes the shutdown request marker.
func (d *Dir) WriteShutdown(req ShutdownRequest) error {
	return util.WriteJSON(d.ShutdownPath(), req)
}

// ReadShutdown returns the shutdown request, or nil if none was made.
func (d *Dir) ReadShutdown() (*ShutdownRequest, error) {
	var req ShutdownRequest
	if err := util.ReadJSON(d.ShutdownPath(), &req); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// InteropError records the last failing interop hook for a worker.
type InteropError struct {
	Stage string    `json:"stage"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// WriteInteropError persists an interop failure for diagnostics.
func (d *Dir) WriteInteropError(worker string, ie InteropError) error {
	if err := d.EnsureWorker(worker); err != nil {
		return err
	}
	return util.WriteJSON(d.InteropErrorPath(worker), ie)
}

// WatchdogFailure is the content of watchdog-failed.json.
type WatchdogFailure struct {
	FailedAt            time.Time `json:"failedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError"`
}

// WriteWatchdogFailed writes the fatal watchdog marker.
func (d *Dir) WriteWatchdogFailed(f WatchdogFailure) error {
	return util.WriteJSON(d.WatchdogFailedPath(), f)
}

// ReadWatchdogFailed returns the fatal marker, or nil if the watchdog never tripped.
func (d *Dir) ReadWatchdogFailed() (*WatchdogFailure, error) {
	var f WatchdogFailure
	if err := util.ReadJSON(d.WatchdogFailedPath(), &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}
