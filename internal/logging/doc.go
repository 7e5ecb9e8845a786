// Package logging provides structured logging for panecrew teams.
//
// This package wraps Go's log/slog to write JSON lines that can be filtered
// after a run. Team logs live outside the team directory, at
// <state_dir>/logs/<team>.log, so they survive shutdown cleanup.
//
// # Context Propagation
//
// Child loggers carry persistent attributes:
//
//	logger := base.WithTeam("alpha")
//	workerLog := logger.WithWorker("worker-1").WithTask("3")
//	workerLog.Info("task claimed", "pane_id", "%4")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task claimed","team":"alpha","worker":"worker-1","task_id":"3","pane_id":"%4"}
//
// # Thread Safety
//
// A [Logger] and all of its children are safe for concurrent use. Children
// share the underlying writer; closing any of them closes the log file.
package logging
