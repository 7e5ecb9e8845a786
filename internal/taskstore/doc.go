// Package taskstore keeps a team's task queue on disk, one JSON file per task.
//
// Every task lives at tasks/<id>.json and is replaced atomically on each
// write. Mutations go through a per-task lock file (tasks/<id>.lock) created
// with O_CREATE|O_EXCL, which is the only cross-process mutual exclusion:
// any number of orchestrator processes, and the workers themselves, may touch
// the same directory.
//
// The core operation is [Store.MarkInProgress], which re-reads the task under
// its lock and claims it only if it is still pending. Contention is reported
// as a false return, not an error, so callers move on to the next candidate.
//
// Status changes follow a fixed table:
//
//	pending     -> in_progress
//	in_progress -> completed | failed | pending (rollback)
//
// Re-applying the terminal status a task already has is a no-op, so two
// reporters racing to finish the same task cannot corrupt it.
//
// Usage:
//
//	store, err := taskstore.New(filepath.Join(root, "tasks"))
//	task, err := store.Create("Fix login", "The login form ...")
//	ok, err := store.MarkInProgress(ctx, task.ID, "worker-1")
//	if ok {
//	    // ... notify the worker ...
//	    err = store.Finish(ctx, task.ID, taskstore.Outcome{Status: taskstore.StatusCompleted, Summary: "done"})
//	}
package taskstore
