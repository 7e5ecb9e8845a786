// Package event provides a small pub-sub bus for team lifecycle events.
//
// The orchestrator publishes what happens to workers and tasks (spawns,
// completions, stalls, a tripped watchdog) so callers can observe a team
// without polling its state directory. Handlers run synchronously on the
// publishing goroutine and are shielded from each other's panics.
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeTaskFinished, func(e event.Event) {
//	    done := e.(event.TaskFinishedEvent)
//	    fmt.Println(done.TaskID, done.Status)
//	})
//
// Event types follow the "category.action" pattern.
package event
