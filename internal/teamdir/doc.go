// Package teamdir owns the on-disk layout of a running team.
//
// Everything a team persists lives under one root directory:
//
//	<root>/config.json                      team snapshot used by resume
//	<root>/shutdown.json                    shutdown request marker
//	<root>/watchdog-failed.json             fatal watchdog marker
//	<root>/tasks/                           task records and locks (see taskstore)
//	<root>/workers/<name>/heartbeat.json    written by the worker
//	<root>/workers/<name>/inbox.md          instruction delivered at spawn
//	<root>/workers/<name>/overlay.md        per-worker overlay text
//	<root>/workers/<name>/done.json         completion signal written by the worker
//	<root>/workers/<name>/shutdown-ack.json written by workers that acknowledge shutdown
//	<root>/workers/<name>/interop-error.json last interop hook failure
//
// Team and worker names are validated before they are used in a path.
package teamdir
