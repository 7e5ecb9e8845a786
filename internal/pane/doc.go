// Package pane supervises worker panes inside tmux.
//
// A [Supervisor] acquires the tmux session a team runs in, splits one pane per
// worker, builds the shell command each pane starts with, waits for an
// interactive agent to show its prompt, and types messages into it. Message
// delivery copes with three hazards: a pane sitting in copy mode (keys would
// be lost), a pending "trust this folder" dialog, and agents that buffer input
// while busy.
//
// Text heuristics (what a prompt, a trust dialog or a busy agent looks like)
// live behind the [Detector] interface so they can be tuned per agent without
// touching the delivery mechanism.
package pane
