package util

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsProcessAlive checks if a process with the given PID exists.
// Uses kill(pid, 0), which checks for existence without sending a signal.
// EPERM means the process exists but belongs to another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
