// Package process defines the minimal capability surface the job monitor
// needs from a running OS process, plus an exec.Cmd-backed implementation.
//
// Keeping this an interface of exactly four operations means the monitor can
// be tested against a fake handle without spawning real processes.
package process

import "io"

// Handle is an already-started process as seen by a job monitor.
//
// Output and Wait are owned by the monitor goroutine of the job the handle
// belongs to. Terminate and Kill must be safe to call from other goroutines
// while a read or wait is in progress.
type Handle interface {
	// Output returns the combined stdout/stderr stream of the process. The
	// stream ends when the process closes its output or exits.
	Output() io.ReadCloser

	// Wait blocks until the process has exited and returns its exit code.
	// It must be called at most once.
	Wait() (int, error)

	// Terminate requests graceful termination of the process.
	Terminate() error

	// Kill forcibly kills the process.
	Kill() error
}
