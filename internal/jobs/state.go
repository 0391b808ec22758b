package jobs

import "fmt"

// Kind identifies what a job's underlying process is doing. It determines
// which progress parser the monitor runs over the output.
type Kind string

const (
	KindTraining Kind = "training"
	KindTagging  Kind = "tagging"
	KindDownload Kind = "download"
)

// ParseKind validates a kind received from a client.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTraining, KindTagging, KindDownload:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// countsItems reports whether progress for the kind is an item counter
// rather than epochs/steps.
func (k Kind) countsItems() bool {
	return k == KindTagging || k == KindDownload
}

// Status is the lifecycle state of a job.
//
// A job starts Pending, becomes Running as soon as its monitor starts, and
// moves to exactly one of the terminal states. Once terminal, the status
// never changes again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
