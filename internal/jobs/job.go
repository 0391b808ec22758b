package jobs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlforge/trainerd/internal/jobs/logparse"
	"github.com/mlforge/trainerd/internal/process"
)

// DefaultLogCapacity is the number of log lines a job retains before the
// oldest are evicted. Bounding the buffer is a memory decision, not a
// correctness one; consumers joining very late may miss evicted lines.
const DefaultLogCapacity = 1000

// Job is one tracked background operation wrapping an OS process.
//
// All mutable fields are guarded by mu. By convention they are only written
// by the job's own monitor goroutine; a cancellation request communicates
// through the interrupted flag and lets the monitor write the terminal
// state. Terminal states are first-writer-wins; once a terminal status is
// set it is never overwritten.
type Job struct {
	id        string
	kind      Kind
	createdAt time.Time
	handle    process.Handle

	// interrupted is set by StopJob before it terminates the process, so the
	// monitor can tell an externally-requested exit from a natural one.
	interrupted atomic.Bool

	// done is closed by the monitor once the job has reached a terminal
	// state and no more log lines will be appended.
	done chan struct{}

	mu           sync.Mutex
	status       Status
	startedAt    *time.Time
	completedAt  *time.Time
	progress     int
	currentStep  int
	currentEpoch int
	totalEpochs  int
	currentImage int
	totalImages  int
	errMsg       string

	// logs holds the retained lines; logStart is the global index of
	// logs[0]. Line indices are global and never reused, so a stream
	// consumer can poll for "everything at or after index N" across
	// evictions.
	logs     []string
	logStart int
	logCap   int
}

// Snapshot is an immutable point-in-time projection of a Job, safe to hand
// to other goroutines and to serialize.
type Snapshot struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  int        `json:"current_step,omitempty"`
	CurrentEpoch int        `json:"current_epoch,omitempty"`
	TotalEpochs  int        `json:"total_epochs,omitempty"`
	CurrentImage int        `json:"current_image,omitempty"`
	TotalImages  int        `json:"total_images,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func newJob(id string, kind Kind, handle process.Handle, logCap int) *Job {
	if logCap <= 0 {
		logCap = DefaultLogCapacity
	}

	return &Job{
		id:        id,
		kind:      kind,
		handle:    handle,
		createdAt: time.Now(),
		status:    StatusPending,
		done:      make(chan struct{}),
		logs:      make([]string, 0, logCap),
		logCap:    logCap,
	}
}

// ID returns the job's id.
func (j *Job) ID() string {
	return j.id
}

// Kind returns the job's kind.
func (j *Job) Kind() Kind {
	return j.kind
}

// Done returns a channel that is closed once the job has reached a terminal
// state and its monitor has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// AddLog appends one raw output line, evicting the oldest retained line
// once the buffer is at capacity.
func (j *Job) AddLog(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.logs) >= j.logCap {
		evict := len(j.logs) - j.logCap + 1
		j.logs = append(j.logs[:0], j.logs[evict:]...)
		j.logStart += evict
	}

	j.logs = append(j.logs, line)
}

// LogsFrom returns a copy of all retained lines with global index >= from,
// together with the index to poll from next. If from points at lines that
// have already been evicted, the result starts at the oldest retained line;
// contiguous delivery across evictions is explicitly not guaranteed.
func (j *Job) LogsFrom(from int) ([]string, int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.logStart + len(j.logs)

	if from < j.logStart {
		from = j.logStart
	}

	if from >= next {
		return nil, next
	}

	lines := make([]string, next-from)
	copy(lines, j.logs[from-j.logStart:])

	return lines, next
}

// Status returns the job's current lifecycle status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.status
}

// IsRunning reports whether the job's process is still being monitored.
func (j *Job) IsRunning() bool {
	return j.Status() == StatusRunning
}

// IsTerminal reports whether the job has reached a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status().Terminal()
}

// Duration returns how long the job has been running, or ran for if it has
// finished. It returns false if the job never started.
func (j *Job) Duration() (time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case j.startedAt == nil:
		return 0, false
	case j.completedAt != nil:
		return j.completedAt.Sub(*j.startedAt), true
	default:
		return time.Since(*j.startedAt), true
	}
}

// Snapshot returns an immutable copy of the job's current state.
func (j *Job) Snapshot() *Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	return &Snapshot{
		ID:           j.id,
		Kind:         j.kind,
		Status:       j.status,
		Progress:     j.progress,
		CurrentStep:  j.currentStep,
		CurrentEpoch: j.currentEpoch,
		TotalEpochs:  j.totalEpochs,
		CurrentImage: j.currentImage,
		TotalImages:  j.totalImages,
		Error:        j.errMsg,
		CreatedAt:    j.createdAt,
		StartedAt:    j.startedAt,
		CompletedAt:  j.completedAt,
	}
}

func (j *Job) markRunning() {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = StatusRunning
	j.startedAt = &now
}

func (j *Job) applyTraining(p *logparse.TrainingProgress) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if p.Epoch != nil {
		j.currentEpoch = *p.Epoch
	}

	if p.TotalEpochs != nil {
		j.totalEpochs = *p.TotalEpochs
	}

	if p.Step != nil {
		j.currentStep = *p.Step
	}

	// Only overwrite the percent when this line actually carried a ratio;
	// a nil Percent means "no progress info", not zero.
	if p.Percent != nil {
		j.progress = *p.Percent
	}
}

func (j *Job) applyTagging(p *logparse.TaggingProgress) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if p.Current != nil {
		j.currentImage = *p.Current
	}

	if p.Total != nil {
		j.totalImages = *p.Total
	}

	if p.Percent != nil {
		j.progress = *p.Percent
	}
}

// recordError stores msg as the job's error if none is set yet. The first
// detected error wins; later ones are reported back to the caller as not
// stored.
func (j *Job) recordError(msg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.errMsg != "" {
		return false
	}

	j.errMsg = msg

	return true
}

// finish moves the job to terminal status. The first terminal writer wins;
// a later finish is a no-op. A Failed job is guaranteed a non-empty error,
// synthesized from the exit code when no log line provided one.
func (j *Job) finish(status Status, exitCode int) {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}

	j.status = status
	j.completedAt = &now

	switch status {
	case StatusCompleted:
		j.progress = 100
	case StatusFailed:
		if j.errMsg == "" {
			j.errMsg = fmt.Sprintf("process exited with code %d", exitCode)
		}
	}
}
