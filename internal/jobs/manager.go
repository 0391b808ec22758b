package jobs

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlforge/trainerd/internal/jobs/logparse"
	"github.com/mlforge/trainerd/internal/process"
)

const (
	// defaultStopGrace is how long StopJob waits after requesting graceful
	// termination before force-killing the process.
	defaultStopGrace = 1 * time.Second

	// defaultPollInterval is how often a log stream consumer polls for new
	// lines.
	defaultPollInterval = 100 * time.Millisecond

	// defaultHeartbeatCycles is the number of idle poll cycles after which a
	// stream injects a heartbeat, i.e. roughly every 5 seconds at the
	// default poll interval.
	defaultHeartbeatCycles = 50

	// maxLineSize is the scanner limit for a single output line. Progress
	// bars from the trainer can emit very long lines.
	maxLineSize = 1024 * 1024
)

// Manager creates jobs, runs one monitor goroutine per job, and serves
// status queries, cancellation and log streams. One Manager is constructed
// at process startup and injected into whatever launches processes and
// serves requests; there is no package-level default instance.
type Manager struct {
	store    *Store
	patterns *logparse.Patterns
	logger   *slog.Logger

	logCap          int
	stopGrace       time.Duration
	pollInterval    time.Duration
	heartbeatCycles int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogCapacity sets the per-job log buffer capacity.
func WithLogCapacity(n int) Option {
	return func(m *Manager) { m.logCap = n }
}

// WithPatterns sets the compiled log pattern table.
func WithPatterns(p *logparse.Patterns) Option {
	return func(m *Manager) { m.patterns = p }
}

// WithStopGrace sets the grace period between terminate and force kill.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) { m.stopGrace = d }
}

// WithPollInterval sets the log stream poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithHeartbeatCycles sets how many idle poll cycles pass between stream
// heartbeats.
func WithHeartbeatCycles(n int) Option {
	return func(m *Manager) { m.heartbeatCycles = n }
}

// NewManager creates a Manager ready to track jobs.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:           NewStore(),
		patterns:        logparse.Default(),
		logger:          logger,
		logCap:          DefaultLogCapacity,
		stopGrace:       defaultStopGrace,
		pollInterval:    defaultPollInterval,
		heartbeatCycles: defaultHeartbeatCycles,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CreateJob registers a job for an already-started process and starts its
// monitor goroutine. It returns the job's unique id immediately, without
// waiting for the process.
func (m *Manager) CreateJob(kind Kind, handle process.Handle) (string, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}

	if handle == nil {
		return "", errors.New("process handle cannot be nil")
	}

	id := uuid.NewString()

	job := newJob(id, kind, handle, m.logCap)
	job.markRunning()

	m.store.Add(job)

	go m.monitor(job)

	return id, nil
}

// GetJob returns the job with the given id or ErrJobNotFound.
func (m *Manager) GetJob(id string) (*Job, error) {
	job, exists := m.store.Get(id)
	if !exists {
		return nil, ErrJobNotFound
	}

	return job, nil
}

// GetStatus returns an immutable snapshot of the job with the given id or
// ErrJobNotFound.
func (m *Manager) GetStatus(id string) (*Snapshot, error) {
	job, err := m.GetJob(id)
	if err != nil {
		return nil, err
	}

	return job.Snapshot(), nil
}

// List returns snapshots of registered jobs, optionally filtered by kind
// and to running jobs only.
func (m *Manager) List(kind Kind, runningOnly bool) []*Snapshot {
	jobs := m.store.All()
	if kind != "" {
		jobs = m.store.ByKind(kind)
	}

	snapshots := make([]*Snapshot, 0, len(jobs))

	for _, job := range jobs {
		if runningOnly && !job.IsRunning() {
			continue
		}

		snapshots = append(snapshots, job.Snapshot())
	}

	return snapshots
}

// StopJob cancels the job with the given id. It requests graceful
// termination, waits for a bounded grace period, then force-kills the
// process. It reports false for unknown or already-terminal jobs, which
// makes a second call a no-op.
//
// The terminal Cancelled state is written by the job's monitor once the
// process has actually exited, never here, so no log line can be appended
// after a stream has observed the terminal state. A stop racing the
// process's natural exit is accepted: the interrupted flag is set before
// signalling, so the monitor settles the job as Cancelled either way. In
// the pathological case of a process that survives even SIGKILL, this call
// returns after a second bounded wait and the job stays running until the
// process dies.
func (m *Manager) StopJob(id string) bool {
	job, exists := m.store.Get(id)
	if !exists || !job.IsRunning() {
		return false
	}

	job.interrupted.Store(true)

	if err := job.handle.Terminate(); err != nil {
		// The process may have exited already; the grace wait below settles it.
		m.logger.Warn("request termination", "id", id, "err", err)
	}

	select {
	case <-job.Done():
	case <-time.After(m.stopGrace):
		if err := job.handle.Kill(); err != nil {
			m.logger.Warn("force kill", "id", id, "err", err)
		}

		// Bounded wait even after SIGKILL so a wedged process cannot block
		// the caller indefinitely.
		select {
		case <-job.Done():
		case <-time.After(m.stopGrace):
		}
	}

	return true
}

// Shutdown makes a best-effort attempt to stop all running jobs.
func (m *Manager) Shutdown() {
	var wg sync.WaitGroup

	for _, job := range m.store.Running() {
		wg.Go(func() {
			m.StopJob(job.ID())
		})
	}

	wg.Wait()
}

// monitor drains the process output line by line, feeding each line through
// the parsers and into the job's log buffer, then settles the job's terminal
// state from the exit code. Exactly one monitor runs per job, for the job's
// entire lifetime.
func (m *Manager) monitor(job *Job) {
	defer close(job.done)

	scanner := bufio.NewScanner(job.handle.Output())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		m.processLine(job, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		// A scanner error mid-stream is not fatal to the job; the exit code
		// below decides the outcome. It does stop the scan loop, though, so
		// keep draining the pipe: an oversized line (a \r-rewriting progress
		// bar produces one with no newlines at all) would otherwise leave the
		// process blocked writing into a full pipe, never exiting.
		m.logger.Warn("read process output", "id", job.ID(), "err", err)

		if _, err := io.Copy(io.Discard, job.handle.Output()); err != nil {
			m.logger.Warn("drain process output", "id", job.ID(), "err", err)
		}
	}

	exitCode, err := job.handle.Wait()

	switch {
	case job.interrupted.Load():
		job.finish(StatusCancelled, exitCode)
	case err != nil:
		job.recordError(err.Error())
		job.finish(StatusFailed, exitCode)
	case exitCode == 0:
		job.finish(StatusCompleted, exitCode)
	default:
		job.finish(StatusFailed, exitCode)
	}

	m.logger.Info(
		"job finished",
		"id", job.ID(),
		"kind", job.Kind(),
		"status", job.Status(),
		"exitCode", exitCode,
	)
}

// processLine handles a single output line. Parse failures only ever mean
// "no progress info on this line"; nothing here can abort the monitor loop.
func (m *Manager) processLine(job *Job, line string) {
	job.AddLog(line)

	switch {
	case job.Kind().countsItems():
		if p := m.patterns.ParseTaggingProgress(line); p != nil {
			job.applyTagging(p)
		}
	default:
		if p := m.patterns.ParseTrainingProgress(line); p != nil {
			job.applyTraining(p)
		}
	}

	if msg, ok := m.patterns.ExtractError(line); ok {
		if !job.recordError(msg) {
			m.logger.Debug("subsequent error line", "id", job.ID(), "line", msg)
		}
	}
}
