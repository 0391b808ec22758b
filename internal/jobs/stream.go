package jobs

import (
	"context"
	"time"
)

// LogEvent is one item yielded by a job log stream: either a raw output
// line or a heartbeat marker injected into an idle stream to signal
// liveness.
type LogEvent struct {
	Line      string
	Heartbeat bool
}

// StreamLogs returns a finite, non-restartable stream of log events for the
// job with the given id, or ErrJobNotFound.
//
// The stream first replays every line currently retained in the job's log
// buffer (late joiners see history, minus anything already evicted), then
// tails newly appended lines by polling at a fixed short interval until the
// job reaches a terminal state, yields any remaining lines, and ends.
// While the job is idle, a heartbeat event is injected every fixed number
// of poll cycles.
//
// Each call returns an independent stream intended for a single consumer;
// multiple simultaneous observers each call StreamLogs for themselves.
// Cancel ctx to stop consuming early.
func (m *Manager) StreamLogs(ctx context.Context, id string) (<-chan LogEvent, error) {
	job, err := m.GetJob(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan LogEvent)

	go m.streamLogs(ctx, job, ch)

	return ch, nil
}

func (m *Manager) streamLogs(ctx context.Context, job *Job, ch chan<- LogEvent) {
	defer close(ch)

	send := func(ev LogEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	next := 0

	// flush sends every retained line at or after next and reports whether
	// anything was sent and whether the consumer is still there.
	flush := func() (sent, ok bool) {
		lines, n := job.LogsFrom(next)
		next = n

		for _, line := range lines {
			if !send(LogEvent{Line: line}) {
				return false, false
			}
		}

		return len(lines) > 0, true
	}

	// Point-in-time replay of the buffered history.
	if _, ok := flush(); !ok {
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	idle := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Observe terminal state before draining: lines are only appended
		// before the terminal transition, so one more flush afterwards is
		// guaranteed to be the last.
		terminal := job.IsTerminal()

		sent, ok := flush()
		if !ok {
			return
		}

		if terminal {
			return
		}

		if sent {
			idle = 0
			continue
		}

		if idle++; idle >= m.heartbeatCycles {
			idle = 0

			if !send(LogEvent{Heartbeat: true}) {
				return
			}
		}
	}
}
