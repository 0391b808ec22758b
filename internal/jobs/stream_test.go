package jobs_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/mlforge/trainerd/internal/jobs"
)

// collectLines drains a stream to completion and returns the log lines,
// skipping heartbeats.
func collectLines(t *testing.T, ch <-chan jobs.LogEvent) []string {
	t.Helper()

	var lines []string

	timeout := time.After(2 * time.Second)

	for {
		select {
		case <-timeout:
			t.Fatalf("stream did not end; collected '%v'", lines)
		case ev, open := <-ch:
			if !open {
				return lines
			}

			if ev.Heartbeat {
				continue
			}

			lines = append(lines, ev.Line)
		}
	}
}

func TestStreamLogs(t *testing.T) {
	t.Parallel()

	t.Run("Test replay then tail in order", func(t *testing.T) {
		t.Parallel()

		m := newTestManager(t)
		handle := newFakeHandle()

		id := createTestJob(t, m, jobs.KindTraining, handle)

		for _, line := range []string{"one", "two", "three", "four", "five"} {
			handle.writeLine(t, line)
		}

		waitForSnapshot(t, m, id, func(*jobs.Snapshot) bool {
			job, err := m.GetJob(id)
			if err != nil {
				return false
			}

			lines, _ := job.LogsFrom(0)

			return len(lines) == 5
		})

		first, err := m.StreamLogs(t.Context(), id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		second, err := m.StreamLogs(t.Context(), id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		handle.writeLine(t, "six")
		handle.writeLine(t, "seven")
		handle.writeLine(t, "eight")
		handle.exit(0)

		want := []string{
			"one", "two", "three", "four", "five", "six", "seven", "eight",
		}

		for _, ch := range []<-chan jobs.LogEvent{first, second} {
			if got := collectLines(t, ch); !slices.Equal(got, want) {
				t.Errorf("expected lines: got '%v', want '%v'", got, want)
			}
		}
	})

	t.Run("Test stream on terminal job replays and ends", func(t *testing.T) {
		t.Parallel()

		m := newTestManager(t)
		handle := newFakeHandle()

		id := createTestJob(t, m, jobs.KindTraining, handle)

		handle.writeLine(t, "only line")
		handle.exit(0)

		waitForStatus(t, m, id, jobs.StatusCompleted)

		ch, err := m.StreamLogs(t.Context(), id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		want := []string{"only line"}
		if got := collectLines(t, ch); !slices.Equal(got, want) {
			t.Errorf("expected lines: got '%v', want '%v'", got, want)
		}
	})

	t.Run("Test heartbeat on idle stream", func(t *testing.T) {
		t.Parallel()

		m := newTestManager(
			t,
			jobs.WithPollInterval(5*time.Millisecond),
			jobs.WithHeartbeatCycles(2),
		)
		handle := newFakeHandle()

		id := createTestJob(t, m, jobs.KindTraining, handle)

		ch, err := m.StreamLogs(t.Context(), id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		timeout := time.After(2 * time.Second)

		for {
			select {
			case <-timeout:
				t.Fatal("expected a heartbeat on the idle stream")
			case ev, open := <-ch:
				if !open {
					t.Fatal("expected stream to stay open while job runs")
				}

				if ev.Heartbeat {
					handle.exit(0)
					collectLines(t, ch)

					return
				}
			}
		}
	})

	t.Run("Test cancelled context closes stream", func(t *testing.T) {
		t.Parallel()

		m := newTestManager(t)
		handle := newFakeHandle()

		id := createTestJob(t, m, jobs.KindTraining, handle)

		ctx, cancel := context.WithCancel(t.Context())

		ch, err := m.StreamLogs(ctx, id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		cancel()

		collectLines(t, ch)

		handle.exit(0)
	})

	t.Run("Test late joiner misses evicted lines", func(t *testing.T) {
		t.Parallel()

		m := newTestManager(t, jobs.WithLogCapacity(3))
		handle := newFakeHandle()

		id := createTestJob(t, m, jobs.KindTraining, handle)

		for _, line := range []string{"one", "two", "three", "four", "five"} {
			handle.writeLine(t, line)
		}

		waitForSnapshot(t, m, id, func(*jobs.Snapshot) bool {
			job, err := m.GetJob(id)
			if err != nil {
				return false
			}

			lines, next := job.LogsFrom(0)

			return next == 5 && len(lines) == 3
		})

		ch, err := m.StreamLogs(t.Context(), id)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		handle.exit(0)

		want := []string{"three", "four", "five"}
		if got := collectLines(t, ch); !slices.Equal(got, want) {
			t.Errorf("expected lines: got '%v', want '%v'", got, want)
		}
	})
}
