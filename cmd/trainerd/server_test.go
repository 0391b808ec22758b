package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlforge/trainerd/internal/broadcast"
	"github.com/mlforge/trainerd/internal/jobs"
)

func newTestServer(t *testing.T, commands map[jobs.Kind][]string) (*server, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	manager := jobs.NewManager(
		logger,
		jobs.WithPollInterval(5*time.Millisecond),
	)

	s := newServer(manager, broadcast.New(logger), logger, commands, nil)

	ts := httptest.NewServer(s.engine)
	t.Cleanup(ts.Close)

	return s, ts
}

func createJob(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()

	res, err := http.Post(
		ts.URL+"/api/jobs",
		"application/json",
		bytes.NewBufferString(body),
	)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf(
			"expected status code: got '%d', want '%d'",
			res.StatusCode,
			http.StatusCreated,
		)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if created.ID == "" {
		t.Fatal("expected a job id in the response")
	}

	return created.ID
}

func getSnapshot(t *testing.T, ts *httptest.Server, id string) jobs.Snapshot {
	t.Helper()

	res, err := http.Get(ts.URL + "/api/jobs/" + id)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf(
			"expected status code: got '%d', want '%d'",
			res.StatusCode,
			http.StatusOK,
		)
	}

	var snapshot jobs.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snapshot); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return snapshot
}

func waitForTerminal(t *testing.T, ts *httptest.Server, id string) jobs.Snapshot {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case <-deadline:
			t.Fatalf("job '%s' never reached a terminal state", id)
		case <-time.After(10 * time.Millisecond):
			snapshot := getSnapshot(t, ts, id)
			if snapshot.Status.Terminal() {
				return snapshot
			}
		}
	}
}

func TestJobAPI(t *testing.T) {
	t.Parallel()

	commands := map[jobs.Kind][]string{
		jobs.KindTraining: {"/bin/sh", "-c", "echo epoch 1/1; echo done"},
		jobs.KindTagging:  {"/bin/sh", "-c", "echo Processing: 2/2"},
	}

	t.Run("Test create and complete", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, commands)

		id := createJob(t, ts, `{"kind": "training"}`)

		snapshot := waitForTerminal(t, ts, id)

		if snapshot.Status != jobs.StatusCompleted {
			t.Errorf(
				"expected status: got '%s', want '%s'",
				snapshot.Status,
				jobs.StatusCompleted,
			)
		}

		if snapshot.Progress != 100 {
			t.Errorf("expected progress: got '%d', want '100'", snapshot.Progress)
		}
	})

	t.Run("Test invalid kind", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, commands)

		res, err := http.Post(
			ts.URL+"/api/jobs",
			"application/json",
			strings.NewReader(`{"kind": "bogus"}`),
		)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusBadRequest {
			t.Errorf(
				"expected status code: got '%d', want '%d'",
				res.StatusCode,
				http.StatusBadRequest,
			)
		}
	})

	t.Run("Test unconfigured kind", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, map[jobs.Kind][]string{})

		res, err := http.Post(
			ts.URL+"/api/jobs",
			"application/json",
			strings.NewReader(`{"kind": "training"}`),
		)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusBadRequest {
			t.Errorf(
				"expected status code: got '%d', want '%d'",
				res.StatusCode,
				http.StatusBadRequest,
			)
		}
	})

	t.Run("Test get unknown job", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, commands)

		res, err := http.Get(ts.URL + "/api/jobs/unknown")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusNotFound {
			t.Errorf(
				"expected status code: got '%d', want '%d'",
				res.StatusCode,
				http.StatusNotFound,
			)
		}
	})

	t.Run("Test list with filters", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, commands)

		trainingID := createJob(t, ts, `{"kind": "training"}`)
		taggingID := createJob(t, ts, `{"kind": "tagging"}`)

		waitForTerminal(t, ts, trainingID)
		waitForTerminal(t, ts, taggingID)

		res, err := http.Get(ts.URL + "/api/jobs?kind=tagging")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		var listed struct {
			Jobs []jobs.Snapshot `json:"jobs"`
		}
		if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if len(listed.Jobs) != 1 || listed.Jobs[0].ID != taggingID {
			t.Errorf("expected only the tagging job: got '%+v'", listed.Jobs)
		}
	})

	t.Run("Test stop running job", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, map[jobs.Kind][]string{
			jobs.KindTraining: {"sleep", "30"},
		})

		id := createJob(t, ts, `{"kind": "training"}`)

		res, err := http.Post(ts.URL+"/api/jobs/"+id+"/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		var stopped struct {
			Stopped bool `json:"stopped"`
		}
		if err := json.NewDecoder(res.Body).Decode(&stopped); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if !stopped.Stopped {
			t.Error("expected stop to report true")
		}

		snapshot := waitForTerminal(t, ts, id)

		if snapshot.Status != jobs.StatusCancelled {
			t.Errorf(
				"expected status: got '%s', want '%s'",
				snapshot.Status,
				jobs.StatusCancelled,
			)
		}
	})

	t.Run("Test stop unknown job", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, commands)

		res, err := http.Post(ts.URL+"/api/jobs/unknown/stop", "application/json", nil)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusNotFound {
			t.Errorf(
				"expected status code: got '%d', want '%d'",
				res.StatusCode,
				http.StatusNotFound,
			)
		}
	})
}

func wsBaseURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestJobLogsSocket(t *testing.T) {
	t.Parallel()

	t.Run("Test stream until normal closure", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, map[jobs.Kind][]string{
			jobs.KindTraining: {"/bin/sh", "-c", "echo first; echo second"},
		})

		id := createJob(t, ts, `{"kind": "training"}`)

		conn, _, err := websocket.DefaultDialer.Dial(
			wsBaseURL(ts)+"/api/jobs/"+id+"/logs",
			nil,
		)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer conn.Close()

		var lines []string

		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.Fatalf("expected normal closure: got '%v'", err)
				}

				break
			}

			lines = append(lines, string(msg))
		}

		want := []string{"first", "second"}
		if fmt.Sprint(lines) != fmt.Sprint(want) {
			t.Errorf("expected lines: got '%v', want '%v'", lines, want)
		}
	})

	t.Run("Test unknown job gets plain 404", func(t *testing.T) {
		t.Parallel()

		_, ts := newTestServer(t, nil)

		_, res, err := websocket.DefaultDialer.Dial(
			wsBaseURL(ts)+"/api/jobs/unknown/logs",
			nil,
		)
		if err == nil {
			t.Fatal("expected to receive error")
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusNotFound {
			t.Errorf(
				"expected status code: got '%d', want '%d'",
				res.StatusCode,
				http.StatusNotFound,
			)
		}
	})
}

func TestLogFeedSocket(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsBaseURL(ts)+"/api/logs", nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer conn.Close()

	// The consumer registers on upgrade, which races this test goroutine, so
	// keep enqueueing until the entry lands on the socket.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				s.broadcaster.Enqueue(broadcast.Entry{
					Time:    time.Now(),
					Level:   "INFO",
					Message: "daemon says hi",
				})
				s.broadcaster.BroadcastPending()
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var entry broadcast.Entry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if entry.Message != "daemon says hi" {
		t.Errorf(
			"expected message: got '%s', want 'daemon says hi'",
			entry.Message,
		)
	}
}
