package jobs

import "testing"

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("Test add and get", func(t *testing.T) {
		t.Parallel()

		store := NewStore()

		job := newJob("a", KindTraining, nil, 10)
		store.Add(job)

		got, exists := store.Get("a")
		if !exists {
			t.Fatal("expected job to exist")
		}

		if got != job {
			t.Error("expected to get the same job back")
		}

		if _, exists := store.Get("missing"); exists {
			t.Error("expected missing job not to exist")
		}
	})

	t.Run("Test remove", func(t *testing.T) {
		t.Parallel()

		store := NewStore()
		store.Add(newJob("a", KindTraining, nil, 10))

		if !store.Remove("a") {
			t.Error("expected remove to report the job existed")
		}

		if store.Remove("a") {
			t.Error("expected second remove to report the job was gone")
		}
	})

	t.Run("Test filters", func(t *testing.T) {
		t.Parallel()

		store := NewStore()

		training := newJob("a", KindTraining, nil, 10)
		training.markRunning()

		tagging := newJob("b", KindTagging, nil, 10)
		tagging.markRunning()
		tagging.finish(StatusCompleted, 0)

		download := newJob("c", KindDownload, nil, 10)
		download.markRunning()

		store.Add(training)
		store.Add(tagging)
		store.Add(download)

		if got := len(store.All()); got != 3 {
			t.Errorf("expected all jobs: got '%d', want '3'", got)
		}

		byKind := store.ByKind(KindTagging)
		if len(byKind) != 1 || byKind[0] != tagging {
			t.Errorf("expected tagging job only: got '%v'", byKind)
		}

		running := store.Running()
		if len(running) != 2 {
			t.Errorf("expected running jobs: got '%d', want '2'", len(running))
		}

		for _, job := range running {
			if job == tagging {
				t.Error("expected completed job not to be in running set")
			}
		}
	})
}
