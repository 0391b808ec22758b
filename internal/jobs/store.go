package jobs

import (
	"maps"
	"slices"
	"sync"
)

// Store is a concurrency-safe in-memory registry of Jobs keyed by id.
//
// The mutex guards the map only; individual Job fields have their own
// locking. The registry is process-lifetime: nothing is persisted and a
// restart loses all job history.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

// Add registers a job.
func (s *Store) Add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID()] = job
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]

	return job, exists
}

// Remove deletes the job with the given id and reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.jobs[id]
	delete(s.jobs, id)

	return exists
}

// All returns all registered jobs.
func (s *Store) All() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Collect(maps.Values(s.jobs))
}

// ByKind returns all jobs of the given kind.
func (s *Store) ByKind(kind Kind) []*Job {
	var jobs []*Job

	for _, job := range s.All() {
		if job.Kind() == kind {
			jobs = append(jobs, job)
		}
	}

	return jobs
}

// Running returns all jobs that have not reached a terminal state.
func (s *Store) Running() []*Job {
	var jobs []*Job

	for _, job := range s.All() {
		if job.IsRunning() {
			jobs = append(jobs, job)
		}
	}

	return jobs
}
