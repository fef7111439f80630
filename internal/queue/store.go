package queue

import (
	"fmt"
	"sync"
)

// Store is an in-memory job store with TTL support. It owns the job state:
// readers get copies and writers go through Mutate.
type Store struct {
	mu             sync.RWMutex
	jobs           map[string]*Job
	idempotencyMap map[string]string // idempotency_key -> job_id
}

// NewStore creates a new job store
func NewStore() *Store {
	return &Store{
		jobs:           make(map[string]*Job),
		idempotencyMap: make(map[string]string),
	}
}

// Save stores a copy of job
func (s *Store) Save(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.clone()
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}
	return nil
}

// Get returns a snapshot of a job
func (s *Store) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return job.clone(), nil
}

// GetByIdempotencyKey returns a snapshot of the live job holding key
func (s *Store) GetByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, ok := s.idempotencyMap[key]
	if !ok {
		return nil, false
	}
	job, err := s.lookup(jobID)
	if err != nil {
		return nil, false
	}
	return job.clone(), true
}

// Mutate applies fn to a job under the store lock. fn works on a copy; when
// it returns an error the stored job is left untouched. The updated snapshot
// is returned.
func (s *Store) Mutate(jobID string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}

	next := job.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[jobID] = next
	return next.clone(), nil
}

// PurgeExpired removes expired jobs and returns their ids
func (s *Store) PurgeExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []string
	for id, job := range s.jobs {
		if !job.IsExpired() {
			continue
		}
		if job.IdempotencyKey != "" {
			delete(s.idempotencyMap, job.IdempotencyKey)
		}
		delete(s.jobs, id)
		purged = append(purged, id)
	}
	return purged
}

// Len returns the number of stored jobs, expired or not
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) lookup(jobID string) (*Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if job.IsExpired() {
		return nil, fmt.Errorf("job expired: %s", jobID)
	}
	return job, nil
}
