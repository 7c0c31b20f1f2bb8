// internal/storage/job/store.go
package job

import (
	"sort"
	"sync"
	"time"

	"github.com/newthinker/relaybot/internal/core"
)

// Job is the last known state of an asynchronous provider job.
type Job struct {
	ID        string      `json:"id"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
	Status    string      `json:"status"`
	Attempts  int         `json:"attempts"`
	Error     *core.Error `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store keeps the most recent jobs in memory.
type Store struct {
	jobs    map[string]*Job
	order   []string // Track insertion order for eviction
	maxSize int
	ttl     time.Duration
	mu      sync.RWMutex
	now     func() time.Time
}

// NewStore creates a store holding at most maxSize jobs, each for at most ttl
// after its last update. ttl <= 0 keeps jobs until evicted by size.
func NewStore(maxSize int, ttl time.Duration) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Store{
		jobs:    make(map[string]*Job),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put inserts or replaces the job with j.ID. CreatedAt of an existing job is kept.
func (s *Store) Put(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	j.UpdatedAt = now
	s.pruneExpired()

	if existing, ok := s.jobs[j.ID]; ok {
		j.CreatedAt = existing.CreatedAt
		*existing = j
		return
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}

	// Evict oldest if at capacity
	if len(s.jobs) >= s.maxSize && len(s.order) > 0 {
		oldest := s.order[0]
		delete(s.jobs, oldest)
		s.order = s.order[1:]
	}

	s.jobs[j.ID] = &j
	s.order = append(s.order, j.ID)
}

// Get retrieves a job by ID.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || s.expired(job) {
		return nil, core.Errorf(core.ErrNotFound, "job %s", id)
	}

	// Return copy to prevent race conditions
	jobCopy := *job
	return &jobCopy, nil
}

// List returns the live jobs, most recently updated first.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !s.expired(job) {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// pruneExpired drops expired jobs. Callers hold s.mu.
func (s *Store) pruneExpired() {
	if s.ttl <= 0 {
		return
	}
	live := s.order[:0]
	for _, id := range s.order {
		if s.expired(s.jobs[id]) {
			delete(s.jobs, id)
			continue
		}
		live = append(live, id)
	}
	s.order = live
}

func (s *Store) expired(j *Job) bool {
	return s.ttl > 0 && s.now().Sub(j.UpdatedAt) > s.ttl
}
