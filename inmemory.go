package stepifi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements the Store interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing
// and development; records do not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Close closes the store and prevents further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ensureOpenLocked()
}

func (s *MemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Put persists a new job record.
func (s *MemoryStore) Put(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}

	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

// Get retrieves a job by id, treating expired records as absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[id]
	if !exists || job.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// Merge applies a partial update and returns the updated record.
func (s *MemoryStore) Merge(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[id]
	if !exists || job.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	applyPatch(job, patch)
	copied := *job
	return &copied, nil
}

// List returns all non-expired records, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]*Job, error) {
	return s.list(ctx, false)
}

// ListExpired returns records already past their TTL.
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.list(ctx, true)
}

func (s *MemoryStore) list(ctx context.Context, expired bool) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Expired(now) == expired {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	sortJobsNewestFirst(jobs)
	return jobs, nil
}

// Delete removes a job record. Deleting an absent id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	delete(s.jobs, id)
	return nil
}
