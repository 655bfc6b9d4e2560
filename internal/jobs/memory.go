package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/cv-screener/internal/apperr"
)

type record struct {
	mu  sync.Mutex
	job Job
}

// MemoryStore keeps jobs in process memory. The map lock only guards lookups;
// each record carries its own lock for writes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, title, cvID, reportID string) (Job, error) {
	now := s.now()
	job := Job{
		ID:        uuid.NewString(),
		Title:     title,
		CVID:      cvID,
		ReportID:  reportID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.records[job.ID] = &record{job: job}
	s.mu.Unlock()

	return job.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, next Status, upd Update) (Job, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	updated := rec.job
	if err := apply(&updated, next, upd, s.now()); err != nil {
		return Job{}, err
	}
	rec.job = updated

	return updated.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.job.Clone(), nil
}

func (s *MemoryStore) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("job", id)
	}
	return rec, nil
}
