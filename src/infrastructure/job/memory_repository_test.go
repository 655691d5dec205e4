package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryJobRepository keeps jobs in process for the service tests.
type MemoryJobRepository struct {
	mu     sync.Mutex
	jobs   map[int]*Job
	nextID int
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[int]*Job)}
}

func (r *MemoryJobRepository) Create(_ context.Context, taskType string, payload json.RawMessage) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now().UTC()
	job := &Job{
		ID:        r.nextID,
		TaskType:  taskType,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (r *MemoryJobRepository) Get(_ context.Context, id int) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *MemoryJobRepository) UpdateStatus(_ context.Context, id int, status JobStatus, err *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.Error = err
	job.UpdatedAt = time.Now().UTC()
	return nil
}
