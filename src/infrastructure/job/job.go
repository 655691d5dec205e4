package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrJobNotFound is returned by repositories for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Job represents a background job
type Job struct {
	ID        int             `json:"id" gorm:"primaryKey"`
	TaskType  string          `json:"task_type" gorm:"size:64;not null"`
	Payload   json.RawMessage `json:"payload" gorm:"type:jsonb"`
	Status    JobStatus       `json:"status" gorm:"size:16;not null;index"`
	Error     *string         `json:"error,omitempty" gorm:"type:text"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobRepository defines the interface for job persistence
type JobRepository interface {
	Create(ctx context.Context, taskType string, payload json.RawMessage) (*Job, error)
	Get(ctx context.Context, id int) (*Job, error)
	UpdateStatus(ctx context.Context, id int, status JobStatus, err *string) error
}
