package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// JobsTopic is the queue every job message is published on.
const JobsTopic = "jobs"

// ErrPermanent marks task failures that retrying cannot fix, such as a
// malformed payload. The message is acknowledged and the job marked failed.
var ErrPermanent = errors.New("permanent job failure")

// TaskHandler runs one task type.
type TaskHandler func(ctx context.Context, payload json.RawMessage) error

type JobService struct {
	publisher message.Publisher
	repo      JobRepository
	logger    watermill.LoggerAdapter
	handlers  map[string]TaskHandler
}

type JobMessage struct {
	JobID    int             `json:"job_id"`
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
}

func NewJobService(
	publisher message.Publisher,
	repo JobRepository,
	logger watermill.LoggerAdapter,
) *JobService {
	return &JobService{
		publisher: publisher,
		repo:      repo,
		logger:    logger,
		handlers:  make(map[string]TaskHandler),
	}
}

// Register binds a handler to a task type. It must be called before the
// router starts.
func (s *JobService) Register(taskType string, handler TaskHandler) {
	s.handlers[taskType] = handler
}

// EnqueueJob creates a new job and publishes it to the message queue
func (s *JobService) EnqueueJob(ctx context.Context, taskType string, payload json.RawMessage) (*Job, error) {
	if _, ok := s.handlers[taskType]; !ok {
		return nil, fmt.Errorf("unknown task type: %s", taskType)
	}

	job, err := s.repo.Create(ctx, taskType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	jobMsg := JobMessage{
		JobID:    job.ID,
		TaskType: job.TaskType,
		Payload:  job.Payload,
	}
	msgPayload, err := json.Marshal(jobMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	if err := s.publisher.Publish(JobsTopic, msg); err != nil {
		errStr := err.Error()
		if updateErr := s.repo.UpdateStatus(ctx, job.ID, JobStatusFailed, &errStr); updateErr != nil {
			s.logger.Error("Failed to update job status to failed", updateErr, watermill.LogFields{"job_id": job.ID})
		}
		return nil, fmt.Errorf("failed to publish job message: %w", err)
	}

	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id int) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// ProcessJobMessage processes a job message from the queue
func (s *JobService) ProcessJobMessage(msg *message.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		s.logger.Error("Dropping malformed job message", err, watermill.LogFields{"message_uuid": msg.UUID})
		return nil
	}

	ctx := msg.Context()

	job, err := s.repo.Get(ctx, jobMsg.JobID)
	if errors.Is(err, ErrJobNotFound) {
		s.logger.Error("Dropping message for unknown job", err, watermill.LogFields{"job_id": jobMsg.JobID})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, JobStatusRunning, nil); err != nil {
		return fmt.Errorf("failed to update job status to running: %w", err)
	}

	err = s.processJob(ctx, job)
	if err != nil {
		errStr := err.Error()
		if updateErr := s.repo.UpdateStatus(ctx, job.ID, JobStatusFailed, &errStr); updateErr != nil {
			s.logger.Error("Failed to update job status to failed", updateErr, watermill.LogFields{
				"job_id": job.ID,
			})
		}
		if errors.Is(err, ErrPermanent) {
			s.logger.Error("Job failed permanently", err, watermill.LogFields{"job_id": job.ID, "task_type": job.TaskType})
			return nil
		}
		return fmt.Errorf("failed to process job: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, JobStatusCompleted, nil); err != nil {
		return fmt.Errorf("failed to update job status to completed: %w", err)
	}
	s.logger.Info("Job completed", watermill.LogFields{"job_id": job.ID, "task_type": job.TaskType})
	return nil
}

func (s *JobService) processJob(ctx context.Context, job *Job) error {
	handler, ok := s.handlers[job.TaskType]
	if !ok {
		return fmt.Errorf("%w: unknown task type: %s", ErrPermanent, job.TaskType)
	}
	return handler(ctx, job.Payload)
}
