package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeDeliverAudit delivers one audit record to one sink.
	JobTypeDeliverAudit JobType = "deliver_audit"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// ErrQueueFull is returned by a non-blocking publish when the buffer is full.
var ErrQueueFull = errors.New("queue is full")

// ErrQueueClosed is returned once the queue has been stopped.
var ErrQueueClosed = errors.New("queue is closed")

// DeliveryJob carries one serialized audit record to one named sink.
type DeliveryJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// RecordID is the query id of the audit record being delivered.
	RecordID string `json:"record_id"`

	// Sink names the destination (bigquery, gcs, redis, log).
	Sink string `json:"sink"`

	// Payload is the JSON-encoded record.
	Payload json.RawMessage `json:"-"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *DeliveryJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *DeliveryJob) GetType() JobType {
	return JobTypeDeliverAudit
}

// GetStatus implements the Job interface.
func (j *DeliveryJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues delivery jobs. Publish never blocks: a full queue
// returns ErrQueueFull and the caller decides whether to drop.
type Publisher interface {
	Publish(ctx context.Context, job *DeliveryJob) error
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job.
// It should return an error if the job failed and should be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	SaveJob(ctx context.Context, job *DeliveryJob) error
	GetJob(ctx context.Context, jobID string) (*DeliveryJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*DeliveryJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// RecordID filters jobs by audit record.
	RecordID string

	// Sink filters jobs by destination.
	Sink string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// ErrJobNotFound is returned by JobStore lookups for unknown ids.
var ErrJobNotFound = errors.New("job not found")
