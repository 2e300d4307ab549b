package queue

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Queue names
	QueueVerification = "verification"
	QueueCashout      = "cashout"

	// Default values
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job represents a background job
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RunAt      time.Time       `json:"run_at"`
}

// Queue is the transport between request handlers and the background
// workers. Implementations must deliver a job at least once; handlers are
// written to tolerate redelivery.
type Queue interface {
	// Enqueue adds a job for immediate processing and returns its ID.
	Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...EnqueueOption) (string, error)
	// EnqueueIn adds a job that becomes visible after the given delay.
	EnqueueIn(ctx context.Context, queueName string, payload interface{}, delay time.Duration, opts ...EnqueueOption) (string, error)
	// Dequeue pops the next ready job, or returns (nil, nil) when the queue
	// is empty.
	Dequeue(ctx context.Context, queueName string) (*Job, error)
	// Complete marks a job as successfully processed.
	Complete(ctx context.Context, jobID string) error
	// Fail marks a job as permanently failed.
	Fail(ctx context.Context, jobID string, jobErr error) error
}

// EnqueueOption defines options for enqueueing jobs
type EnqueueOption func(*Job)

// WithMaxRetries sets the maximum number of retries for a job
func WithMaxRetries(maxRetries int) EnqueueOption {
	return func(j *Job) {
		j.MaxRetries = maxRetries
	}
}

// WithJobID sets a specific job ID
func WithJobID(id string) EnqueueOption {
	return func(j *Job) {
		j.ID = id
	}
}

// WithKey tags a job with a stable key (usually the entity ID) so workers
// can take a per-entity lock before touching shared state.
func WithKey(key string) EnqueueOption {
	return func(j *Job) {
		j.Key = key
	}
}

// WithRetryCount carries the attempt counter across a re-enqueue.
func WithRetryCount(count int) EnqueueOption {
	return func(j *Job) {
		j.RetryCount = count
	}
}

// JobPayload is a helper function to unmarshal job payload
func JobPayload(payload []byte, v interface{}) error {
	return json.Unmarshal(payload, v)
}
