package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue implements Queue using a Redis list per queue plus a sorted set
// for delayed jobs. A hash under "jobs:<id>" mirrors each job's latest state
// for introspection and expires after DefaultTTL.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a new Redis queue
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func newJob(queueName string, payload json.RawMessage, runAt time.Time, opts []EnqueueOption) *Job {
	job := &Job{
		ID:         uuid.New().String(),
		Queue:      queueName,
		Payload:    payload,
		Status:     JobStatusPending,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		RunAt:      runAt,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

// Enqueue adds a job to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := newJob(queueName, payloadBytes, time.Now(), opts)

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, queueName, jobBytes).Err(); err != nil {
		return "", fmt.Errorf("failed to push job to queue: %w", err)
	}

	q.storeJob(ctx, job.ID, jobBytes)
	return job.ID, nil
}

// EnqueueIn adds a job to the queue with a delay
func (q *RedisQueue) EnqueueIn(ctx context.Context, queueName string, payload interface{}, delay time.Duration, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := newJob(queueName, payloadBytes, time.Now().Add(delay), opts)

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	// Score is the unix timestamp the job becomes ready
	err = q.client.ZAdd(ctx, "delayed:"+queueName, &redis.Z{
		Score:  float64(job.RunAt.Unix()),
		Member: jobBytes,
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed to add job to delayed queue: %w", err)
	}

	q.storeJob(ctx, job.ID, jobBytes)
	return job.ID, nil
}

// Dequeue gets a job from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	// First, promote delayed jobs that are ready to run
	q.moveReadyDelayedJobs(ctx, queueName)

	result := q.client.BRPop(ctx, 1*time.Second, queueName)
	if result.Err() != nil {
		if result.Err() == redis.Nil {
			return nil, nil // No jobs available
		}
		return nil, fmt.Errorf("failed to pop job from queue: %w", result.Err())
	}

	if len(result.Val()) < 2 {
		return nil, fmt.Errorf("unexpected result format from BRPOP")
	}

	var job Job
	if err := json.Unmarshal([]byte(result.Val()[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	job.Status = JobStatusProcessing
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, &job)

	return &job, nil
}

// moveReadyDelayedJobs moves delayed jobs that are ready to run to the main queue
func (q *RedisQueue) moveReadyDelayedJobs(ctx context.Context, queueName string) {
	now := time.Now().Unix()

	jobs, err := q.client.ZRangeByScore(ctx, "delayed:"+queueName, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		log.Printf("Error getting ready delayed jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for _, jobStr := range jobs {
		if err := q.client.LPush(ctx, queueName, jobStr).Err(); err != nil {
			log.Printf("Error moving delayed job to main queue: %v", err)
			continue
		}
		q.client.ZRem(ctx, "delayed:"+queueName, jobStr)
	}
}

// Complete marks a job as completed
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = JobStatusCompleted
	job.UpdatedAt = time.Now()
	return q.updateJob(ctx, job)
}

// Fail marks a job as permanently failed
func (q *RedisQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = JobStatusFailed
	job.UpdatedAt = time.Now()
	return q.updateJob(ctx, job)
}

// GetJob retrieves a job's mirrored state by ID
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.HGet(ctx, "jobs:"+jobID, "data").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job details: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, jobID string, jobBytes []byte) {
	if err := q.client.HSet(ctx, "jobs:"+jobID, "data", jobBytes).Err(); err != nil {
		log.Printf("Warning: failed to store job details: %v", err)
		return
	}
	if err := q.client.Expire(ctx, "jobs:"+jobID, DefaultTTL).Err(); err != nil {
		log.Printf("Warning: failed to set TTL on job %s: %v", jobID, err)
	}
}

func (q *RedisQueue) updateJob(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}
	if err := q.client.HSet(ctx, "jobs:"+job.ID, "data", jobBytes).Err(); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}
