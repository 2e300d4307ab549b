package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used in tests and single-node
// development setups. Semantics match RedisQueue: FIFO per queue name,
// delayed jobs become visible once their RunAt passes.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    map[string][]Job
	delayed  map[string][]Job
	statuses map[string]JobStatus
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:    make(map[string][]Job),
		delayed:  make(map[string][]Job),
		statuses: make(map[string]JobStatus),
	}
}

// Enqueue adds a job for immediate processing
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, payload interface{}, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := newJob(queueName, payloadBytes, time.Now(), opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready[queueName] = append(q.ready[queueName], *job)
	q.statuses[job.ID] = JobStatusPending
	return job.ID, nil
}

// EnqueueIn adds a job that becomes visible after the delay
func (q *MemoryQueue) EnqueueIn(ctx context.Context, queueName string, payload interface{}, delay time.Duration, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := newJob(queueName, payloadBytes, time.Now().Add(delay), opts)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[queueName] = append(q.delayed[queueName], *job)
	q.statuses[job.ID] = JobStatusPending
	return job.ID, nil
}

// Dequeue pops the next ready job, or returns (nil, nil) when none is due
func (q *MemoryQueue) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Promote delayed jobs whose time has come, keeping enqueue order
	now := time.Now()
	remaining := q.delayed[queueName][:0]
	for _, job := range q.delayed[queueName] {
		if !job.RunAt.After(now) {
			q.ready[queueName] = append(q.ready[queueName], job)
		} else {
			remaining = append(remaining, job)
		}
	}
	q.delayed[queueName] = remaining

	jobs := q.ready[queueName]
	if len(jobs) == 0 {
		return nil, nil
	}

	job := jobs[0]
	q.ready[queueName] = jobs[1:]
	job.Status = JobStatusProcessing
	job.UpdatedAt = time.Now()
	q.statuses[job.ID] = JobStatusProcessing
	return &job, nil
}

// Complete marks a job as completed
func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[jobID] = JobStatusCompleted
	return nil
}

// Fail marks a job as permanently failed
func (q *MemoryQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[jobID] = JobStatusFailed
	return nil
}

// Status reports the last recorded status of a job
func (q *MemoryQueue) Status(jobID string) (JobStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	status, ok := q.statuses[jobID]
	return status, ok
}

// Pending reports how many jobs are waiting, ready or delayed, on a queue
func (q *MemoryQueue) Pending(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queueName]) + len(q.delayed[queueName])
}
