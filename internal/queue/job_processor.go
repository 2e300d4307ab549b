package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/greenloop/backend/internal/errs"
)

// HandlerFunc processes one job. Returning a transient error (see the errs
// package) asks the processor to retry with backoff; any other error is
// treated as permanent.
type HandlerFunc func(ctx context.Context, job Job) error

// FailureFunc runs once a job has permanently failed, either because the
// handler returned a non-transient error or because retries ran out. It is
// where the owning feature degrades its entity to a safe state.
type FailureFunc func(ctx context.Context, job Job, jobErr error)

// RetryConfig defines the backoff schedule for transient failures
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval
	Multiplier      float64       // Backoff multiplier for subsequent retries
}

// Processor runs a pool of workers that poll the queue and dispatch jobs to
// registered handlers, retrying transient failures with exponential backoff.
type Processor struct {
	queue       Queue
	handlers    map[string]HandlerFunc
	failures    map[string]FailureFunc
	workerCount int
	jobTimeout  time.Duration
	retryConf   RetryConfig
	stopChan    chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewProcessor creates a new Processor
func NewProcessor(q Queue, workerCount int, jobTimeout time.Duration, retryConf RetryConfig) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:       q,
		handlers:    make(map[string]HandlerFunc),
		failures:    make(map[string]FailureFunc),
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		retryConf:   retryConf,
		stopChan:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterHandler registers a handler for a specific queue
func (p *Processor) RegisterHandler(queueName string, handler HandlerFunc) {
	p.handlers[queueName] = handler
}

// RegisterFailureHandler registers the permanent-failure callback for a queue
func (p *Processor) RegisterFailureHandler(queueName string, fn FailureFunc) {
	p.failures[queueName] = fn
}

// Start starts the worker pool. Register all handlers before calling Start.
func (p *Processor) Start() {
	log.Printf("Starting job processor with %d workers", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops the worker pool and waits for in-flight jobs to finish
func (p *Processor) Stop() {
	log.Println("Stopping job processor")
	close(p.stopChan)
	p.cancel()
	p.wg.Wait()
	log.Println("Job processor stopped")
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()

	queues := make([]string, 0, len(p.handlers))
	for queueName := range p.handlers {
		queues = append(queues, queueName)
	}
	if len(queues) == 0 {
		log.Printf("Worker %d exiting: no queues registered", id)
		return
	}

	for {
		select {
		case <-p.stopChan:
			return
		default:
			for _, queueName := range queues {
				job, err := p.queue.Dequeue(p.ctx, queueName)
				if err != nil {
					if p.ctx.Err() != nil {
						return
					}
					log.Printf("Worker %d error getting job from queue %s: %v", id, queueName, err)
					continue
				}
				if job == nil {
					continue
				}

				p.processJob(job)

				// One job per iteration so other queues get a turn
				break
			}

			// Brief pause to avoid hammering the queue when idle
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (p *Processor) processJob(job *Job) {
	handler, ok := p.handlers[job.Queue]
	if !ok {
		log.Printf("No handler registered for queue: %s", job.Queue)
		p.queue.Fail(p.ctx, job.ID, errs.Fatalf("no handler registered for queue %s", job.Queue))
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	err := handler(ctx, *job)
	cancel()

	if err == nil {
		if err := p.queue.Complete(p.ctx, job.ID); err != nil {
			log.Printf("Failed to mark job %s completed: %v", job.ID, err)
		}
		return
	}

	// A job that hit its deadline is worth another try
	if ctx.Err() == context.DeadlineExceeded && !errs.IsTransient(err) {
		err = errs.Transient("job timed out", err)
	}

	if errs.IsTransient(err) {
		retry := job.RetryCount + 1
		if retry <= p.retryConf.MaxRetries {
			delay := p.calculateBackoff(retry)
			log.Printf("Scheduling retry %d/%d for job %s in %v. Error: %v",
				retry, p.retryConf.MaxRetries, job.ID, delay, err)

			_, enqErr := p.queue.EnqueueIn(p.ctx, job.Queue, job.Payload, delay,
				WithJobID(job.ID), WithKey(job.Key), WithRetryCount(retry), WithMaxRetries(job.MaxRetries))
			if enqErr != nil {
				log.Printf("Failed to schedule retry for job %s: %v", job.ID, enqErr)
				p.fail(job, err)
			}
			return
		}
		log.Printf("Job %s exceeded maximum retry attempts (%d). Error: %v", job.ID, p.retryConf.MaxRetries, err)
	}

	p.fail(job, err)
}

func (p *Processor) fail(job *Job, jobErr error) {
	if err := p.queue.Fail(p.ctx, job.ID, jobErr); err != nil {
		log.Printf("Failed to mark job %s failed: %v", job.ID, err)
	}
	if fn, ok := p.failures[job.Queue]; ok {
		fn(p.ctx, *job, jobErr)
	} else {
		log.Printf("Job %s on queue %s permanently failed: %v", job.ID, job.Queue, jobErr)
	}
}

// calculateBackoff calculates the backoff duration for a retry attempt
func (p *Processor) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: initialInterval * multiplier^(attempt-1),
	// capped at maxInterval
	interval := p.retryConf.InitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * p.retryConf.Multiplier)
		if interval > p.retryConf.MaxInterval {
			interval = p.retryConf.MaxInterval
			break
		}
	}
	return interval
}
