package jobs

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/cashout"
)

// CashoutJob retries payout dispatches that could not reach the gateway
// synchronously. The heavy lifting lives in the cashout service; this
// wrapper only translates queue jobs into service calls.
type CashoutJob struct {
	cashouts *cashout.CashoutService
}

// NewCashoutJob creates a new cashout dispatch job handler
func NewCashoutJob(cashouts *cashout.CashoutService) *CashoutJob {
	return &CashoutJob{cashouts: cashouts}
}

// RegisterCashoutJobHandlers wires the dispatch retry and its exhaustion
// fallback into the processor.
func RegisterCashoutJobHandlers(p *queue.Processor, job *CashoutJob) {
	p.RegisterHandler(queue.QueueCashout, job.ProcessDispatch)
	p.RegisterFailureHandler(queue.QueueCashout, job.HandleDispatchFailure)
}

// ProcessDispatch retries the gateway call for one cashout request.
func (j *CashoutJob) ProcessDispatch(ctx context.Context, job queue.Job) error {
	id, err := dispatchCashoutID(job)
	if err != nil {
		return err
	}
	return j.cashouts.ProcessDispatch(ctx, id)
}

// HandleDispatchFailure runs when dispatch retries are exhausted. The
// request is failed and the reserved cash returned, unless the gateway
// already acknowledged the payout.
func (j *CashoutJob) HandleDispatchFailure(ctx context.Context, job queue.Job, jobErr error) {
	id, err := dispatchCashoutID(job)
	if err != nil {
		log.Printf("Cannot abandon dispatch for failed job %s: %v", job.ID, err)
		return
	}
	j.cashouts.AbandonDispatch(ctx, id, fmt.Sprintf("payout dispatch failed after retries: %v", jobErr))
}

func dispatchCashoutID(job queue.Job) (uuid.UUID, error) {
	var payload cashout.DispatchPayload
	if err := queue.JobPayload(job.Payload, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal dispatch payload: %w", err)
	}
	id, err := uuid.Parse(payload.CashoutID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid cashout id %q in dispatch payload: %w", payload.CashoutID, err)
	}
	return id, nil
}
