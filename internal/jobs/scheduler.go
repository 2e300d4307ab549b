package jobs

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/services/submission"
)

// sweepTimeout bounds one sweep run so a slow database cannot pile
// overlapping sweeps on top of each other.
const sweepTimeout = time.Minute

// Scheduler runs the recurring housekeeping sweeps: requeueing stuck
// verifications, requeueing stalled payout dispatches and expiring cashout
// requests nobody ever initiated.
type Scheduler struct {
	cron        *gocron.Scheduler
	submissions *submission.SubmissionService
	cashouts    *cashout.CashoutService
	worker      config.WorkerConfig
	cashoutCfg  config.CashoutConfig
}

// NewScheduler creates a new scheduler
func NewScheduler(
	submissions *submission.SubmissionService,
	cashouts *cashout.CashoutService,
	worker config.WorkerConfig,
	cashoutCfg config.CashoutConfig,
) *Scheduler {
	return &Scheduler{
		cron:        gocron.NewScheduler(time.UTC),
		submissions: submissions,
		cashouts:    cashouts,
		worker:      worker,
		cashoutCfg:  cashoutCfg,
	}
}

// Start registers the sweeps and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Every(s.worker.SweepInterval).Do(s.sweepStuckSubmissions); err != nil {
		return err
	}
	if _, err := s.cron.Every(s.worker.SweepInterval).Do(s.sweepStalledDispatches); err != nil {
		return err
	}
	if _, err := s.cron.Every(1).Hour().Do(s.expireStaleCashouts); err != nil {
		return err
	}

	s.cron.StartAsync()
	log.Printf("Scheduler started: sweeps every %s, cashout expiry hourly", s.worker.SweepInterval)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) sweepStuckSubmissions() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	requeued, err := s.submissions.RequeueStuck(ctx, s.worker.StuckThreshold)
	if err != nil {
		log.Printf("Error sweeping stuck submissions: %v", err)
		return
	}
	if requeued > 0 {
		log.Printf("Requeued %d stuck submissions", requeued)
	}
}

func (s *Scheduler) sweepStalledDispatches() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	requeued, err := s.cashouts.RequeueStalledDispatches(ctx, s.worker.StuckThreshold)
	if err != nil {
		log.Printf("Error sweeping stalled payout dispatches: %v", err)
		return
	}
	if requeued > 0 {
		log.Printf("Requeued %d stalled payout dispatches", requeued)
	}
}

func (s *Scheduler) expireStaleCashouts() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	expired, err := s.cashouts.ExpireStalePending(ctx, s.cashoutCfg.PendingTTL)
	if err != nil {
		log.Printf("Error expiring stale cashout requests: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("Expired %d stale cashout requests", expired)
	}
}
