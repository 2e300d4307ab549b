package jobs

import (
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/media"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/services/submission"
	"github.com/greenloop/backend/internal/storage"
)

// RegisterAllJobHandlers registers every background job handler with the
// processor.
func RegisterAllJobHandlers(
	p *queue.Processor,
	store storage.Storage,
	submissionSvc *submission.SubmissionService,
	cashoutSvc *cashout.CashoutService,
	prober media.Prober,
	extractor media.FrameExtractor,
	locker queue.Locker,
	rewards config.RewardsConfig,
) {
	verificationJob := NewVerificationJob(store, submissionSvc, prober, extractor, locker, rewards)
	RegisterVerificationJobHandlers(p, verificationJob)

	cashoutJob := NewCashoutJob(cashoutSvc)
	RegisterCashoutJobHandlers(p, cashoutJob)
}
