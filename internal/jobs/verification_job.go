package jobs

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/media"
	"github.com/greenloop/backend/internal/metrics"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/submission"
	"github.com/greenloop/backend/internal/storage"
)

// verificationLockTTL bounds how long a worker may hold a submission's
// verification lock. An expired lease only risks duplicate work; the
// status transitions themselves are guarded.
const verificationLockTTL = 10 * time.Minute

// VerificationJob runs the media pipeline for one submission: fetch the
// raw bytes, probe them, produce a thumbnail and perceptual fingerprint,
// compute the auto-score and drive the resulting status transition.
type VerificationJob struct {
	store       storage.Storage
	submissions *submission.SubmissionService
	prober      media.Prober
	extractor   media.FrameExtractor
	locker      queue.Locker
	rewards     config.RewardsConfig
}

// NewVerificationJob creates a new verification job handler
func NewVerificationJob(
	store storage.Storage,
	submissions *submission.SubmissionService,
	prober media.Prober,
	extractor media.FrameExtractor,
	locker queue.Locker,
	rewards config.RewardsConfig,
) *VerificationJob {
	return &VerificationJob{
		store:       store,
		submissions: submissions,
		prober:      prober,
		extractor:   extractor,
		locker:      locker,
		rewards:     rewards,
	}
}

// RegisterVerificationJobHandlers wires the pipeline and its permanent-failure
// fallback into the processor.
func RegisterVerificationJobHandlers(p *queue.Processor, job *VerificationJob) {
	p.RegisterHandler(queue.QueueVerification, job.ProcessVerification)
	p.RegisterFailureHandler(queue.QueueVerification, job.HandleVerificationFailure)
}

// ProcessVerification processes one verification job. Transient trouble
// (storage reads, database writes) is returned as a retryable error;
// unreadable media is not retried and parks the submission for human review.
func (j *VerificationJob) ProcessVerification(ctx context.Context, job queue.Job) error {
	var payload submission.VerifyPayload
	if err := queue.JobPayload(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal verification payload: %w", err)
	}

	id, err := uuid.Parse(payload.SubmissionID)
	if err != nil {
		return fmt.Errorf("invalid submission id %q in verification payload: %w", payload.SubmissionID, err)
	}

	if job.RetryCount > 0 {
		metrics.VerificationRetries.Inc()
	}

	release, acquired, err := j.locker.TryAcquire(ctx, "verify:"+payload.SubmissionID, verificationLockTTL)
	if err != nil {
		return errs.Transient("failed to acquire verification lock", err)
	}
	if !acquired {
		return errs.Transient(fmt.Sprintf("submission %s is being verified by another worker", id), nil)
	}
	defer release()

	sub, err := j.submissions.Get(ctx, id)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			log.Printf("Submission %s no longer exists, skipping verification", id)
			return nil
		}
		return errs.Transient("failed to load submission", err)
	}

	// Redelivered or requeued jobs find the work already done
	if sub.Status != models.SubmissionStatusQueued {
		log.Printf("Submission %s is already in status %s, skipping verification", id, sub.Status)
		return nil
	}

	data, err := j.store.Fetch(ctx, sub.VideoKey)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			log.Printf("Stored media %s for submission %s is missing", sub.VideoKey, id)
			return j.parkForReview(ctx, id, "stored media is missing")
		}
		return errs.Transient("failed to fetch media from storage", err)
	}

	meta, err := j.prober.Probe(ctx, data)
	if err != nil {
		// A probe cut short by the job deadline deserves another attempt;
		// media that genuinely cannot be read does not.
		if ctx.Err() != nil {
			return errs.Transient("media probe interrupted", err)
		}
		log.Printf("Probe failed for submission %s: %v", id, err)
		return j.parkForReview(ctx, id, fmt.Sprintf("media could not be probed: %v", err))
	}

	thumbKey, fingerprint, err := j.extractFrameArtifacts(ctx, data, meta.DurationSeconds)
	if err != nil {
		if errs.IsTransient(err) {
			return err
		}
		log.Printf("Frame artifacts failed for submission %s: %v", id, err)
		return j.parkForReview(ctx, id, err.Error())
	}

	if err := j.submissions.RecordMediaMetadata(ctx, id, *meta, thumbKey, fingerprint); err != nil {
		return errs.Transient("failed to record media metadata", err)
	}

	score := computeAutoScore(meta)
	if score > j.rewards.AutoVerifyThreshold {
		if err := j.submissions.MarkAutoVerified(ctx, id, score); err != nil {
			return errs.Transient("failed to mark submission auto-verified", err)
		}
		log.Printf("Submission %s auto-verified with score %d", id, score)
		return nil
	}

	reason := fmt.Sprintf("auto-score %d at or below threshold %d", score, j.rewards.AutoVerifyThreshold)
	if err := j.submissions.MarkNeedsReview(ctx, id, &score, reason); err != nil {
		return errs.Transient("failed to mark submission for review", err)
	}
	log.Printf("Submission %s routed to review with score %d", id, score)
	return nil
}

// extractFrameArtifacts grabs the representative frame and derives the stored
// thumbnail and perceptual fingerprint from it. Trouble reaching storage is
// transient and retried; media the extractor cannot read is not.
func (j *VerificationJob) extractFrameArtifacts(ctx context.Context, data []byte, durationSeconds float64) (string, string, error) {
	img, err := j.extractor.ExtractFrame(ctx, data, media.FrameTime(durationSeconds))
	if err != nil {
		if ctx.Err() != nil {
			return "", "", errs.Transient("frame extraction interrupted", err)
		}
		return "", "", fmt.Errorf("frame could not be extracted: %w", err)
	}

	thumb, err := media.Thumbnail(img)
	if err != nil {
		return "", "", fmt.Errorf("thumbnail could not be encoded: %w", err)
	}
	thumbKey, err := j.store.Store(ctx, thumb, "image/jpeg")
	if err != nil {
		return "", "", errs.Transient("failed to store thumbnail", err)
	}

	fingerprint, err := media.Fingerprint(img)
	if err != nil {
		return "", "", fmt.Errorf("frame could not be fingerprinted: %w", err)
	}

	return thumbKey, fingerprint, nil
}

// HandleVerificationFailure runs when a job is out of retries. The submission
// is parked for human review instead of being silently lost.
func (j *VerificationJob) HandleVerificationFailure(ctx context.Context, job queue.Job, jobErr error) {
	var payload submission.VerifyPayload
	if err := queue.JobPayload(job.Payload, &payload); err != nil {
		log.Printf("Cannot park submission for failed job %s: bad payload: %v", job.ID, err)
		return
	}
	id, err := uuid.Parse(payload.SubmissionID)
	if err != nil {
		log.Printf("Cannot park submission for failed job %s: bad id %q", job.ID, payload.SubmissionID)
		return
	}

	reason := fmt.Sprintf("automatic verification failed: %v", jobErr)
	if err := j.submissions.MarkNeedsReview(ctx, id, nil, reason); err != nil {
		log.Printf("Failed to park submission %s for review after job failure: %v", id, err)
	}
}

func (j *VerificationJob) parkForReview(ctx context.Context, id uuid.UUID, reason string) error {
	if err := j.submissions.MarkNeedsReview(ctx, id, nil, reason); err != nil {
		return errs.Transient("failed to mark submission for review", err)
	}
	return nil
}

// computeAutoScore turns probed metadata into a 0-100 quality score. The
// weights are a deterministic heuristic; anything smarter can replace this
// function as long as it honors the same scale.
func computeAutoScore(meta *media.Metadata) int {
	score := 0.5

	if meta.DurationSeconds >= 10 && meta.DurationSeconds <= 60 {
		score += 0.2
	}
	if meta.DurationSeconds < 5 {
		score -= 0.3
	}
	if meta.Width >= 1280 && meta.Height >= 720 {
		score += 0.1
	}

	const mb = 1 << 20
	if meta.SizeBytes >= 1*mb && meta.SizeBytes <= 50*mb {
		score += 0.1
	}
	if meta.SizeBytes > 100*mb {
		score -= 0.2
	}

	score = math.Max(0, math.Min(1, score))
	return int(math.Round(score * 100))
}
