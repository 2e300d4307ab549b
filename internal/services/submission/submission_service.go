package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/events"
	"github.com/greenloop/backend/internal/geo"
	"github.com/greenloop/backend/internal/media"
	"github.com/greenloop/backend/internal/metrics"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/greenloop/backend/internal/storage"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SubmissionService owns the submission lifecycle from intake to a terminal
// decision. Every state transition is a guarded UPDATE plus its audit event
// in one transaction; wallet credits ride in the same transaction as the
// transition that earns them.
type SubmissionService struct {
	db      *gorm.DB
	rewards config.RewardsConfig
	matcher *geo.Matcher
	store   storage.Storage
	queue   queue.Queue
	events  *events.Recorder
	wallet  *wallet.WalletService
}

// NewSubmissionService creates a new submission service
func NewSubmissionService(db *gorm.DB, rewards config.RewardsConfig, matcher *geo.Matcher, store storage.Storage, q queue.Queue, recorder *events.Recorder, walletService *wallet.WalletService) *SubmissionService {
	return &SubmissionService{
		db:      db,
		rewards: rewards,
		matcher: matcher,
		store:   store,
		queue:   q,
		events:  recorder,
		wallet:  walletService,
	}
}

// CreateSubmissionInput is the intake payload for a new submission
type CreateSubmissionInput struct {
	Video             []byte
	ContentType       string
	Latitude          float64
	Longitude         float64
	RecordedAt        time.Time
	DeviceFingerprint string
}

// VerifyPayload is the job payload the verification worker consumes
type VerifyPayload struct {
	SubmissionID string `json:"submission_id"`
}

// Create validates an intake request, stores the video, persists the
// submission in queued state with its created event, and enqueues the
// verification job once the transaction commits.
func (s *SubmissionService) Create(ctx context.Context, userID uuid.UUID, input CreateSubmissionInput) (*models.Submission, error) {
	if len(input.Video) == 0 {
		return nil, errs.New(errs.KindValidation, "missing_video", "a video file is required")
	}

	now := time.Now().UTC()
	if input.RecordedAt.After(now) {
		return nil, fmt.Errorf("recorded_at %s is in the future: %w", input.RecordedAt.Format(time.RFC3339), errs.ErrStaleOrFutureCapture)
	}
	if now.Sub(input.RecordedAt) > s.rewards.CaptureWindow {
		return nil, fmt.Errorf("recorded_at %s is older than %s: %w", input.RecordedAt.Format(time.RFC3339), s.rewards.CaptureWindow, errs.ErrStaleOrFutureCapture)
	}

	match, err := s.matcher.FindNearestActivePoint(ctx, input.Latitude, input.Longitude)
	if err != nil {
		return nil, err
	}

	videoKey, err := s.store.Store(ctx, input.Video, input.ContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to store video: %w", err)
	}

	sub := models.Submission{
		UserID:            userID,
		CollectionPointID: match.Point.ID,
		VideoKey:          videoKey,
		Latitude:          input.Latitude,
		Longitude:         input.Longitude,
		RecordedAt:        input.RecordedAt,
		DeviceFingerprint: input.DeviceFingerprint,
		Status:            models.SubmissionStatusQueued,
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := s.createInTx(tx, &sub, userID, match, now); err != nil {
		tx.Rollback()
		s.deleteStored(videoKey)
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		s.deleteStored(videoKey)
		return nil, fmt.Errorf("error committing submission: %w", err)
	}

	metrics.SubmissionsCreated.Inc()

	// Enqueue after commit so the worker never races an uncommitted row. A
	// lost enqueue is recovered by the stuck-submission sweep.
	if err := s.EnqueueVerification(ctx, sub.ID); err != nil {
		log.Printf("Failed to enqueue verification for submission %s: %v", sub.ID, err)
	}

	return &sub, nil
}

func (s *SubmissionService) createInTx(tx *gorm.DB, sub *models.Submission, userID uuid.UUID, match *geo.Match, now time.Time) error {
	if err := tx.Create(sub).Error; err != nil {
		return fmt.Errorf("error creating submission: %w", err)
	}

	// Count inside the transaction, so the new row is included and two
	// concurrent creates cannot both sneak under the cap. Unscoped, so
	// deleting a submission does not refund the day's quota.
	dayStart := now.Truncate(24 * time.Hour)
	var todayCount int64
	if err := tx.Unscoped().Model(&models.Submission{}).
		Where("user_id = ? AND created_at >= ?", userID, dayStart).
		Count(&todayCount).Error; err != nil {
		return fmt.Errorf("error counting today's submissions: %w", err)
	}
	if todayCount > int64(s.rewards.DailySubmissionLimit) {
		return fmt.Errorf("%d submissions today (limit %d): %w", todayCount-1, s.rewards.DailySubmissionLimit, errs.ErrRateLimitExceeded)
	}

	return s.events.Record(tx, sub.ID, &userID, models.EventSubmissionCreated, models.JSON{
		"collection_point_id": match.Point.ID.String(),
		"collection_point":    match.Point.Slug,
		"distance_meters":     match.Distance,
	})
}

// EnqueueVerification queues the verification job for a submission. Also
// used by the sweep that recovers submissions whose enqueue was lost.
func (s *SubmissionService) EnqueueVerification(ctx context.Context, id uuid.UUID) error {
	_, err := s.queue.Enqueue(ctx, queue.QueueVerification,
		VerifyPayload{SubmissionID: id.String()},
		queue.WithKey(id.String()))
	if err != nil {
		return fmt.Errorf("failed to enqueue verification job: %w", err)
	}
	return nil
}

// GetForUser loads a submission owned by the given user
func (s *SubmissionService) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("submission")
		}
		return nil, fmt.Errorf("error finding submission: %w", err)
	}
	return &sub, nil
}

// Get loads a submission regardless of owner, for moderation
func (s *SubmissionService) Get(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("submission")
		}
		return nil, fmt.Errorf("error finding submission: %w", err)
	}
	return &sub, nil
}

// ListForUser returns a user's submissions, newest first
func (s *SubmissionService) ListForUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.Submission, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Submission{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("error counting submissions: %w", err)
	}

	var subs []models.Submission
	offset := (page - 1) * pageSize
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Offset(offset).Limit(pageSize).
		Find(&subs).Error; err != nil {
		return nil, 0, fmt.Errorf("error finding submissions: %w", err)
	}
	return subs, total, nil
}

// ListModerationQueue returns submissions awaiting a decision or still in
// the pipeline, oldest first so reviewers work in arrival order.
func (s *SubmissionService) ListModerationQueue(ctx context.Context, page, pageSize int) ([]models.Submission, int64, error) {
	statuses := []models.SubmissionStatus{models.SubmissionStatusNeedsReview, models.SubmissionStatusQueued}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Submission{}).Where("status IN ?", statuses).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("error counting moderation queue: %w", err)
	}

	var subs []models.Submission
	offset := (page - 1) * pageSize
	if err := s.db.WithContext(ctx).Where("status IN ?", statuses).
		Order("created_at ASC").Offset(offset).Limit(pageSize).
		Find(&subs).Error; err != nil {
		return nil, 0, fmt.Errorf("error finding moderation queue: %w", err)
	}
	return subs, total, nil
}

// ModerationDetail is everything a reviewer sees for one submission
type ModerationDetail struct {
	Submission         models.Submission        `json:"submission"`
	Events             []models.SubmissionEvent `json:"events"`
	FingerprintMatches []models.Submission      `json:"fingerprint_matches"`
}

// GetModerationDetail loads a submission with its event trail and any other
// submissions sharing its perceptual fingerprint (duplicate hints).
func (s *SubmissionService) GetModerationDetail(ctx context.Context, id uuid.UUID) (*ModerationDetail, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	eventList, err := s.events.ForSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &ModerationDetail{
		Submission:         *sub,
		Events:             eventList,
		FingerprintMatches: []models.Submission{},
	}

	if sub.Fingerprint != nil && *sub.Fingerprint != "" {
		if err := s.db.WithContext(ctx).
			Where("fingerprint = ? AND id != ?", *sub.Fingerprint, id).
			Order("created_at DESC").Limit(5).
			Find(&detail.FingerprintMatches).Error; err != nil {
			return nil, fmt.Errorf("error finding fingerprint matches: %w", err)
		}
	}

	return detail, nil
}

// Approve moves a submission to approved and credits the award exactly
// once. Legal only from auto_verified or needs_review; an auto-verified
// submission was already credited, so approval then records the decision
// without paying twice.
func (s *SubmissionService) Approve(ctx context.Context, id, actorID uuid.UUID, note string) (*models.Submission, error) {
	var sub models.Submission
	var creditedPoints int64

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.First(&sub, "id = ?", id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("submission")
		}
		return nil, fmt.Errorf("error finding submission: %w", err)
	}

	now := time.Now()
	result := tx.Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, []models.SubmissionStatus{models.SubmissionStatusAutoVerified, models.SubmissionStatusNeedsReview}).
		Updates(map[string]interface{}{
			"status":      models.SubmissionStatusApproved,
			"reviewed_by": actorID,
			"reviewed_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error approving submission: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, s.transitionConflict(ctx, id, "approve")
	}

	meta := models.JSON{}
	if note != "" {
		meta["note"] = note
	}
	if err := s.events.Record(tx, id, &actorID, models.EventApproved, meta); err != nil {
		tx.Rollback()
		return nil, err
	}

	credited, err := s.events.HasKind(tx, id, models.EventPointsCredited)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !credited {
		creditedPoints = s.awardPoints(sub.AutoScore)
		if err := s.credit(tx, &sub, creditedPoints, &actorID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing approval: %w", err)
	}

	if creditedPoints > 0 {
		metrics.PointsCredited.Add(float64(creditedPoints))
	}
	return s.Get(ctx, id)
}

// Reject moves a submission to rejected. Legal only from auto_verified or
// needs_review and always requires a reason. Points credited by an earlier
// auto-verification stand; rejection does not claw back the wallet.
func (s *SubmissionService) Reject(ctx context.Context, id, actorID uuid.UUID, reason string) (*models.Submission, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.ErrEmptyRejectReason
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	result := tx.Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, []models.SubmissionStatus{models.SubmissionStatusAutoVerified, models.SubmissionStatusNeedsReview}).
		Updates(map[string]interface{}{
			"status":        models.SubmissionStatusRejected,
			"reject_reason": reason,
			"reviewed_by":   actorID,
			"reviewed_at":   now,
			"updated_at":    now,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error rejecting submission: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, s.transitionConflict(ctx, id, "reject")
	}

	if err := s.events.Record(tx, id, &actorID, models.EventRejected, models.JSON{"reason": reason}); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing rejection: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a submission and its whole event trail atomically. Only
// the owner (or an elevated actor) may delete, and only while the
// submission is still queued or needs_review. Media cleanup is best-effort.
func (s *SubmissionService) Delete(ctx context.Context, id, actorID uuid.UUID, elevated bool) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var sub models.Submission
	if err := tx.First(&sub, "id = ?", id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("submission")
		}
		return fmt.Errorf("error finding submission: %w", err)
	}

	if sub.UserID != actorID && !elevated {
		tx.Rollback()
		return errs.Forbidden("only the owner may delete this submission")
	}
	if sub.Status != models.SubmissionStatusQueued && sub.Status != models.SubmissionStatusNeedsReview {
		tx.Rollback()
		return fmt.Errorf("cannot delete submission in status %s: %w", sub.Status, errs.ErrInvalidStateTransition)
	}

	if err := s.events.DeleteForSubmission(tx, id); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Delete(&sub).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("error deleting submission: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("error committing deletion: %w", err)
	}

	s.deleteStored(sub.VideoKey)
	if sub.ThumbnailKey != nil {
		s.deleteStored(*sub.ThumbnailKey)
	}
	return nil
}

// RecordMediaMetadata persists what the worker learned by probing the video
func (s *SubmissionService) RecordMediaMetadata(ctx context.Context, id uuid.UUID, meta media.Metadata, thumbnailKey, fingerprint string) error {
	updates := map[string]interface{}{
		"duration_seconds": meta.DurationSeconds,
		"size_bytes":       meta.SizeBytes,
		"width":            meta.Width,
		"height":           meta.Height,
		"codec":            meta.Codec,
		"updated_at":       time.Now(),
	}
	if thumbnailKey != "" {
		updates["thumbnail_key"] = thumbnailKey
	}
	if fingerprint != "" {
		updates["fingerprint"] = fingerprint
	}

	if err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("error recording media metadata: %w", err)
	}
	return nil
}

// MarkAutoVerified transitions queued → auto_verified and credits the award
// in the same transaction. Re-delivered jobs find the submission already
// moved and return without touching anything.
func (s *SubmissionService) MarkAutoVerified(ctx context.Context, id uuid.UUID, score int) error {
	var creditedPoints int64

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var sub models.Submission
	if err := tx.First(&sub, "id = ?", id).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted while the job was in flight; nothing to verify
			log.Printf("Submission %s vanished before auto-verification", id)
			return nil
		}
		return fmt.Errorf("error finding submission: %w", err)
	}
	if sub.Status != models.SubmissionStatusQueued {
		tx.Rollback()
		return nil
	}

	now := time.Now()
	result := tx.Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusQueued).
		Updates(map[string]interface{}{
			"status":      models.SubmissionStatusAutoVerified,
			"auto_score":  score,
			"verified_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("error auto-verifying submission: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost a race with another worker; their transition stands
		tx.Rollback()
		return nil
	}

	if err := s.events.Record(tx, id, nil, models.EventAutoVerified, models.JSON{"score": score}); err != nil {
		tx.Rollback()
		return err
	}

	credited, err := s.events.HasKind(tx, id, models.EventPointsCredited)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !credited {
		scoreCopy := score
		creditedPoints = s.awardPoints(&scoreCopy)
		if err := s.credit(tx, &sub, creditedPoints, nil); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("error committing auto-verification: %w", err)
	}

	metrics.SubmissionsAutoVerified.Inc()
	if creditedPoints > 0 {
		metrics.PointsCredited.Add(float64(creditedPoints))
	}
	return nil
}

// MarkNeedsReview transitions queued → needs_review with the reason the
// pipeline could not auto-verify. No-op when the submission already moved.
func (s *SubmissionService) MarkNeedsReview(ctx context.Context, id uuid.UUID, score *int, reason string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	updates := map[string]interface{}{
		"status":     models.SubmissionStatusNeedsReview,
		"updated_at": now,
	}
	if score != nil {
		updates["auto_score"] = *score
	}

	result := tx.Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusQueued).
		Updates(updates)
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("error marking submission for review: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil
	}

	meta := models.JSON{"reason": reason}
	if score != nil {
		meta["score"] = *score
	}
	if err := s.events.Record(tx, id, nil, models.EventNeedsReview, meta); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("error committing review routing: %w", err)
	}

	metrics.SubmissionsNeedsReview.Inc()
	return nil
}

// RequeueStuck re-enqueues verification for submissions that have sat in
// queued longer than the threshold, recovering enqueues lost to crashes.
// Returns how many were requeued.
func (s *SubmissionService) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stuck []models.Submission
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.SubmissionStatusQueued, cutoff).
		Find(&stuck).Error; err != nil {
		return 0, fmt.Errorf("error finding stuck submissions: %w", err)
	}

	requeued := 0
	for _, sub := range stuck {
		// Touch first so the next sweep skips it even if the enqueue fails
		if err := s.db.WithContext(ctx).Model(&models.Submission{}).
			Where("id = ?", sub.ID).
			Update("updated_at", time.Now()).Error; err != nil {
			log.Printf("Failed to touch stuck submission %s: %v", sub.ID, err)
			continue
		}
		if err := s.EnqueueVerification(ctx, sub.ID); err != nil {
			log.Printf("Failed to requeue submission %s: %v", sub.ID, err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// awardPoints sizes the credit for an accepted submission
func (s *SubmissionService) awardPoints(score *int) int64 {
	points := s.rewards.BasePoints
	if score != nil && *score > s.rewards.BonusThreshold {
		points += s.rewards.BonusPoints
	}
	return points
}

// credit pays the award and its cash equivalent, and appends the
// points_credited event, all inside the caller's transaction.
func (s *SubmissionService) credit(tx *gorm.DB, sub *models.Submission, points int64, actorID *uuid.UUID) error {
	ref := sub.ID.String()
	meta := models.JSON{"submission_id": ref}

	if _, err := s.wallet.AddPointsTx(tx, sub.UserID, points, ref, "points for verified submission", meta); err != nil {
		return fmt.Errorf("failed to credit points: %w", err)
	}

	cash := decimal.NewFromInt(points).Mul(s.rewards.PointCashRate)
	if _, err := s.wallet.AddCashTx(tx, sub.UserID, cash, ref, "cash value of verified submission", meta); err != nil {
		return fmt.Errorf("failed to credit cash value: %w", err)
	}

	return s.events.Record(tx, sub.ID, actorID, models.EventPointsCredited, models.JSON{
		"points": points,
		"cash":   cash.String(),
	})
}

// transitionConflict classifies a failed status CAS after the fact
func (s *SubmissionService) transitionConflict(ctx context.Context, id uuid.UUID, verb string) error {
	var sub models.Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("submission")
		}
		return fmt.Errorf("error finding submission: %w", err)
	}
	return fmt.Errorf("cannot %s submission in status %s: %w", verb, sub.Status, errs.ErrInvalidStateTransition)
}

func (s *SubmissionService) deleteStored(key string) {
	if key == "" {
		return
	}
	if err := s.store.Delete(context.Background(), key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("Failed to delete stored object %s: %v", key, err)
	}
}
