package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/events"
	"github.com/greenloop/backend/internal/geo"
	"github.com/greenloop/backend/internal/media"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/greenloop/backend/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db      *gorm.DB
	svc     *SubmissionService
	store   *storage.MemoryStorage
	queue   *queue.MemoryQueue
	wallets *wallet.WalletService
	events  *events.Recorder
	point   models.CollectionPoint
}

func testRewards() config.RewardsConfig {
	return config.RewardsConfig{
		BasePoints:           100,
		BonusPoints:          50,
		AutoVerifyThreshold:  70,
		BonusThreshold:       80,
		DailySubmissionLimit: 3,
		CaptureWindow:        24 * time.Hour,
		PointCashRate:        decimal.RequireFromString("0.01"),
	}
}

func setupTestEnv(t *testing.T) *testEnv {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CollectionPoint{},
		&models.Submission{},
		&models.SubmissionEvent{},
		&models.Wallet{},
		&models.WalletEntry{},
	))

	point := models.CollectionPoint{
		Seq:          1,
		Name:         "Riverside Depot",
		Slug:         "riverside-depot",
		Latitude:     51.5000,
		Longitude:    -0.1200,
		RadiusMeters: 500,
		Active:       true,
	}
	require.NoError(t, db.Create(&point).Error)

	store := storage.NewMemoryStorage()
	memQueue := queue.NewMemoryQueue()
	recorder := events.NewRecorder(db)
	walletSvc := wallet.NewWalletService(db)
	svc := NewSubmissionService(db, testRewards(), geo.NewMatcher(db), store, memQueue, recorder, walletSvc)

	return &testEnv{
		db:      db,
		svc:     svc,
		store:   store,
		queue:   memQueue,
		wallets: walletSvc,
		events:  recorder,
		point:   point,
	}
}

func validInput() CreateSubmissionInput {
	return CreateSubmissionInput{
		Video:             []byte("fake video bytes"),
		ContentType:       "video/mp4",
		Latitude:          51.5001,
		Longitude:         -0.1200,
		RecordedAt:        time.Now().UTC().Add(-time.Hour),
		DeviceFingerprint: "device-123",
	}
}

func createQueued(t *testing.T, env *testEnv, userID uuid.UUID) *models.Submission {
	sub, err := env.svc.Create(context.Background(), userID, validInput())
	require.NoError(t, err)
	return sub
}

func eventKinds(t *testing.T, env *testEnv, id uuid.UUID) []models.SubmissionEventKind {
	list, err := env.events.ForSubmission(context.Background(), id)
	require.NoError(t, err)
	kinds := make([]models.SubmissionEventKind, len(list))
	for i, e := range list {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestCreateSubmission(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()

	sub := createQueued(t, env, userID)
	assert.Equal(t, models.SubmissionStatusQueued, sub.Status)
	assert.Equal(t, env.point.ID, sub.CollectionPointID)
	assert.True(t, env.store.Has(sub.VideoKey))

	// The created event and the verification job both exist
	assert.Equal(t, []models.SubmissionEventKind{models.EventSubmissionCreated}, eventKinds(t, env, sub.ID))
	assert.Equal(t, 1, env.queue.Pending(queue.QueueVerification))
}

func TestCreateRejectsFutureCapture(t *testing.T) {
	env := setupTestEnv(t)

	input := validInput()
	input.RecordedAt = time.Now().UTC().Add(time.Hour)
	_, err := env.svc.Create(context.Background(), uuid.New(), input)
	assert.True(t, errors.Is(err, errs.ErrStaleOrFutureCapture))
}

func TestCreateRejectsStaleCapture(t *testing.T) {
	env := setupTestEnv(t)

	input := validInput()
	input.RecordedAt = time.Now().UTC().Add(-25 * time.Hour)
	_, err := env.svc.Create(context.Background(), uuid.New(), input)
	assert.True(t, errors.Is(err, errs.ErrStaleOrFutureCapture))

	// Nothing persisted, nothing stored, nothing enqueued
	var count int64
	require.NoError(t, env.db.Model(&models.Submission{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 0, env.store.Len())
	assert.Equal(t, 0, env.queue.Pending(queue.QueueVerification))
}

func TestCreateRejectsUncoveredLocation(t *testing.T) {
	env := setupTestEnv(t)

	input := validInput()
	input.Latitude = 40.7128 // far from the only point
	input.Longitude = -74.0060
	_, err := env.svc.Create(context.Background(), uuid.New(), input)
	assert.True(t, errors.Is(err, errs.ErrLocationOutOfRange))
}

func TestCreateEnforcesDailyLimit(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		createQueued(t, env, userID)
	}

	_, err := env.svc.Create(context.Background(), userID, validInput())
	assert.True(t, errors.Is(err, errs.ErrRateLimitExceeded))

	// The rejected attempt left no row behind and cleaned up its video
	var count int64
	require.NoError(t, env.db.Model(&models.Submission{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 3, env.store.Len())

	// A different user is unaffected
	_, err = env.svc.Create(context.Background(), uuid.New(), validInput())
	assert.NoError(t, err)
}

func TestDeleteDoesNotRefundDailyLimit(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()

	var last *models.Submission
	for i := 0; i < 3; i++ {
		last = createQueued(t, env, userID)
	}
	require.NoError(t, env.svc.Delete(context.Background(), last.ID, userID, false))

	// The deleted submission still counts against today's quota
	_, err := env.svc.Create(context.Background(), userID, validInput())
	assert.True(t, errors.Is(err, errs.ErrRateLimitExceeded))
}

func TestMarkAutoVerifiedCreditsOnce(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)

	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), sub.ID, 90))

	fresh, err := env.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusAutoVerified, fresh.Status)
	require.NotNil(t, fresh.AutoScore)
	assert.Equal(t, 90, *fresh.AutoScore)
	assert.NotNil(t, fresh.VerifiedAt)

	// Score above the bonus threshold pays base + bonus, and the wallet
	// carries the matching cash value.
	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(decimal.RequireFromString("1.50")), "cash = %s", w.CashBalance)

	// Redelivered job is a no-op
	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), sub.ID, 90))
	w, err = env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), w.PointsBalance)

	assert.Equal(t, []models.SubmissionEventKind{
		models.EventSubmissionCreated,
		models.EventAutoVerified,
		models.EventPointsCredited,
	}, eventKinds(t, env, sub.ID))
}

func TestMarkAutoVerifiedBaseAward(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)

	// Above the auto-verify threshold but not the bonus threshold
	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), sub.ID, 75))

	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.PointsBalance)
}

func TestMarkNeedsReview(t *testing.T) {
	env := setupTestEnv(t)
	sub := createQueued(t, env, uuid.New())

	score := 60
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, &score, "score below threshold"))

	fresh, err := env.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusNeedsReview, fresh.Status)
	require.NotNil(t, fresh.AutoScore)
	assert.Equal(t, 60, *fresh.AutoScore)

	// No credit on the review path
	_, err = env.wallets.GetWallet(context.Background(), sub.UserID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	// Redelivery is a no-op
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, &score, "score below threshold"))
	assert.Equal(t, []models.SubmissionEventKind{
		models.EventSubmissionCreated,
		models.EventNeedsReview,
	}, eventKinds(t, env, sub.ID))
}

func TestApproveFromNeedsReview(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	moderator := uuid.New()
	sub := createQueued(t, env, userID)
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, nil, "probe failed"))

	approved, err := env.svc.Approve(context.Background(), sub.ID, moderator, "looks legitimate")
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, moderator, *approved.ReviewedBy)
	assert.NotNil(t, approved.ReviewedAt)

	// No score on record, so the award is base points only
	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(decimal.RequireFromString("1.00")))
}

func TestApproveAfterAutoVerifyDoesNotDoubleCredit(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)
	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), sub.ID, 90))

	_, err := env.svc.Approve(context.Background(), sub.ID, uuid.New(), "")
	require.NoError(t, err)

	// The auto-verification credit stands; approval adds nothing
	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), w.PointsBalance)

	kinds := eventKinds(t, env, sub.ID)
	credits := 0
	for _, k := range kinds {
		if k == models.EventPointsCredited {
			credits++
		}
	}
	assert.Equal(t, 1, credits)
}

func TestApproveTwiceFailsWithoutSecondCredit(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, nil, "probe failed"))

	_, err := env.svc.Approve(context.Background(), sub.ID, uuid.New(), "")
	require.NoError(t, err)

	// Second approval loses the status guard; the wallet is untouched
	_, err = env.svc.Approve(context.Background(), sub.ID, uuid.New(), "")
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))

	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.PointsBalance)
}

func TestConcurrentApprovesCreditOnce(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, nil, "probe failed"))

	// One connection keeps sqlite happy while the two approvals race; the
	// status guard decides the winner, not scheduling luck.
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Approve(context.Background(), sub.ID, uuid.New(), "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var failed int
	for err := range results {
		if err != nil {
			assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one approval loses the status guard")

	w, err := env.wallets.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.PointsBalance)

	credits := 0
	for _, k := range eventKinds(t, env, sub.ID) {
		if k == models.EventPointsCredited {
			credits++
		}
	}
	assert.Equal(t, 1, credits)
}

func TestApproveQueuedFails(t *testing.T) {
	env := setupTestEnv(t)
	sub := createQueued(t, env, uuid.New())

	_, err := env.svc.Approve(context.Background(), sub.ID, uuid.New(), "")
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
}

func TestRejectRequiresReason(t *testing.T) {
	env := setupTestEnv(t)
	sub := createQueued(t, env, uuid.New())
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, nil, "probe failed"))

	_, err := env.svc.Reject(context.Background(), sub.ID, uuid.New(), "")
	assert.True(t, errors.Is(err, errs.ErrEmptyRejectReason))
	_, err = env.svc.Reject(context.Background(), sub.ID, uuid.New(), "   ")
	assert.True(t, errors.Is(err, errs.ErrEmptyRejectReason))

	fresh, err := env.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusNeedsReview, fresh.Status)
}

func TestRejectFromNeedsReview(t *testing.T) {
	env := setupTestEnv(t)
	moderator := uuid.New()
	sub := createQueued(t, env, uuid.New())
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), sub.ID, nil, "probe failed"))

	rejected, err := env.svc.Reject(context.Background(), sub.ID, moderator, "not a deposit video")
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusRejected, rejected.Status)
	assert.Equal(t, "not a deposit video", rejected.RejectReason)

	// Terminal: nothing moves it afterwards
	_, err = env.svc.Approve(context.Background(), sub.ID, moderator, "")
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
	_, err = env.svc.Reject(context.Background(), sub.ID, moderator, "again")
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
}

func TestDeleteByOwnerWhileQueued(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)

	require.NoError(t, env.svc.Delete(context.Background(), sub.ID, userID, false))

	_, err := env.svc.Get(context.Background(), sub.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	// Event trail removed with it, media cleaned up
	list, err := env.events.ForSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, env.store.Has(sub.VideoKey))
}

func TestDeleteForbiddenForStranger(t *testing.T) {
	env := setupTestEnv(t)
	sub := createQueued(t, env, uuid.New())

	err := env.svc.Delete(context.Background(), sub.ID, uuid.New(), false)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	// Elevated actors may delete on the owner's behalf
	require.NoError(t, env.svc.Delete(context.Background(), sub.ID, uuid.New(), true))
}

func TestDeleteRefusedPastReview(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	sub := createQueued(t, env, userID)
	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), sub.ID, 90))

	err := env.svc.Delete(context.Background(), sub.ID, userID, false)
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
	assert.True(t, env.store.Has(sub.VideoKey))
}

func TestModerationQueueOldestFirst(t *testing.T) {
	env := setupTestEnv(t)

	first := createQueued(t, env, uuid.New())
	second := createQueued(t, env, uuid.New())
	third := createQueued(t, env, uuid.New())
	require.NoError(t, env.svc.MarkNeedsReview(context.Background(), second.ID, nil, "probe failed"))
	require.NoError(t, env.svc.MarkAutoVerified(context.Background(), third.ID, 90))

	subs, total, err := env.svc.ListModerationQueue(context.Background(), 1, 10)
	require.NoError(t, err)
	// queued and needs_review both appear; auto_verified does not
	assert.Equal(t, int64(2), total)
	require.Len(t, subs, 2)
	assert.Equal(t, first.ID, subs[0].ID)
	assert.Equal(t, second.ID, subs[1].ID)
}

func TestListForUser(t *testing.T) {
	env := setupTestEnv(t)
	userID := uuid.New()
	createQueued(t, env, userID)
	createQueued(t, env, userID)
	createQueued(t, env, uuid.New())

	subs, total, err := env.svc.ListForUser(context.Background(), userID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, subs, 2)
}

func TestRecordMediaMetadata(t *testing.T) {
	env := setupTestEnv(t)
	sub := createQueued(t, env, uuid.New())

	meta := media.Metadata{
		DurationSeconds: 45.0,
		SizeBytes:       20 << 20,
		Width:           1920,
		Height:          1080,
		Codec:           "h264",
	}
	require.NoError(t, env.svc.RecordMediaMetadata(context.Background(), sub.ID, meta, "thumb-key", "phash-abc"))

	fresh, err := env.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.DurationSeconds)
	assert.Equal(t, 45.0, *fresh.DurationSeconds)
	require.NotNil(t, fresh.SizeBytes)
	assert.Equal(t, int64(20<<20), *fresh.SizeBytes)
	require.NotNil(t, fresh.Width)
	assert.Equal(t, 1920, *fresh.Width)
	require.NotNil(t, fresh.ThumbnailKey)
	assert.Equal(t, "thumb-key", *fresh.ThumbnailKey)
	require.NotNil(t, fresh.Fingerprint)
	assert.Equal(t, "phash-abc", *fresh.Fingerprint)
}

func TestModerationDetailFingerprintMatches(t *testing.T) {
	env := setupTestEnv(t)
	first := createQueued(t, env, uuid.New())
	second := createQueued(t, env, uuid.New())
	other := createQueued(t, env, uuid.New())

	noMeta := media.Metadata{DurationSeconds: 10, SizeBytes: 1, Width: 1, Height: 1, Codec: "h264"}
	require.NoError(t, env.svc.RecordMediaMetadata(context.Background(), first.ID, noMeta, "", "same-hash"))
	require.NoError(t, env.svc.RecordMediaMetadata(context.Background(), second.ID, noMeta, "", "same-hash"))
	require.NoError(t, env.svc.RecordMediaMetadata(context.Background(), other.ID, noMeta, "", "different"))

	detail, err := env.svc.GetModerationDetail(context.Background(), first.ID)
	require.NoError(t, err)
	require.Len(t, detail.FingerprintMatches, 1)
	assert.Equal(t, second.ID, detail.FingerprintMatches[0].ID)
	assert.Len(t, detail.Events, 1)
}

func TestRequeueStuck(t *testing.T) {
	env := setupTestEnv(t)
	stuck := createQueued(t, env, uuid.New())
	createQueued(t, env, uuid.New()) // stays fresh, must not be requeued

	// Drain the jobs enqueued at creation
	for {
		job, err := env.queue.Dequeue(context.Background(), queue.QueueVerification)
		require.NoError(t, err)
		if job == nil {
			break
		}
	}

	// Backdate one submission past the stuck threshold
	require.NoError(t, env.db.Model(&models.Submission{}).
		Where("id = ?", stuck.ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	count, err := env.svc.RequeueStuck(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, env.queue.Pending(queue.QueueVerification))

	// The touched submission is no longer considered stuck
	count, err = env.svc.RequeueStuck(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
