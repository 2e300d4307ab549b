package cashout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/gateway"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeGateway struct {
	result  *gateway.PayoutResult
	err     error
	calls   int
	lastReq gateway.PayoutRequest
}

func (g *fakeGateway) Name() string { return "paypal" }

func (g *fakeGateway) InitiatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.calls++
	g.lastReq = req
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

type cashoutTestEnv struct {
	db      *gorm.DB
	svc     *CashoutService
	wallets *wallet.WalletService
	queue   *queue.MemoryQueue
	gw      *fakeGateway
	userID  uuid.UUID
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setupCashoutEnv(t *testing.T) *cashoutTestEnv {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Wallet{},
		&models.WalletEntry{},
		&models.CashoutRequest{},
		&models.PayoutTransaction{},
	))

	gw := &fakeGateway{result: &gateway.PayoutResult{GatewayTxnID: "gtx-1", Status: gateway.StatusProcessing}}
	registry := gateway.NewRegistry()
	registry.Register(models.CashoutMethodPayPal, gw)

	walletSvc := wallet.NewWalletService(db)
	memQueue := queue.NewMemoryQueue()
	svc := NewCashoutService(db,
		config.CashoutConfig{MinAmount: dec("1"), MaxAmount: dec("100"), PendingTTL: 24 * time.Hour},
		config.RewardsConfig{PointCashRate: dec("0.01")},
		walletSvc, registry, memQueue)

	// A user who has earned 1000 points and their cash mirror
	userID := uuid.New()
	_, err = walletSvc.AddPoints(context.Background(), userID, 1000, "seed", "earned points", nil)
	require.NoError(t, err)
	_, err = walletSvc.AddCash(context.Background(), userID, dec("10.00"), "seed", "cash mirror", nil)
	require.NoError(t, err)

	return &cashoutTestEnv{db: db, svc: svc, wallets: walletSvc, queue: memQueue, gw: gw, userID: userID}
}

func (env *cashoutTestEnv) wallet(t *testing.T) *models.Wallet {
	w, err := env.wallets.GetWallet(context.Background(), env.userID)
	require.NoError(t, err)
	return w
}

func (env *cashoutTestEnv) create(t *testing.T, points int64) *models.CashoutRequest {
	request, err := env.svc.Create(context.Background(), env.userID, points, models.CashoutMethodPayPal, "user@example.com")
	require.NoError(t, err)
	return request
}

func (env *cashoutTestEnv) webhook(reference, status string) WebhookEvent {
	return WebhookEvent{
		Gateway:      "paypal",
		Reference:    reference,
		Status:       status,
		GatewayTxnID: "gtx-1",
		RawPayload:   []byte(`{"batch_status":"` + status + `"}`),
	}
}

func TestCreateCashout(t *testing.T) {
	env := setupCashoutEnv(t)

	request := env.create(t, 500)
	assert.Equal(t, models.CashoutStatusPending, request.Status)
	assert.Equal(t, int64(500), request.PointsUsed)
	assert.True(t, request.CashAmount.Equal(dec("5.00")), "cash = %s", request.CashAmount)
	assert.Contains(t, request.Reference, "co_")

	// Cash is reserved, points are not touched yet
	w := env.wallet(t)
	assert.Equal(t, int64(1000), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(dec("10.00")))
	assert.True(t, w.LockedAmount.Equal(dec("5.00")))

	var txn models.PayoutTransaction
	require.NoError(t, env.db.First(&txn, "cashout_request_id = ?", request.ID).Error)
	assert.Equal(t, "paypal", txn.Gateway)
	assert.Equal(t, models.PayoutStatusInitiated, txn.Status)
	assert.Nil(t, txn.GatewayTxnID)
}

func TestCreateValidatesInput(t *testing.T) {
	env := setupCashoutEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.userID, 0, models.CashoutMethodPayPal, "user@example.com")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = env.svc.Create(ctx, env.userID, 500, models.CashoutMethod("carrier_pigeon"), "user@example.com")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = env.svc.Create(ctx, env.userID, 500, models.CashoutMethodPayPal, "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCreateEnforcesBounds(t *testing.T) {
	env := setupCashoutEnv(t)
	ctx := context.Background()

	// 50 points = 0.50, below the 1.00 floor
	_, err := env.svc.Create(ctx, env.userID, 50, models.CashoutMethodPayPal, "user@example.com")
	assert.True(t, errors.Is(err, errs.ErrBelowMinimum))

	// 20000 points = 200.00, above the 100.00 ceiling
	_, err = env.svc.Create(ctx, env.userID, 20000, models.CashoutMethodPayPal, "user@example.com")
	assert.True(t, errors.Is(err, errs.ErrAboveMaximum))
}

func TestCreateInsufficientPoints(t *testing.T) {
	env := setupCashoutEnv(t)

	_, err := env.svc.Create(context.Background(), env.userID, 2000, models.CashoutMethodPayPal, "user@example.com")
	assert.True(t, errors.Is(err, errs.ErrInsufficientPoints))

	// Nothing was locked on the failed attempt
	assert.True(t, env.wallet(t).LockedAmount.IsZero())
}

func TestCreateRejectsDuplicateOpenRequest(t *testing.T) {
	env := setupCashoutEnv(t)
	first := env.create(t, 200)

	_, err := env.svc.Create(context.Background(), env.userID, 200, models.CashoutMethodPayPal, "user@example.com")
	assert.True(t, errors.Is(err, errs.ErrDuplicatePendingRequest))

	// A canceled request no longer blocks a new one
	_, err = env.svc.Cancel(context.Background(), first.ID, env.userID)
	require.NoError(t, err)
	env.create(t, 200)
}

func TestInitiateDispatches(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)

	initiated, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusInitiated, initiated.Status)
	assert.NotNil(t, initiated.InitiatedAt)

	require.Equal(t, 1, env.gw.calls)
	assert.True(t, env.gw.lastReq.Amount.Equal(dec("5.00")))
	assert.Equal(t, request.Reference, env.gw.lastReq.Reference)
	assert.Equal(t, "user@example.com", env.gw.lastReq.DestinationRef)

	var txn models.PayoutTransaction
	require.NoError(t, env.db.First(&txn, "cashout_request_id = ?", request.ID).Error)
	require.NotNil(t, txn.GatewayTxnID)
	assert.Equal(t, "gtx-1", *txn.GatewayTxnID)
	assert.Equal(t, models.PayoutStatusProcessing, txn.Status)
}

func TestInitiateRequiresPending(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Cancel(context.Background(), request.ID, env.userID)
	require.NoError(t, err)

	_, err = env.svc.Initiate(context.Background(), request.ID, uuid.New())
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
	assert.Equal(t, 0, env.gw.calls)
}

func TestInitiateGatewayRejectionFailsRequest(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.New(errs.KindValidation, "gateway_rejected", "receiver unregistered")
	request := env.create(t, 500)

	failed, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "receiver unregistered")

	// The reservation is released
	w := env.wallet(t)
	assert.True(t, w.LockedAmount.IsZero())
	assert.True(t, w.CashBalance.Equal(dec("10.00")))
	assert.Equal(t, int64(1000), w.PointsBalance)
}

func TestInitiateTransientGatewayGoesToQueue(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request := env.create(t, 500)

	initiated, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusInitiated, initiated.Status)

	// The dispatch retry is queued and the cash stays reserved
	assert.Equal(t, 1, env.queue.Pending(queue.QueueCashout))
	assert.True(t, env.wallet(t).LockedAmount.Equal(dec("5.00")))
}

func TestProcessDispatchIsIdempotent(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)
	require.Equal(t, 1, env.gw.calls)

	// Gateway recovers; the queued dispatch succeeds
	env.gw.err = nil
	require.NoError(t, env.svc.ProcessDispatch(context.Background(), request.ID))
	assert.Equal(t, 2, env.gw.calls)

	// A redelivered dispatch job sees the acknowledgement and stops
	require.NoError(t, env.svc.ProcessDispatch(context.Background(), request.ID))
	assert.Equal(t, 2, env.gw.calls)
}

func TestProcessDispatchPropagatesTransientErrors(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	err = env.svc.ProcessDispatch(context.Background(), request.ID)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestAbandonDispatchFailsAndUnlocks(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	env.svc.AbandonDispatch(context.Background(), request.ID, "dispatch failed after retries")

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusFailed, fresh.Status)
	assert.True(t, env.wallet(t).LockedAmount.IsZero())
}

func TestAbandonDispatchLeavesAcknowledgedPayouts(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	// The gateway acknowledged; settlement belongs to the webhook
	env.svc.AbandonDispatch(context.Background(), request.ID, "retries exhausted")

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusInitiated, fresh.Status)
	assert.True(t, env.wallet(t).LockedAmount.Equal(dec("5.00")))
}

func TestWebhookSucceededSettles(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	require.NoError(t, env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "succeeded")))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusSucceeded, fresh.Status)
	assert.NotNil(t, fresh.CompletedAt)

	// Points are spent and the reserved cash has left the system
	w := env.wallet(t)
	assert.Equal(t, int64(500), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(dec("5.00")), "cash = %s", w.CashBalance)
	assert.True(t, w.LockedAmount.IsZero())

	var txn models.PayoutTransaction
	require.NoError(t, env.db.First(&txn, "cashout_request_id = ?", request.ID).Error)
	assert.Equal(t, models.PayoutStatusSucceeded, txn.Status)
	assert.NotNil(t, txn.ProcessedAt)
	assert.NotEmpty(t, txn.RawPayload)
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	event := env.webhook(request.Reference, "succeeded")
	require.NoError(t, env.svc.HandleWebhook(context.Background(), event))
	require.NoError(t, env.svc.HandleWebhook(context.Background(), event))

	// Delivering twice produced the same end state as delivering once
	w := env.wallet(t)
	assert.Equal(t, int64(500), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(dec("5.00")))
	assert.True(t, w.LockedAmount.IsZero())
}

func TestWebhookFailedUnlocks(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	event := env.webhook(request.Reference, "failed")
	event.FailureReason = "receiver account closed"
	require.NoError(t, env.svc.HandleWebhook(context.Background(), event))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusFailed, fresh.Status)
	assert.Equal(t, "receiver account closed", fresh.FailureReason)

	// Everything returns to the user
	w := env.wallet(t)
	assert.Equal(t, int64(1000), w.PointsBalance)
	assert.True(t, w.CashBalance.Equal(dec("10.00")))
	assert.True(t, w.LockedAmount.IsZero())
}

func TestWebhookCancelledMapsToFailed(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	require.NoError(t, env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "cancelled")))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusFailed, fresh.Status)

	var txn models.PayoutTransaction
	require.NoError(t, env.db.First(&txn, "cashout_request_id = ?", request.ID).Error)
	assert.Equal(t, models.PayoutStatusCancelled, txn.Status)
}

func TestWebhookBeforeInitiateAsksForRedelivery(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)

	err := env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "succeeded"))
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	// Nothing moved
	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusPending, fresh.Status)
	assert.Equal(t, int64(1000), env.wallet(t).PointsBalance)
}

func TestWebhookMismatchedTerminalIgnored(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)
	require.NoError(t, env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "succeeded")))

	// A contradictory terminal afterwards is logged, never applied
	require.NoError(t, env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "failed")))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusSucceeded, fresh.Status)
	assert.Equal(t, int64(500), env.wallet(t).PointsBalance)
}

func TestWebhookUnknownStatusIgnored(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	require.NoError(t, env.svc.HandleWebhook(context.Background(), env.webhook(request.Reference, "on_hold")))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusInitiated, fresh.Status)
}

func TestWebhookUnknownReference(t *testing.T) {
	env := setupCashoutEnv(t)

	err := env.svc.HandleWebhook(context.Background(), env.webhook("co_never_seen", "succeeded"))
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCancelOwnerOnly(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)

	_, err := env.svc.Cancel(context.Background(), request.ID, uuid.New())
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))

	canceled, err := env.svc.Cancel(context.Background(), request.ID, env.userID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusCanceled, canceled.Status)
	assert.True(t, env.wallet(t).LockedAmount.IsZero())

	_, err = env.svc.Cancel(context.Background(), request.ID, env.userID)
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
}

func TestCancelLosesToInitiate(t *testing.T) {
	env := setupCashoutEnv(t)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	_, err = env.svc.Cancel(context.Background(), request.ID, env.userID)
	assert.True(t, errors.Is(err, errs.ErrInvalidStateTransition))
	assert.True(t, env.wallet(t).LockedAmount.Equal(dec("5.00")))
}

func TestExpireStalePending(t *testing.T) {
	env := setupCashoutEnv(t)
	stale := env.create(t, 500)

	// A second user with a fresh request
	otherUser := uuid.New()
	_, err := env.wallets.AddPoints(context.Background(), otherUser, 1000, "seed", "earned points", nil)
	require.NoError(t, err)
	_, err = env.wallets.AddCash(context.Background(), otherUser, dec("10.00"), "seed", "cash mirror", nil)
	require.NoError(t, err)
	freshReq, err := env.svc.Create(context.Background(), otherUser, 300, models.CashoutMethodPayPal, "other@example.com")
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&models.CashoutRequest{}).
		Where("id = ?", stale.ID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	expired, err := env.svc.ExpireStalePending(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	expiredReq, err := env.svc.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusCanceled, expiredReq.Status)
	assert.True(t, env.wallet(t).LockedAmount.IsZero())

	// The fresh request is untouched
	survivor, err := env.svc.Get(context.Background(), freshReq.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusPending, survivor.Status)
}

func TestRequeueStalledDispatches(t *testing.T) {
	env := setupCashoutEnv(t)
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request := env.create(t, 500)
	_, err := env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	// Drain the retry enqueued by Initiate, then lose it
	job, err := env.queue.Dequeue(context.Background(), queue.QueueCashout)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, env.db.Model(&models.CashoutRequest{}).
		Where("id = ?", request.ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	requeued, err := env.svc.RequeueStalledDispatches(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, env.queue.Pending(queue.QueueCashout))

	// Acknowledged dispatches are never requeued
	env.gw.err = nil
	require.NoError(t, env.svc.ProcessDispatch(context.Background(), request.ID))
	require.NoError(t, env.db.Model(&models.CashoutRequest{}).
		Where("id = ?", request.ID).
		Update("updated_at", time.Now().Add(-time.Hour)).Error)

	requeued, err = env.svc.RequeueStalledDispatches(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
}

func TestListForUser(t *testing.T) {
	env := setupCashoutEnv(t)
	first := env.create(t, 200)
	_, err := env.svc.Cancel(context.Background(), first.ID, env.userID)
	require.NoError(t, err)
	env.create(t, 300)

	requests, total, err := env.svc.ListForUser(context.Background(), env.userID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, requests, 2)

	_, total, err = env.svc.ListForUser(context.Background(), uuid.New(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
