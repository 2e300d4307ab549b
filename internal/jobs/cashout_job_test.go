package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/gateway"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubGateway struct {
	err   error
	calls int
}

func (g *stubGateway) Name() string { return "paypal" }

func (g *stubGateway) InitiatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &gateway.PayoutResult{GatewayTxnID: "gtx-job", Status: gateway.StatusProcessing}, nil
}

type cashoutJobEnv struct {
	db      *gorm.DB
	job     *CashoutJob
	svc     *cashout.CashoutService
	wallets *wallet.WalletService
	queue   *queue.MemoryQueue
	gw      *stubGateway
	userID  uuid.UUID
}

func setupCashoutJobEnv(t *testing.T) *cashoutJobEnv {
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

	gw := &stubGateway{}
	registry := gateway.NewRegistry()
	registry.Register(models.CashoutMethodPayPal, gw)

	walletSvc := wallet.NewWalletService(db)
	memQueue := queue.NewMemoryQueue()
	svc := cashout.NewCashoutService(db,
		config.CashoutConfig{MinAmount: decimal.RequireFromString("1"), MaxAmount: decimal.RequireFromString("100"), PendingTTL: 24 * time.Hour},
		config.RewardsConfig{PointCashRate: decimal.RequireFromString("0.01")},
		walletSvc, registry, memQueue)

	userID := uuid.New()
	_, err = walletSvc.AddPoints(context.Background(), userID, 1000, "seed", "earned points", nil)
	require.NoError(t, err)
	_, err = walletSvc.AddCash(context.Background(), userID, decimal.RequireFromString("10.00"), "seed", "cash mirror", nil)
	require.NoError(t, err)

	return &cashoutJobEnv{
		db:      db,
		job:     NewCashoutJob(svc),
		svc:     svc,
		wallets: walletSvc,
		queue:   memQueue,
		gw:      gw,
		userID:  userID,
	}
}

// initiateWithDownGateway creates a request whose first dispatch fails
// transiently, leaving a retry job on the cashout queue.
func initiateWithDownGateway(t *testing.T, env *cashoutJobEnv) (*models.CashoutRequest, queue.Job) {
	env.gw.err = errs.Transient("gateway unreachable", nil)
	request, err := env.svc.Create(context.Background(), env.userID, 500, models.CashoutMethodPayPal, "user@example.com")
	require.NoError(t, err)
	_, err = env.svc.Initiate(context.Background(), request.ID, uuid.New())
	require.NoError(t, err)

	job, err := env.queue.Dequeue(context.Background(), queue.QueueCashout)
	require.NoError(t, err)
	require.NotNil(t, job)
	return request, *job
}

func TestProcessDispatchJobRecovers(t *testing.T) {
	env := setupCashoutJobEnv(t)
	request, job := initiateWithDownGateway(t, env)

	// Gateway is back by the time the retry runs
	env.gw.err = nil
	require.NoError(t, env.job.ProcessDispatch(context.Background(), job))
	assert.Equal(t, 2, env.gw.calls)

	var txn models.PayoutTransaction
	require.NoError(t, env.db.First(&txn, "cashout_request_id = ?", request.ID).Error)
	require.NotNil(t, txn.GatewayTxnID)
	assert.Equal(t, "gtx-job", *txn.GatewayTxnID)
	assert.Equal(t, models.PayoutStatusProcessing, txn.Status)
}

func TestProcessDispatchJobStillDown(t *testing.T) {
	env := setupCashoutJobEnv(t)
	_, job := initiateWithDownGateway(t, env)

	err := env.job.ProcessDispatch(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestProcessDispatchJobBadPayload(t *testing.T) {
	env := setupCashoutJobEnv(t)

	err := env.job.ProcessDispatch(context.Background(), queue.Job{
		ID:      "job-1",
		Queue:   queue.QueueCashout,
		Payload: json.RawMessage(`{"cashout_id":"not-a-uuid"}`),
	})
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err), "a bad payload must not be retried")
}

func TestHandleDispatchFailureAbandons(t *testing.T) {
	env := setupCashoutJobEnv(t)
	request, job := initiateWithDownGateway(t, env)

	env.job.HandleDispatchFailure(context.Background(), job, errs.Transient("gateway unreachable", nil))

	fresh, err := env.svc.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CashoutStatusFailed, fresh.Status)
	assert.Contains(t, fresh.FailureReason, "payout dispatch failed after retries")

	w, err := env.wallets.GetWallet(context.Background(), env.userID)
	require.NoError(t, err)
	assert.True(t, w.LockedAmount.IsZero())
	assert.True(t, w.CashBalance.Equal(decimal.RequireFromString("10.00")))
}
