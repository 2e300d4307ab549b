// Package cashout converts verified points into real-world payouts. The
// cash equivalent is locked in the wallet at creation, the gateway is paid
// through the dispatch path, and settlement happens when the gateway's
// webhook lands. Every transition is guarded by the request's status so
// duplicate and out-of-order deliveries cannot double-apply money effects.
package cashout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/gateway"
	"github.com/greenloop/backend/internal/metrics"
	"github.com/greenloop/backend/internal/models"
	"github.com/greenloop/backend/internal/queue"
	"github.com/greenloop/backend/internal/services/wallet"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// payoutCurrency is the settlement currency for all rails.
const payoutCurrency = "USD"

// DispatchPayload is the queued instruction to (re)try a gateway dispatch.
type DispatchPayload struct {
	CashoutID string `json:"cashout_id"`
}

// CashoutService manages cashout requests and payout transactions
type CashoutService struct {
	db       *gorm.DB
	cfg      config.CashoutConfig
	rate     config.RewardsConfig
	wallets  *wallet.WalletService
	gateways *gateway.Registry
	queue    queue.Queue
}

// NewCashoutService creates a new cashout service
func NewCashoutService(db *gorm.DB, cfg config.CashoutConfig, rate config.RewardsConfig, wallets *wallet.WalletService, gateways *gateway.Registry, q queue.Queue) *CashoutService {
	return &CashoutService{
		db:       db,
		cfg:      cfg,
		rate:     rate,
		wallets:  wallets,
		gateways: gateways,
		queue:    q,
	}
}

// Create opens a cashout request for the given number of points. The cash
// equivalent is locked immediately so it cannot be spent twice; the points
// themselves are deducted only on final success.
func (s *CashoutService) Create(ctx context.Context, userID uuid.UUID, points int64, method models.CashoutMethod, destinationRef string) (*models.CashoutRequest, error) {
	if points <= 0 {
		return nil, errs.New(errs.KindValidation, "invalid_points", "points must be positive")
	}
	if !models.ValidCashoutMethod(method) {
		return nil, errs.New(errs.KindValidation, "unsupported_method", fmt.Sprintf("unknown cashout method %s", method))
	}
	if destinationRef == "" {
		return nil, errs.New(errs.KindValidation, "missing_destination", "a destination reference is required")
	}
	gw, err := s.gateways.For(method)
	if err != nil {
		return nil, err
	}

	cashAmount := s.rate.PointCashRate.Mul(decimal.NewFromInt(points))
	if cashAmount.LessThan(s.cfg.MinAmount) {
		return nil, fmt.Errorf("cash value %s is below the minimum %s: %w", cashAmount, s.cfg.MinAmount, errs.ErrBelowMinimum)
	}
	if cashAmount.GreaterThan(s.cfg.MaxAmount) {
		return nil, fmt.Errorf("cash value %s is above the maximum %s: %w", cashAmount, s.cfg.MaxAmount, errs.ErrAboveMaximum)
	}

	w, err := s.wallets.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w.PointsBalance < points {
		return nil, fmt.Errorf("wallet holds %d points, %d requested: %w", w.PointsBalance, points, errs.ErrInsufficientPoints)
	}

	id := uuid.New()
	request := models.CashoutRequest{
		ID:             id,
		UserID:         userID,
		PointsUsed:     points,
		CashAmount:     cashAmount,
		Method:         method,
		DestinationRef: destinationRef,
		Status:         models.CashoutStatusPending,
		Reference:      fmt.Sprintf("co_%s", id),
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// One non-terminal request per user. Counting inside the transaction
	// keeps two concurrent creates from both passing the guard.
	var open int64
	err = tx.Model(&models.CashoutRequest{}).
		Where("user_id = ? AND status IN ?", userID, []models.CashoutStatus{models.CashoutStatusPending, models.CashoutStatusInitiated}).
		Count(&open).Error
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error checking for open cashout requests: %w", err)
	}
	if open > 0 {
		tx.Rollback()
		return nil, errs.ErrDuplicatePendingRequest
	}

	if _, err := s.wallets.LockCashTx(tx, userID, cashAmount, request.Reference, "cash reserved for cashout", nil); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Create(&request).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error creating cashout request: %w", err)
	}

	txn := models.PayoutTransaction{
		CashoutRequestID: request.ID,
		Gateway:          gw.Name(),
		Status:           models.PayoutStatusInitiated,
	}
	if err := tx.Create(&txn).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error creating payout transaction: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing cashout request: %w", err)
	}

	return &request, nil
}

// Get returns one cashout request by ID.
func (s *CashoutService) Get(ctx context.Context, id uuid.UUID) (*models.CashoutRequest, error) {
	var request models.CashoutRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("cashout request")
		}
		return nil, fmt.Errorf("error finding cashout request: %w", err)
	}
	return &request, nil
}

// GetForUser returns one cashout request, scoped to its owner.
func (s *CashoutService) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.CashoutRequest, error) {
	var request models.CashoutRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("cashout request")
		}
		return nil, fmt.Errorf("error finding cashout request: %w", err)
	}
	return &request, nil
}

// ListForUser returns the user's cashout requests, newest first.
func (s *CashoutService) ListForUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.CashoutRequest, int64, error) {
	var requests []models.CashoutRequest
	var total int64

	q := s.db.WithContext(ctx).Model(&models.CashoutRequest{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("error counting cashout requests: %w", err)
	}
	err := q.Order("created_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&requests).Error
	if err != nil {
		return nil, 0, fmt.Errorf("error listing cashout requests: %w", err)
	}
	return requests, total, nil
}

// Initiate claims a pending request and makes the first dispatch attempt
// against the payout gateway. A transient gateway failure leaves the request
// initiated and hands the dispatch to the background queue; a definitive
// rejection fails the request and unlocks the cash.
func (s *CashoutService) Initiate(ctx context.Context, id, actorID uuid.UUID) (*models.CashoutRequest, error) {
	request, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Claim before calling out. A request that is not pending anymore lost
	// the race to a cancel or a concurrent initiate.
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.CashoutRequest{}).
		Where("id = ? AND status = ?", id, models.CashoutStatusPending).
		Updates(map[string]interface{}{
			"status":       models.CashoutStatusInitiated,
			"initiated_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("error claiming cashout request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		fresh, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cannot initiate cashout in status %s: %w", fresh.Status, errs.ErrInvalidStateTransition)
	}

	log.Printf("Cashout %s initiated by %s, dispatching to %s", request.Reference, actorID, request.Method)
	request.Status = models.CashoutStatusInitiated
	request.InitiatedAt = &now

	if err := s.dispatch(ctx, request); err != nil {
		if errs.IsTransient(err) {
			// Background retries take over; the user just sees "initiated"
			s.enqueueDispatch(ctx, request)
			return s.Get(ctx, id)
		}
		if failErr := s.failInitiated(ctx, request, err.Error()); failErr != nil {
			return nil, failErr
		}
	}

	return s.Get(ctx, id)
}

// ProcessDispatch is the queued dispatch attempt. It no-ops when the request
// has already moved or the gateway already acknowledged the payout, so
// redelivered jobs are harmless.
func (s *CashoutService) ProcessDispatch(ctx context.Context, id uuid.UUID) error {
	request, err := s.Get(ctx, id)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			log.Printf("Cashout %s no longer exists, skipping dispatch", id)
			return nil
		}
		return errs.Transient("failed to load cashout request", err)
	}
	if request.Status != models.CashoutStatusInitiated {
		log.Printf("Cashout %s is already in status %s, skipping dispatch", request.Reference, request.Status)
		return nil
	}

	txn, err := s.transactionFor(ctx, request.ID)
	if err != nil {
		return errs.Transient("failed to load payout transaction", err)
	}
	if txn.GatewayTxnID != nil {
		log.Printf("Cashout %s already dispatched as %s, waiting on webhook", request.Reference, *txn.GatewayTxnID)
		return nil
	}

	if err := s.dispatch(ctx, request); err != nil {
		if errs.IsTransient(err) {
			return err
		}
		if failErr := s.failInitiated(ctx, request, err.Error()); failErr != nil {
			return errs.Transient("failed to record gateway rejection", failErr)
		}
		return nil
	}
	return nil
}

// AbandonDispatch is the permanent-failure fallback once dispatch retries
// are exhausted: the request fails and the locked cash returns to the user.
// If the gateway had already acknowledged the payout the request is left
// for the webhook to settle instead.
func (s *CashoutService) AbandonDispatch(ctx context.Context, id uuid.UUID, reason string) {
	request, err := s.Get(ctx, id)
	if err != nil {
		log.Printf("Cannot abandon dispatch for cashout %s: %v", id, err)
		return
	}
	if request.Status != models.CashoutStatusInitiated {
		return
	}

	txn, err := s.transactionFor(ctx, request.ID)
	if err == nil && txn.GatewayTxnID != nil {
		log.Printf("Cashout %s was acknowledged by the gateway as %s; leaving settlement to the webhook", request.Reference, *txn.GatewayTxnID)
		return
	}

	if err := s.failInitiated(ctx, request, reason); err != nil {
		log.Printf("Failed to abandon dispatch for cashout %s: %v", request.Reference, err)
	}
}

// dispatch performs one gateway call for an initiated request and records
// the acknowledgement. Transient errors bubble up for the caller to retry.
func (s *CashoutService) dispatch(ctx context.Context, request *models.CashoutRequest) error {
	gw, err := s.gateways.For(request.Method)
	if err != nil {
		return err
	}

	result, err := gw.InitiatePayout(ctx, gateway.PayoutRequest{
		Amount:         request.CashAmount,
		Currency:       payoutCurrency,
		Method:         request.Method,
		DestinationRef: request.DestinationRef,
		Reference:      request.Reference,
	})
	if err != nil {
		return err
	}

	if result.Status == gateway.StatusFailed || result.Status == gateway.StatusCancelled {
		return errs.New(errs.KindValidation, "gateway_rejected", fmt.Sprintf("%s rejected the payout synchronously", gw.Name()))
	}

	// Acknowledged. Settlement arrives through the webhook, even when the
	// gateway already reports success.
	now := time.Now()
	err = s.db.WithContext(ctx).Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ?", request.ID).
		Updates(map[string]interface{}{
			"gateway_txn_id": result.GatewayTxnID,
			"status":         models.PayoutStatusProcessing,
			"updated_at":     now,
		}).Error
	if err != nil {
		return errs.Transient("failed to record gateway acknowledgement", err)
	}

	log.Printf("Cashout %s dispatched to %s as %s", request.Reference, gw.Name(), result.GatewayTxnID)
	return nil
}

// failInitiated moves an initiated request to failed and returns the locked
// cash, in one transaction.
func (s *CashoutService) failInitiated(ctx context.Context, request *models.CashoutRequest, reason string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	result := tx.Model(&models.CashoutRequest{}).
		Where("id = ? AND status = ?", request.ID, models.CashoutStatusInitiated).
		Updates(map[string]interface{}{
			"status":         models.CashoutStatusFailed,
			"failure_reason": reason,
			"completed_at":   now,
			"updated_at":     now,
		})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("error failing cashout request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Already moved; nothing to unwind
		tx.Rollback()
		return nil
	}

	if _, err := s.wallets.UnlockCashTx(tx, request.UserID, request.CashAmount, request.Reference, "cash released after failed cashout", nil); err != nil {
		tx.Rollback()
		return err
	}

	err := tx.Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ?", request.ID).
		Updates(map[string]interface{}{
			"status":         models.PayoutStatusFailed,
			"failure_reason": reason,
			"updated_at":     now,
		}).Error
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error failing payout transaction: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("error committing cashout failure: %w", err)
	}

	log.Printf("Cashout %s failed: %s", request.Reference, reason)
	return nil
}

// WebhookEvent is a gateway delivery normalized by the transport layer.
// Signature verification happens before this point.
type WebhookEvent struct {
	Gateway       string
	Reference     string
	Status        string // succeeded | failed | cancelled | processing
	GatewayTxnID  string
	RawPayload    []byte
	FailureReason string
}

// HandleWebhook applies one gateway notification. Deliveries are at least
// once and possibly out of order: the request's current status acts as the
// guard, so duplicates no-op and mismatched terminals are logged, never
// applied. A terminal notification that arrives before the request has been
// claimed is returned as a transient error so the gateway redelivers it.
func (s *CashoutService) HandleWebhook(ctx context.Context, event WebhookEvent) error {
	var request models.CashoutRequest
	err := s.db.WithContext(ctx).First(&request, "reference = ?", event.Reference).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.NotFound("cashout request " + event.Reference)
		}
		return errs.Transient("failed to load cashout request for webhook", err)
	}

	switch event.Status {
	case "processing":
		return s.recordProcessing(ctx, &request, event)
	case "succeeded":
		return s.settle(ctx, &request, event)
	case "failed", "cancelled":
		return s.failFromWebhook(ctx, &request, event)
	default:
		// Unknown statuses are logged and ignored rather than guessed
		log.Printf("Ignoring webhook for cashout %s with unknown status %q", request.Reference, event.Status)
		return nil
	}
}

// recordProcessing updates the gateway-side bookkeeping only; the request
// itself stays where it is.
func (s *CashoutService) recordProcessing(ctx context.Context, request *models.CashoutRequest, event WebhookEvent) error {
	updates := map[string]interface{}{
		"status":      models.PayoutStatusProcessing,
		"raw_payload": event.RawPayload,
		"updated_at":  time.Now(),
	}
	if event.GatewayTxnID != "" {
		updates["gateway_txn_id"] = event.GatewayTxnID
	}

	err := s.db.WithContext(ctx).Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ? AND status IN ?", request.ID,
			[]models.PayoutStatus{models.PayoutStatusInitiated, models.PayoutStatusProcessing}).
		Updates(updates).Error
	if err != nil {
		return errs.Transient("failed to record processing webhook", err)
	}
	return nil
}

// settle applies a succeeded notification: deduct the committed points,
// settle the locked cash and close the request.
func (s *CashoutService) settle(ctx context.Context, request *models.CashoutRequest, event WebhookEvent) error {
	switch request.Status {
	case models.CashoutStatusSucceeded:
		// Duplicate delivery of the terminal we already applied
		return nil
	case models.CashoutStatusPending:
		// Delivered ahead of the initiate commit; ask for redelivery
		return errs.Transient(fmt.Sprintf("cashout %s is still pending, webhook arrived early", request.Reference), nil)
	case models.CashoutStatusFailed, models.CashoutStatusCanceled:
		log.Printf("Ignoring succeeded webhook for cashout %s already terminal in %s", request.Reference, request.Status)
		return nil
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	result := tx.Model(&models.CashoutRequest{}).
		Where("id = ? AND status = ?", request.ID, models.CashoutStatusInitiated).
		Updates(map[string]interface{}{
			"status":       models.CashoutStatusSucceeded,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		tx.Rollback()
		return errs.Transient("failed to settle cashout request", result.Error)
	}
	if result.RowsAffected == 0 {
		// Raced with another delivery of the same terminal
		tx.Rollback()
		return nil
	}

	if _, err := s.wallets.DeductPointsTx(tx, request.UserID, request.PointsUsed, request.Reference, "points redeemed for cashout", nil); err != nil {
		tx.Rollback()
		return fmt.Errorf("error deducting points for cashout %s: %w", request.Reference, err)
	}
	if _, err := s.wallets.SettleLockedCashTx(tx, request.UserID, request.CashAmount, request.Reference, "cash paid out", nil); err != nil {
		tx.Rollback()
		return fmt.Errorf("error settling locked cash for cashout %s: %w", request.Reference, err)
	}

	txnUpdates := map[string]interface{}{
		"status":       models.PayoutStatusSucceeded,
		"raw_payload":  event.RawPayload,
		"processed_at": now,
		"updated_at":   now,
	}
	if event.GatewayTxnID != "" {
		txnUpdates["gateway_txn_id"] = event.GatewayTxnID
	}
	err := tx.Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ?", request.ID).
		Updates(txnUpdates).Error
	if err != nil {
		tx.Rollback()
		return errs.Transient("failed to close payout transaction", err)
	}

	if err := tx.Commit().Error; err != nil {
		return errs.Transient("failed to commit cashout settlement", err)
	}

	metrics.CashoutsSettled.Inc()
	log.Printf("Cashout %s settled: %d points, %s %s", request.Reference, request.PointsUsed, request.CashAmount, payoutCurrency)
	return nil
}

// failFromWebhook applies a failed or cancelled notification: the request
// fails and the locked cash returns to the user.
func (s *CashoutService) failFromWebhook(ctx context.Context, request *models.CashoutRequest, event WebhookEvent) error {
	switch request.Status {
	case models.CashoutStatusFailed:
		return nil
	case models.CashoutStatusPending:
		return errs.Transient(fmt.Sprintf("cashout %s is still pending, webhook arrived early", request.Reference), nil)
	case models.CashoutStatusSucceeded, models.CashoutStatusCanceled:
		log.Printf("Ignoring %s webhook for cashout %s already terminal in %s", event.Status, request.Reference, request.Status)
		return nil
	}

	reason := event.FailureReason
	if reason == "" {
		reason = fmt.Sprintf("gateway reported %s", event.Status)
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	result := tx.Model(&models.CashoutRequest{}).
		Where("id = ? AND status = ?", request.ID, models.CashoutStatusInitiated).
		Updates(map[string]interface{}{
			"status":         models.CashoutStatusFailed,
			"failure_reason": reason,
			"completed_at":   now,
			"updated_at":     now,
		})
	if result.Error != nil {
		tx.Rollback()
		return errs.Transient("failed to fail cashout request", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil
	}

	if _, err := s.wallets.UnlockCashTx(tx, request.UserID, request.CashAmount, request.Reference, "cash released after failed cashout", nil); err != nil {
		tx.Rollback()
		return fmt.Errorf("error unlocking cash for cashout %s: %w", request.Reference, err)
	}

	txnStatus := models.PayoutStatusFailed
	if event.Status == "cancelled" {
		txnStatus = models.PayoutStatusCancelled
	}
	err := tx.Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ?", request.ID).
		Updates(map[string]interface{}{
			"status":         txnStatus,
			"failure_reason": reason,
			"raw_payload":    event.RawPayload,
			"processed_at":   now,
			"updated_at":     now,
		}).Error
	if err != nil {
		tx.Rollback()
		return errs.Transient("failed to close payout transaction", err)
	}

	if err := tx.Commit().Error; err != nil {
		return errs.Transient("failed to commit cashout failure", err)
	}

	log.Printf("Cashout %s failed via webhook: %s", request.Reference, reason)
	return nil
}

// Cancel withdraws a pending request. Only the owner may cancel, and only
// before an initiate claims it; whichever commits first wins.
func (s *CashoutService) Cancel(ctx context.Context, id, userID uuid.UUID) (*models.CashoutRequest, error) {
	request, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.UserID != userID {
		return nil, errs.Forbidden("only the owner may cancel a cashout request")
	}

	if err := s.cancelPending(ctx, request, "canceled by user"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ExpireStalePending cancels pending requests older than the TTL so locked
// cash does not stay reserved forever. Returns how many were expired.
func (s *CashoutService) ExpireStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stale []models.CashoutRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.CashoutStatusPending, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("error finding stale cashout requests: %w", err)
	}

	expired := 0
	for i := range stale {
		if err := s.cancelPending(ctx, &stale[i], "expired after waiting too long"); err != nil {
			if errors.Is(err, errs.ErrInvalidStateTransition) {
				continue
			}
			log.Printf("Failed to expire cashout %s: %v", stale[i].Reference, err)
			continue
		}
		expired++
		log.Printf("Expired stale cashout %s", stale[i].Reference)
	}
	return expired, nil
}

// RequeueStalledDispatches re-enqueues dispatch for initiated requests the
// gateway never acknowledged, recovering dispatches lost to crashes or
// enqueue failures. Returns how many were requeued.
func (s *CashoutService) RequeueStalledDispatches(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var stalled []models.CashoutRequest
	err := s.db.WithContext(ctx).
		Joins("JOIN payout_transactions ON payout_transactions.cashout_request_id = cashout_requests.id").
		Where("cashout_requests.status = ? AND cashout_requests.updated_at < ? AND payout_transactions.gateway_txn_id IS NULL",
			models.CashoutStatusInitiated, cutoff).
		Find(&stalled).Error
	if err != nil {
		return 0, fmt.Errorf("error finding stalled cashout dispatches: %w", err)
	}

	for i := range stalled {
		// Touch first so the next sweep skips it even if the enqueue fails
		err := s.db.WithContext(ctx).Model(&models.CashoutRequest{}).
			Where("id = ?", stalled[i].ID).
			Update("updated_at", time.Now()).Error
		if err != nil {
			return i, fmt.Errorf("error touching stalled cashout %s: %w", stalled[i].Reference, err)
		}
		s.enqueueDispatch(ctx, &stalled[i])
		log.Printf("Requeued stalled dispatch for cashout %s", stalled[i].Reference)
	}
	return len(stalled), nil
}

// cancelPending moves pending → canceled and returns the locked cash.
func (s *CashoutService) cancelPending(ctx context.Context, request *models.CashoutRequest, reason string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	result := tx.Model(&models.CashoutRequest{}).
		Where("id = ? AND status = ?", request.ID, models.CashoutStatusPending).
		Updates(map[string]interface{}{
			"status":         models.CashoutStatusCanceled,
			"failure_reason": reason,
			"completed_at":   now,
			"updated_at":     now,
		})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("error canceling cashout request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		fresh, err := s.Get(ctx, request.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot cancel cashout in status %s: %w", fresh.Status, errs.ErrInvalidStateTransition)
	}

	if _, err := s.wallets.UnlockCashTx(tx, request.UserID, request.CashAmount, request.Reference, "cash released after canceled cashout", nil); err != nil {
		tx.Rollback()
		return err
	}

	err := tx.Model(&models.PayoutTransaction{}).
		Where("cashout_request_id = ?", request.ID).
		Updates(map[string]interface{}{
			"status":         models.PayoutStatusCancelled,
			"failure_reason": reason,
			"updated_at":     now,
		}).Error
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("error canceling payout transaction: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("error committing cashout cancellation: %w", err)
	}
	return nil
}

// transactionFor loads the payout transaction belonging to a request.
func (s *CashoutService) transactionFor(ctx context.Context, requestID uuid.UUID) (*models.PayoutTransaction, error) {
	var txn models.PayoutTransaction
	if err := s.db.WithContext(ctx).First(&txn, "cashout_request_id = ?", requestID).Error; err != nil {
		return nil, fmt.Errorf("error finding payout transaction: %w", err)
	}
	return &txn, nil
}

// enqueueDispatch hands a dispatch retry to the background queue.
func (s *CashoutService) enqueueDispatch(ctx context.Context, request *models.CashoutRequest) {
	_, err := s.queue.Enqueue(ctx, queue.QueueCashout,
		DispatchPayload{CashoutID: request.ID.String()},
		queue.WithKey(request.ID.String()))
	if err != nil {
		// A lost enqueue is recovered by the stalled-dispatch sweep
		log.Printf("Failed to enqueue dispatch for cashout %s: %v", request.Reference, err)
	}
}
