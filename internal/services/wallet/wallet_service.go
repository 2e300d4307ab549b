package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// maxVersionRetries bounds the optimistic retry loop. Contention on a single
// wallet is rare (one user, one wallet), so losing this many races in a row
// means something is wrong and we bail with a transient error.
const maxVersionRetries = 5

// WalletService mutates wallet balances. Every mutation re-checks the
// invariants in application code against a freshly loaded row, then applies
// the new balances with a version-guarded UPDATE and writes a journal entry
// in the same transaction. No balance is ever written through any other path.
type WalletService struct {
	db *gorm.DB
}

// NewWalletService creates a new wallet service
func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{db: db}
}

// GetOrCreateWallet gets a user's wallet or creates one if it doesn't exist
func (s *WalletService) GetOrCreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return s.getOrCreate(s.db.WithContext(ctx), userID)
}

func (s *WalletService) getOrCreate(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet

	err := tx.Where("user_id = ?", userID).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error finding wallet: %w", err)
	}

	wallet = models.Wallet{
		UserID:        userID,
		PointsBalance: 0,
		CashBalance:   decimal.Zero,
		LockedAmount:  decimal.Zero,
	}
	if err := tx.Create(&wallet).Error; err != nil {
		return nil, fmt.Errorf("error creating wallet: %w", err)
	}
	return &wallet, nil
}

// GetWallet gets an existing wallet by user ID without creating one
func (s *WalletService) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("wallet")
		}
		return nil, fmt.Errorf("error finding wallet: %w", err)
	}
	return &wallet, nil
}

// GetEntries gets the journal for a user's wallet, newest first
func (s *WalletService) GetEntries(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.WalletEntry, int64, error) {
	wallet, err := s.GetWallet(ctx, userID)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return []models.WalletEntry{}, 0, nil
		}
		return nil, 0, err
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.WalletEntry{}).Where("wallet_id = ?", wallet.ID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("error counting wallet entries: %w", err)
	}

	var entries []models.WalletEntry
	offset := (page - 1) * pageSize
	if err := s.db.WithContext(ctx).Where("wallet_id = ?", wallet.ID).
		Order("created_at DESC").Offset(offset).Limit(pageSize).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("error finding wallet entries: %w", err)
	}
	return entries, total, nil
}

// AddPoints credits points to a user's wallet
func (s *WalletService) AddPoints(ctx context.Context, userID uuid.UUID, points int64, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.AddPointsTx(tx, userID, points, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// AddPointsTx credits points using an existing transaction
func (s *WalletService) AddPointsTx(tx *gorm.DB, userID uuid.UUID, points int64, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if points <= 0 {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "points must be positive")
	}
	return s.applyTx(tx, userID, models.EntryAddPoints, points, decimal.Zero, decimal.Zero, reference, description, metadata)
}

// DeductPoints removes points from a user's wallet
func (s *WalletService) DeductPoints(ctx context.Context, userID uuid.UUID, points int64, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.DeductPointsTx(tx, userID, points, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// DeductPointsTx removes points using an existing transaction
func (s *WalletService) DeductPointsTx(tx *gorm.DB, userID uuid.UUID, points int64, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if points <= 0 {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "points must be positive")
	}
	return s.applyTx(tx, userID, models.EntryDeductPoints, -points, decimal.Zero, decimal.Zero, reference, description, metadata)
}

// AddCash credits cash to a user's wallet
func (s *WalletService) AddCash(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.AddCashTx(tx, userID, amount, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// AddCashTx credits cash using an existing transaction
func (s *WalletService) AddCashTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if !amount.IsPositive() {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "amount must be positive")
	}
	return s.applyTx(tx, userID, models.EntryAddCash, 0, amount, decimal.Zero, reference, description, metadata)
}

// LockCash reserves available cash against a pending payout
func (s *WalletService) LockCash(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.LockCashTx(tx, userID, amount, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// LockCashTx reserves available cash using an existing transaction
func (s *WalletService) LockCashTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if !amount.IsPositive() {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "amount must be positive")
	}
	return s.applyTx(tx, userID, models.EntryLockCash, 0, decimal.Zero, amount, reference, description, metadata)
}

// UnlockCash releases a reservation back to the available balance
func (s *WalletService) UnlockCash(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.UnlockCashTx(tx, userID, amount, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// UnlockCashTx releases a reservation using an existing transaction
func (s *WalletService) UnlockCashTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if !amount.IsPositive() {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "amount must be positive")
	}
	return s.applyTx(tx, userID, models.EntryUnlockCash, 0, decimal.Zero, amount.Neg(), reference, description, metadata)
}

// SettleLockedCash pays out a reservation: both the cash balance and the
// locked amount drop by the settled amount, leaving available cash unchanged.
func (s *WalletService) SettleLockedCash(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	entry, err := s.SettleLockedCashTx(tx, userID, amount, reference, description, metadata)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("error committing wallet update: %w", err)
	}
	return entry, nil
}

// SettleLockedCashTx pays out a reservation using an existing transaction
func (s *WalletService) SettleLockedCashTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	if !amount.IsPositive() {
		return nil, errs.New(errs.KindValidation, "invalid_amount", "amount must be positive")
	}
	return s.applyTx(tx, userID, models.EntrySettleLockedCash, 0, amount.Neg(), amount.Neg(), reference, description, metadata)
}

// applyTx is the single write path for wallet balances. It loads the wallet,
// computes the new balances in Go, rejects any mutation that would break an
// invariant, then applies the balances with an UPDATE guarded by the loaded
// version. A lost race reloads and retries; invariant failures never retry.
func (s *WalletService) applyTx(tx *gorm.DB, userID uuid.UUID, kind models.EntryKind, pointsDelta int64, cashDelta, lockedDelta decimal.Decimal, reference, description string, metadata models.JSON) (*models.WalletEntry, error) {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		wallet, err := s.getOrCreate(tx, userID)
		if err != nil {
			return nil, err
		}

		pointsAfter := wallet.PointsBalance + pointsDelta
		cashAfter := wallet.CashBalance.Add(cashDelta)
		lockedAfter := wallet.LockedAmount.Add(lockedDelta)

		if pointsAfter < 0 {
			return nil, errs.ErrInsufficientPoints
		}
		if lockedAfter.IsNegative() {
			return nil, errs.ErrOverUnlock
		}
		if cashAfter.Sub(lockedAfter).IsNegative() {
			return nil, errs.ErrInsufficientAvailableCash
		}

		result := tx.Model(&models.Wallet{}).
			Where("id = ? AND version = ?", wallet.ID, wallet.Version).
			Updates(map[string]interface{}{
				"points_balance": pointsAfter,
				"cash_balance":   cashAfter,
				"locked_amount":  lockedAfter,
				"version":        wallet.Version + 1,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("error updating wallet balance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the version race; reload and try again
			continue
		}

		entry := models.WalletEntry{
			WalletID:    wallet.ID,
			Kind:        kind,
			PointsDelta: pointsDelta,
			CashDelta:   cashDelta,
			LockedDelta: lockedDelta,
			PointsAfter: pointsAfter,
			CashAfter:   cashAfter,
			LockedAfter: lockedAfter,
			Reference:   reference,
			Description: description,
			MetaData:    metadata,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("error creating wallet entry: %w", err)
		}
		return &entry, nil
	}
	return nil, errs.Transient(fmt.Sprintf("wallet for user %s lost %d version races", userID, maxVersionRetries), nil)
}
