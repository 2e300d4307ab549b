package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet holds a user's reward balances: an integer points balance plus a
// cash balance with a locked portion reserved against pending payouts.
// All three quantities are non-negative at every observable point and are
// only ever mutated through the wallet service's checked operations.
type Wallet struct {
	ID            uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	UserID        uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	PointsBalance int64           `gorm:"not null;default:0" json:"points_balance"`
	CashBalance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"cash_balance"`
	LockedAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"locked_amount"`
	// Version guards every balance write: updates only apply against the
	// version they were computed from, so concurrent mutations serialize.
	Version   int64          `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns the UUID primary key
func (w *Wallet) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}

// AvailableCash is the portion of cash not reserved against a payout.
func (w *Wallet) AvailableCash() decimal.Decimal {
	return w.CashBalance.Sub(w.LockedAmount)
}

// EntryKind identifies which wallet operation produced a journal entry
type EntryKind string

const (
	EntryAddPoints        EntryKind = "add_points"
	EntryDeductPoints     EntryKind = "deduct_points"
	EntryLockCash         EntryKind = "lock_cash"
	EntryUnlockCash       EntryKind = "unlock_cash"
	EntrySettleLockedCash EntryKind = "settle_locked_cash"
	EntryAddCash          EntryKind = "add_cash"
)

// WalletEntry is the journal row written alongside every balance mutation,
// recording signed deltas and the balances after the write.
type WalletEntry struct {
	ID           uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	WalletID     uuid.UUID       `gorm:"type:uuid;index;not null" json:"wallet_id"`
	Kind         EntryKind       `gorm:"type:varchar(30);not null" json:"kind"`
	PointsDelta  int64           `gorm:"not null;default:0" json:"points_delta"`
	CashDelta    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"cash_delta"`
	LockedDelta  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"locked_delta"`
	PointsAfter  int64           `gorm:"not null" json:"points_after"`
	CashAfter    decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"cash_after"`
	LockedAfter  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"locked_after"`
	Reference    string          `gorm:"type:varchar(100);index" json:"reference"`
	Description  string          `gorm:"type:text" json:"description"`
	MetaData     JSON            `gorm:"type:jsonb" json:"metadata"`
	CreatedAt    time.Time       `gorm:"default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// BeforeCreate assigns the UUID primary key
func (e *WalletEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
