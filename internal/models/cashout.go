package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CashoutMethod enumerates the supported payout rails
type CashoutMethod string

const (
	CashoutMethodBankTransfer CashoutMethod = "bank_transfer"
	CashoutMethodPayPal       CashoutMethod = "paypal"
	CashoutMethodStripe       CashoutMethod = "stripe"
	CashoutMethodCrypto       CashoutMethod = "crypto"
	CashoutMethodUPI          CashoutMethod = "upi"
)

// ValidCashoutMethod reports whether m names a known payout rail.
func ValidCashoutMethod(m CashoutMethod) bool {
	switch m {
	case CashoutMethodBankTransfer, CashoutMethodPayPal, CashoutMethodStripe, CashoutMethodCrypto, CashoutMethodUPI:
		return true
	}
	return false
}

// CashoutStatus is the lifecycle state of a cashout request
type CashoutStatus string

const (
	CashoutStatusPending   CashoutStatus = "pending"
	CashoutStatusInitiated CashoutStatus = "initiated"
	CashoutStatusSucceeded CashoutStatus = "succeeded"
	CashoutStatusFailed    CashoutStatus = "failed"
	CashoutStatusCanceled  CashoutStatus = "canceled"
)

var cashoutTransitions = map[CashoutStatus][]CashoutStatus{
	CashoutStatusPending:   {CashoutStatusInitiated, CashoutStatusCanceled},
	CashoutStatusInitiated: {CashoutStatusSucceeded, CashoutStatusFailed},
	CashoutStatusSucceeded: {},
	CashoutStatusFailed:    {},
	CashoutStatusCanceled:  {},
}

// CanTransitionTo reports whether moving from s to next follows the graph.
func (s CashoutStatus) CanTransitionTo(next CashoutStatus) bool {
	for _, allowed := range cashoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is legal from s.
func (s CashoutStatus) IsTerminal() bool {
	return len(cashoutTransitions[s]) == 0
}

// CashoutRequest converts points into a cash payout. The cash equivalent is
// locked in the wallet the moment the request is created, and the points are
// deducted only when the gateway confirms final success. A user may hold at
// most one non-terminal request at a time.
type CashoutRequest struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	UserID         uuid.UUID       `gorm:"type:uuid;index;not null" json:"user_id"`
	PointsUsed     int64           `gorm:"not null" json:"points_used"`
	CashAmount     decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"cash_amount"`
	Method         CashoutMethod   `gorm:"type:varchar(30);not null" json:"method"`
	DestinationRef string          `gorm:"type:varchar(255);not null" json:"destination_ref"`
	Status         CashoutStatus   `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Reference      string          `gorm:"type:varchar(100);uniqueIndex" json:"reference"`
	FailureReason  string          `gorm:"type:text" json:"failure_reason"`
	InitiatedAt    *time.Time      `json:"initiated_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	CreatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt      gorm.DeletedAt  `gorm:"index" json:"-"`
}

// BeforeCreate assigns the UUID primary key
func (c *CashoutRequest) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// PayoutStatus is the lifecycle state of the gateway-side transaction
type PayoutStatus string

const (
	PayoutStatusInitiated  PayoutStatus = "initiated"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusSucceeded  PayoutStatus = "succeeded"
	PayoutStatusFailed     PayoutStatus = "failed"
	PayoutStatusCancelled  PayoutStatus = "cancelled"
)

// PayoutTransaction tracks the gateway side of a cashout, one row per
// request. The raw webhook payload is kept verbatim for audit.
type PayoutTransaction struct {
	Base
	CashoutRequestID uuid.UUID    `gorm:"type:uuid;uniqueIndex;not null" json:"cashout_request_id"`
	Gateway          string       `gorm:"type:varchar(50)" json:"gateway"`
	GatewayTxnID     *string      `gorm:"type:varchar(255);index" json:"gateway_txn_id"`
	Status           PayoutStatus `gorm:"type:varchar(20);not null;default:'initiated'" json:"status"`
	RawPayload       []byte       `gorm:"type:bytea" json:"-"`
	FailureReason    string       `gorm:"type:text" json:"failure_reason"`
	ProcessedAt      *time.Time   `json:"processed_at"`
}
