package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role is the coarse permission level carried in a session token.
// Session issuance lives outside this service; we only interpret the claim.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Capability tags a specific privileged action. Handlers never branch on
// role strings directly; they require a capability at the route boundary.
type Capability string

const (
	CapabilityModerate         Capability = "moderate"
	CapabilityManageGeo        Capability = "manage_geo"
	CapabilityInitiatePayouts  Capability = "initiate_payouts"
	CapabilityInspectAnyWallet Capability = "inspect_any_wallet"
)

var roleCapabilities = map[Role][]Capability{
	RoleUser:      {},
	RoleModerator: {CapabilityModerate},
	RoleAdmin:     {CapabilityModerate, CapabilityManageGeo, CapabilityInitiatePayouts, CapabilityInspectAnyWallet},
}

// ParseRole maps a raw claim value to a known role, defaulting to the
// least-privileged one.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleModerator:
		return RoleModerator
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Has reports whether the role grants the given capability.
func (r Role) Has(c Capability) bool {
	for _, granted := range roleCapabilities[r] {
		if granted == c {
			return true
		}
	}
	return false
}

// User represents a user in the system. Accounts are created and
// authenticated elsewhere; this row anchors submissions, wallets and
// cashouts to a stable identity.
type User struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Email       string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	DisplayName string         `gorm:"type:varchar(100)" json:"display_name"`
	Role        Role           `gorm:"type:varchar(20);not null;default:'user'" json:"role"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns the UUID primary key
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
