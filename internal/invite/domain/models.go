package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InviteCode is a limited-use token that grants initial credits to a new
// account. Codes are stored case-normalized; UsedCount increments exactly
// once per successful redemption and never decrements.
type InviteCode struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	Code           string          `gorm:"type:text;not null;uniqueIndex:ux_invite_codes_code" json:"code"`
	MaxUses        int             `gorm:"not null" json:"max_uses"`
	UsedCount      int             `gorm:"not null;default:0" json:"used_count"`
	InitialCredits decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"initial_credits"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	IsActive       bool            `gorm:"not null;default:true" json:"is_active"`
	Notes          string          `gorm:"type:text" json:"notes,omitempty"`
	CreatedBy      string          `gorm:"type:text" json:"created_by"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (InviteCode) TableName() string { return "invite_codes" }

// Redeemable reports why the code cannot be redeemed at the given
// instant, or nil when it can. Evaluation order matters: an inactive or
// unknown code is invalid before it is exhausted or expired.
func (c *InviteCode) Redeemable(now time.Time) error {
	if !c.IsActive {
		return ErrInviteInvalid
	}
	if c.UsedCount >= c.MaxUses {
		return ErrInviteExhausted
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return ErrInviteExpired
	}
	return nil
}

// NormalizeCode applies the canonical form codes are stored and compared
// in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
