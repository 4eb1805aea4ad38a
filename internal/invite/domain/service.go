package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type CreateCodeRequest struct {
	Code           string
	MaxUses        int
	InitialCredits decimal.Decimal
	ExpiresAt      *time.Time
	Notes          string
	CreatedBy      string
}

// UpdateCodeRequest carries the administrator-editable fields. Nil
// pointers leave the stored value untouched.
type UpdateCodeRequest struct {
	ID             string
	MaxUses        *int
	InitialCredits *decimal.Decimal
	ExpiresAt      *time.Time
	IsActive       *bool
	Notes          *string
}

type Service interface {
	// Create registers a new code. The code string is normalized before
	// storage; a collision fails with ErrDuplicateCode.
	Create(ctx context.Context, req CreateCodeRequest) (*InviteCode, error)
	// Validate is a read-only redeemability check. It is advisory: a
	// concurrent redemption can invalidate the answer immediately, so
	// Redeem re-validates under the row lock.
	Validate(ctx context.Context, code string) (*InviteCode, error)
	// Redeem atomically re-validates and consumes one use of the code.
	// It does not grant credits; that is the caller's responsibility.
	Redeem(ctx context.Context, code string, userID string) (*InviteCode, error)
	List(ctx context.Context) ([]InviteCode, error)
	GetByID(ctx context.Context, id string) (*InviteCode, error)
	Update(ctx context.Context, req UpdateCodeRequest) (*InviteCode, error)
	Delete(ctx context.Context, id string) error
}

var (
	ErrDuplicateCode   = errors.New("duplicate_code")
	ErrInviteInvalid   = errors.New("invite_invalid")
	ErrInviteExhausted = errors.New("invite_exhausted")
	ErrInviteExpired   = errors.New("invite_expired")
	ErrCodeNotFound    = errors.New("invite_code_not_found")
	ErrInvalidMaxUses  = errors.New("invalid_max_uses")
	ErrInvalidCredits  = errors.New("invalid_initial_credits")
)
