package domain

import (
	"context"
	"errors"

	"github.com/creditgate/creditgate/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type AddCreditsRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Type        TransactionType // initial, refund or bonus
	Description string
	ReferenceID string
}

type DeductCreditsRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Type        TransactionType // usage by default; adjustment bypasses the balance guard
	Description string
	ReferenceID string
}

type Service interface {
	// EnsureAccount creates the account with a zero balance if absent;
	// otherwise it returns the existing account unmodified.
	EnsureAccount(ctx context.Context, userID string) (*Account, error)
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	// AddCredits applies a positive balance grant atomically. Grants of
	// type initial carrying a ReferenceID are idempotent on that
	// reference: a replay is a no-op.
	AddCredits(ctx context.Context, req AddCreditsRequest) error
	// DeductCredits returns false without mutating anything when the
	// balance cannot cover the amount and the type is not adjustment.
	DeductCredits(ctx context.Context, req DeductCreditsRequest) (bool, error)
	// SetCredits overwrites the balance to an absolute target, recording
	// an adjustment transaction unless the delta is negligible.
	SetCredits(ctx context.Context, userID string, target decimal.Decimal, description string) error
	// TransactionHistory returns the newest transactions first, bounded
	// by limit.
	TransactionHistory(ctx context.Context, userID string, limit int) ([]Transaction, error)
	// TransactionPage is the cursor-paginated variant, keyed on
	// (created_at, id) descending.
	TransactionPage(ctx context.Context, userID string, page pagination.Pagination) ([]Transaction, *pagination.PageInfo, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidTxnType   = errors.New("invalid_transaction_type")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
