package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a balance change. All types add to the
// balance except TxnUsage, which subtracts. TxnAdjustment records the
// unsigned magnitude of an absolute balance correction; its direction is
// recoverable from BalanceBefore/BalanceAfter.
type TransactionType string

const (
	TxnInitial    TransactionType = "initial"
	TxnUsage      TransactionType = "usage"
	TxnRefund     TransactionType = "refund"
	TxnBonus      TransactionType = "bonus"
	TxnAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxnInitial, TxnUsage, TxnRefund, TxnBonus, TxnAdjustment:
		return true
	default:
		return false
	}
}

// Account is the per-user balance record. Balance is mutated only inside
// a ledger transaction holding the account row lock.
type Account struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID      string          `gorm:"type:text;not null;uniqueIndex:ux_accounts_user_id" json:"user_id"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance"`
	TotalEarned decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"total_earned"`
	TotalSpent  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"total_spent"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Transaction is one immutable balance-change record. The log must
// reproduce the account's current balance by replay.
type Transaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID    `gorm:"not null;index" json:"account_id"`
	Type          TransactionType `gorm:"type:text;not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance_after"`
	Description   string          `gorm:"type:text" json:"description"`
	ReferenceID   string          `gorm:"type:text;index" json:"reference_id,omitempty"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// Signed returns the balance delta this transaction applied.
func (t Transaction) Signed() decimal.Decimal {
	switch t.Type {
	case TxnUsage:
		return t.Amount.Neg()
	case TxnAdjustment:
		return t.BalanceAfter.Sub(t.BalanceBefore)
	default:
		return t.Amount
	}
}
