package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the directory's view of an account holder. Everything
// billing-related keys off the opaque ID, never the username, so
// renames cannot orphan a ledger account.
type User struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Username  string       `gorm:"type:text;not null;uniqueIndex:ux_users_username" json:"username"`
	Role      string       `gorm:"type:text;not null;default:user" json:"role"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

type Service interface {
	ResolveByID(ctx context.Context, id string) (*User, error)
	ResolveByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, username, role string) (*User, error)
	Delete(ctx context.Context, id string) error
}

var (
	ErrUserNotFound      = errors.New("user_not_found")
	ErrDuplicateUsername = errors.New("duplicate_username")
	ErrInvalidUsername   = errors.New("invalid_username")
)
