package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Model is one upstream model configuration: where to reach it and how
// to authenticate.
type Model struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	Name       string       `gorm:"type:text;not null" json:"name"`
	Provider   string       `gorm:"type:text;not null" json:"provider"`
	APIModelID string       `gorm:"type:text;not null" json:"api_model_id"`
	BaseURL    string       `gorm:"type:text;not null" json:"base_url"`
	APIKey     string       `gorm:"type:text" json:"-"`
	IsEnabled  bool         `gorm:"not null;default:true" json:"is_enabled"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Model) TableName() string { return "models" }

type UpsertModelRequest struct {
	ID         string
	Name       string
	Provider   string
	APIModelID string
	BaseURL    string
	APIKey     string
	IsEnabled  *bool
}

type Service interface {
	// Resolve returns the model regardless of its enabled flag; callers
	// decide whether a disabled model is an error.
	Resolve(ctx context.Context, modelID string) (*Model, error)
	List(ctx context.Context) ([]Model, error)
	// Upsert creates the model when ID is empty and updates it
	// otherwise. Empty request fields keep their stored values.
	Upsert(ctx context.Context, req UpsertModelRequest) (*Model, error)
	SetEnabled(ctx context.Context, modelID string, enabled bool) error
	Delete(ctx context.Context, modelID string) error
}

var ErrModelNotFound = errors.New("model_not_found")
