package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord is a write-only observability trail entry. It is not
// billing-authoritative: a record may exist for a request whose ledger
// debit failed, and must record that failure.
type UsageRecord struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	Username     string       `gorm:"type:text;not null;index" json:"username"`
	ModelID      string       `gorm:"type:text;not null;index" json:"model_id"`
	ModelName    string       `gorm:"type:text" json:"model_name"`
	Provider     string       `gorm:"type:text" json:"provider"`
	TokensInput  int64        `gorm:"not null" json:"tokens_input"`
	TokensOutput int64        `gorm:"not null" json:"tokens_output"`
	Success      bool         `gorm:"not null" json:"success"`
	ErrorMessage string       `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

type LogRequest struct {
	Username     string
	ModelID      string
	ModelName    string
	Provider     string
	TokensInput  int64
	TokensOutput int64
	Success      bool
	ErrorMessage string
}

type ModelStat struct {
	ModelID      string `json:"model_id"`
	ModelName    string `json:"model_name"`
	Requests     int64  `json:"requests"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	Failures     int64  `json:"failures"`
}

type DayStat struct {
	Day          string `json:"day"` // YYYY-MM-DD, UTC
	Requests     int64  `json:"requests"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
}

type Stats struct {
	TotalRequests int64         `json:"total_requests"`
	TotalFailures int64         `json:"total_failures"`
	TokensInput   int64         `json:"tokens_input"`
	TokensOutput  int64         `json:"tokens_output"`
	ByModel       []ModelStat   `json:"by_model"`
	ByDay         []DayStat     `json:"by_day"`
	Recent        []UsageRecord `json:"recent"`
}

type Service interface {
	// Log persists a usage record asynchronously. Failures are logged
	// and dropped; the trail is allowed to be lossy.
	Log(ctx context.Context, req LogRequest)
	// Stats aggregates the trailing window. An empty username means all
	// users.
	Stats(ctx context.Context, days int, username string) (*Stats, error)
}
