package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RequestLog is the durable usage ledger, one row per completed request.
// The forwarding pipeline writes it; this layer only aggregates over it, and
// it must stay queryable even when the fast store is completely absent.
type RequestLog struct {
	Id               int64           `json:"id" gorm:"primaryKey"`
	UserId           int             `json:"user_id" gorm:"index"`
	ProviderId       int             `json:"provider_id" gorm:"index"`
	SessionId        string          `json:"session_id" gorm:"index;size:64"`
	ModelName        string          `json:"model_name" gorm:"size:128"`
	ApiType          string          `json:"api_type" gorm:"size:32"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CacheTokens      int64           `json:"cache_tokens"`
	Cost             decimal.Decimal `json:"cost" gorm:"type:decimal(20,8)"`
	StatusCode       int             `json:"status_code"`
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
}

// UserUsageAggregate is one user's ledger totals over a time window.
type UserUsageAggregate struct {
	UserId   int             `gorm:"column:user_id"`
	Requests int64           `gorm:"column:requests"`
	Cost     decimal.Decimal `gorm:"column:cost"`
}

// SumUserUsageSince aggregates the ledger per user from `since` onward.
// This can be slow on a large ledger; callers run it outside any fast-store
// lock.
func SumUserUsageSince(db *gorm.DB, since time.Time) ([]UserUsageAggregate, error) {
	var rows []UserUsageAggregate
	err := db.Model(&RequestLog{}).
		Select("user_id, count(*) as requests, sum(cost) as cost").
		Where("created_at >= ?", since).
		Group("user_id").
		Scan(&rows).Error
	return rows, err
}

// SessionActivity is the last ledger activity seen for one session.
type SessionActivity struct {
	SessionId string    `gorm:"column:session_id"`
	UserId    int       `gorm:"column:user_id"`
	LastAt    time.Time `gorm:"column:last_at"`
}

// GetRecentSessionActivity lists sessions with ledger rows newer than
// `since`. Cold-start recovery replays these into the active-session
// indices.
func GetRecentSessionActivity(db *gorm.DB, since time.Time) ([]SessionActivity, error) {
	var rows []SessionActivity
	err := db.Model(&RequestLog{}).
		Select("session_id, user_id, max(created_at) as last_at").
		Where("created_at >= ? AND session_id <> ''", since).
		Group("session_id").
		Group("user_id").
		Scan(&rows).Error
	return rows, err
}
