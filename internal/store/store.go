// Package store persists the account pool. Two interchangeable backends sit
// behind the Store interface: a JSON file with a bbolt side database, and an
// embedded SQLite database in WAL mode.
package store

import (
	"time"
)

// Account is one upstream identity with its runtime state.
type Account struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Credentials string `json:"credentials_file"` // file path or inline base64 blob
	AuthMethod  string `json:"auth_method,omitempty"`
	ProfileArn  string `json:"profile_arn,omitempty"`
	Region      string `json:"region,omitempty"`

	CachedEmail        string   `json:"cached_email,omitempty"`
	CachedUserID       string   `json:"cached_user_id,omitempty"`
	NotSupportedModels []string `json:"not_supported_models,omitempty"`

	Healthy    bool  `json:"healthy"`
	Disabled   bool  `json:"disabled"`
	ErrorCount int   `json:"error_count"`
	UsageCount int64 `json:"usage_count"`

	LastUsed             time.Time `json:"last_used,omitzero"`
	LastErrorTime        time.Time `json:"last_error_time,omitzero"`
	LastErrorMessage     string    `json:"last_error_message,omitempty"`
	LastHealthCheckTime  time.Time `json:"last_health_check_time,omitzero"`
	LastHealthCheckModel string    `json:"last_health_check_model,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SupportsModel reports whether the account can serve the model.
func (a *Account) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range a.NotSupportedModels {
		if m == model {
			return false
		}
	}
	return true
}

// HealthUpdate is a partial update of an account's health state. Nil
// pointers leave the field untouched.
type HealthUpdate struct {
	Healthy             *bool
	ResetErrorCount     bool
	IncrementErrorCount bool
	// MaxErrorCount trips healthy=false when an increment reaches it.
	MaxErrorCount int

	LastErrorMessage     *string
	LastErrorTime        *time.Time
	LastHealthCheckTime  *time.Time
	LastHealthCheckModel *string
	CachedEmail          *string
	CachedUserID         *string
	ResetUsageCount      bool
}

// UsageCacheEntry is one cached upstream usage document.
type UsageCacheEntry struct {
	AccountID string    `json:"account_id"`
	Data      []byte    `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt int64     `json:"expires_at"` // epoch milliseconds
}

// Expired reports whether the entry is stale at the given instant.
func (e *UsageCacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt <= now.UnixMilli()
}

// HealthCheckRecord is one append-only health probe result.
type HealthCheckRecord struct {
	AccountID    string    `json:"account_id"`
	Healthy      bool      `json:"healthy"`
	CheckModel   string    `json:"check_model"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CheckTime    time.Time `json:"check_time"`
}

// Store is the durable account-pool backend.
type Store interface {
	LoadAll() ([]Account, error)
	Upsert(account Account) error
	Delete(id string) error
	UpdateHealth(id string, upd HealthUpdate) error
	IncrementUsage(id string) error
	SetDisabled(id string, disabled bool) error

	GetUsageCache(id string) (*UsageCacheEntry, error)
	SetUsageCache(id string, data []byte, ttl time.Duration) error
	GetUsageCacheBatch() (map[string]*UsageCacheEntry, error)

	RecordHealthCheck(id string, success bool, model string, checkErr string) error
	CleanExpiredUsageCache() (int, error)
	CleanOldHealthHistory(days int) (int, error)

	Close() error
}

func apply(acc *Account, upd HealthUpdate, now time.Time) {
	if upd.Healthy != nil {
		acc.Healthy = *upd.Healthy
	}
	if upd.ResetErrorCount {
		acc.ErrorCount = 0
	}
	if upd.IncrementErrorCount {
		acc.ErrorCount++
		if upd.MaxErrorCount > 0 && acc.ErrorCount >= upd.MaxErrorCount {
			acc.Healthy = false
		}
	}
	if upd.LastErrorMessage != nil {
		acc.LastErrorMessage = *upd.LastErrorMessage
	}
	if upd.LastErrorTime != nil {
		acc.LastErrorTime = *upd.LastErrorTime
	}
	if upd.LastHealthCheckTime != nil {
		acc.LastHealthCheckTime = *upd.LastHealthCheckTime
	}
	if upd.LastHealthCheckModel != nil {
		acc.LastHealthCheckModel = *upd.LastHealthCheckModel
	}
	if upd.CachedEmail != nil {
		acc.CachedEmail = *upd.CachedEmail
	}
	if upd.CachedUserID != nil {
		acc.CachedUserID = *upd.CachedUserID
	}
	if upd.ResetUsageCount {
		acc.UsageCount = 0
	}
	acc.UpdatedAt = now
}
