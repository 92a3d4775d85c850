package models

import "time"

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredRetry    = "retry"
)

const (
	SyncRunTypeAccount    = "account"
	SyncRunTypeStorefront = "storefront"
)

// SyncRun is the audit row for one orchestrator invocation. Exactly one is
// written per invocation and its status always reaches a terminal value
// (success/partial/failed) before the invocation returns.
type SyncRun struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	AccountId      string     `gorm:"index;size:64;not null" json:"account_id"`
	StorefrontId   *uint      `gorm:"index" json:"storefront_id"`
	Type           string     `gorm:"size:20;not null" json:"type"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	Message        string     `gorm:"type:text" json:"message"`
	RecordCount    int        `json:"record_count"`
	StoreSucceeded int        `json:"store_succeeded"`
	StoreFailed    int        `json:"store_failed"`
	StoreSkipped   int        `json:"store_skipped"`
	BreakdownJSON  []byte     `gorm:"type:json" json:"breakdown"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunError is per-record/per-storefront error detail for operator
// drill-down. Errors never abort a run; they accumulate here.
type SyncRunError struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SyncRunId    uint      `gorm:"index;not null" json:"sync_run_id"`
	AccountId    string    `gorm:"index;size:64;not null" json:"account_id"`
	StorefrontId uint      `gorm:"index" json:"storefront_id"`
	Source       string    `gorm:"size:20" json:"source"`
	ProductId    string    `gorm:"size:64" json:"product_id"`
	ErrorCode    string    `gorm:"size:64" json:"error_code"`
	Message      string    `gorm:"type:text" json:"message"`
	Retryable    bool      `gorm:"default:false" json:"retryable"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
