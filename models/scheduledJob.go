package models

import "time"

// ScheduledJob is persisted job configuration. The scheduler reloads these
// rows periodically so external edits take effect without a restart.
//
// TriggerSpec is either "@every <duration>" (e.g. "@every 6h") or a cron-like
// "<minute> <hour> <dow>" triple where dow may be "*".
type ScheduledJob struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"uniqueIndex;size:100;not null" json:"name"`
	TriggerSpec string     `gorm:"size:100;not null" json:"trigger_spec"`
	AccountId   string     `gorm:"index;size:64" json:"account_id"`
	Paused      bool       `gorm:"default:false" json:"paused"`
	LastRunAt   *time.Time `json:"last_run_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
