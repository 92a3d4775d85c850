package marketsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/scheduler"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

const syncJobPrefix = "account-sync"

// SyncJob adapts the orchestrator to the scheduler's Job contract. One job
// per account; the scope narrows it to a single storefront when set.
type SyncJob struct {
	name         string
	accountId    string
	orchestrator *Orchestrator
}

func NewSyncJob(accountId string, orchestrator *Orchestrator) *SyncJob {
	return &SyncJob{
		name:         fmt.Sprintf("%s:%s", syncJobPrefix, accountId),
		accountId:    accountId,
		orchestrator: orchestrator,
	}
}

// NewSyncJobFactory builds SyncJobs from persisted scheduled_job rows whose
// name carries the account id after the prefix.
func NewSyncJobFactory(orchestrator *Orchestrator) scheduler.JobFactory {
	return func(row models.ScheduledJob) (scheduler.Job, error) {
		accountId := row.AccountId
		if accountId == "" {
			accountId = strings.TrimPrefix(row.Name, syncJobPrefix+":")
		}
		if accountId == "" || accountId == row.Name {
			return nil, fmt.Errorf("scheduled job %q has no account id", row.Name)
		}
		return NewSyncJob(accountId, orchestrator), nil
	}
}

func (j *SyncJob) Name() string { return j.name }

func (j *SyncJob) Run(ctx context.Context, scope scheduler.Scope) scheduler.JobResult {
	accountId := j.accountId
	if scope.AccountId != "" {
		accountId = scope.AccountId
	}
	ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredSchedule)

	opts := RunOptions{TriggeredBy: models.SyncTriggeredSchedule}
	var (
		run *models.SyncRun
		err error
	)
	if scope.StorefrontId != nil {
		run, err = j.orchestrator.SyncStorefront(ctx, accountId, *scope.StorefrontId, opts)
	} else {
		run, err = j.orchestrator.SyncAccount(ctx, accountId, opts)
	}
	if err != nil {
		return scheduler.JobResult{Status: scheduler.RunStatusFailed, Message: err.Error()}
	}

	result := scheduler.JobResult{Message: run.Message}
	switch run.Status {
	case models.SyncRunStatusSuccess:
		result.Status = scheduler.RunStatusSuccess
	case models.SyncRunStatusPartial:
		result.Status = scheduler.RunStatusPartial
	default:
		result.Status = scheduler.RunStatusFailed
	}
	return result
}

// StaleRunSweeper fails sync runs stuck in the running state longer than the
// TTL, typically left behind by a crashed process.
type StaleRunSweeper struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewStaleRunSweeper(db *gorm.DB) *StaleRunSweeper {
	return &StaleRunSweeper{
		db:  db,
		ttl: config.DurationFromEnv("SYNC_STALE_RUN_TTL", 2*time.Hour),
		now: time.Now,
	}
}

func (s *StaleRunSweeper) Name() string { return "stale-run-sweeper" }

func (s *StaleRunSweeper) Run(ctx context.Context, _ scheduler.Scope) scheduler.JobResult {
	cutoff := s.now().Add(-s.ttl)
	res := s.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("status = ? AND started_at < ?", models.SyncRunStatusRunning, cutoff).
		Updates(map[string]any{
			"status":  models.SyncRunStatusFailed,
			"message": "marked failed by stale run sweeper",
		})
	if res.Error != nil {
		return scheduler.JobResult{Status: scheduler.RunStatusFailed, Message: res.Error.Error()}
	}
	return scheduler.JobResult{
		Status:  scheduler.RunStatusSuccess,
		Message: fmt.Sprintf("swept %d stale runs", res.RowsAffected),
	}
}

// RunHistoryCleanup deletes finished sync runs (and their error rows) past
// the retention window.
type RunHistoryCleanup struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
}

func NewRunHistoryCleanup(db *gorm.DB) *RunHistoryCleanup {
	return &RunHistoryCleanup{
		db:        db,
		retention: config.DurationFromEnv("SYNC_RUN_RETENTION", 90*24*time.Hour),
		now:       time.Now,
	}
}

func (c *RunHistoryCleanup) Name() string { return "run-history-cleanup" }

func (c *RunHistoryCleanup) Run(ctx context.Context, _ scheduler.Scope) scheduler.JobResult {
	cutoff := c.now().Add(-c.retention)

	var runIds []uint
	err := c.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("status <> ? AND created_at < ?", models.SyncRunStatusRunning, cutoff).
		Pluck("id", &runIds).Error
	if err != nil {
		return scheduler.JobResult{Status: scheduler.RunStatusFailed, Message: err.Error()}
	}
	if len(runIds) == 0 {
		return scheduler.JobResult{Status: scheduler.RunStatusSuccess, Message: "nothing to clean"}
	}

	if err := c.db.WithContext(ctx).Where("sync_run_id IN ?", runIds).Delete(&models.SyncRunError{}).Error; err != nil {
		return scheduler.JobResult{Status: scheduler.RunStatusFailed, Message: err.Error()}
	}
	if err := c.db.WithContext(ctx).Where("id IN ?", runIds).Delete(&models.SyncRun{}).Error; err != nil {
		return scheduler.JobResult{Status: scheduler.RunStatusFailed, Message: err.Error()}
	}
	return scheduler.JobResult{
		Status:  scheduler.RunStatusSuccess,
		Message: fmt.Sprintf("deleted %d runs", len(runIds)),
	}
}
