package marketsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/scheduler"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("triggerspec", func(fl validator.FieldLevel) bool {
			_, err := scheduler.ParseTriggerSpec(fl.Field().String())
			return err == nil
		})
	}
}

type TriggerSyncRequest struct {
	AccountId    string `json:"account_id" binding:"required"`
	StorefrontId *uint  `json:"storefront_id"`
	Start        string `json:"start" binding:"omitempty,datetime=2006-01-02"`
	End          string `json:"end" binding:"omitempty,datetime=2006-01-02"`
	Force        bool   `json:"force"`
	Async        bool   `json:"async"`
}

type SyncRunResponse struct {
	ID             uint    `json:"id"`
	AccountId      string  `json:"account_id"`
	StorefrontId   *uint   `json:"storefront_id,omitempty"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	TriggeredBy    string  `json:"triggered_by"`
	Message        string  `json:"message,omitempty"`
	RecordCount    int     `json:"record_count"`
	StoreSucceeded int     `json:"store_succeeded"`
	StoreFailed    int     `json:"store_failed"`
	StoreSkipped   int     `json:"store_skipped"`
	StartedAt      *string `json:"started_at"`
	FinishedAt     *string `json:"finished_at"`
	DurationMs     int64   `json:"duration_ms"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Breakdown []StoreResult       `json:"breakdown,omitempty"`
	Errors    []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID           uint   `json:"id"`
	StorefrontId uint   `json:"storefront_id"`
	Source       string `json:"source"`
	ProductId    string `json:"product_id,omitempty"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

// TriggerSyncHandler starts a sync for an account (or one storefront).
// Async requests publish a pub/sub message and return immediately; otherwise
// the run executes inline and its audit row id is returned.
func TriggerSyncHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if err := authorizeAccount(c, req.AccountId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if req.Async {
			err := PublishSyncRequest(c.Request.Context(), SyncPubSubPayload{
				AccountId:    req.AccountId,
				StorefrontId: req.StorefrontId,
				TriggeredBy:  models.SyncTriggeredManual,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}

		opts := RunOptions{TriggeredBy: models.SyncTriggeredManual}
		if req.Start != "" {
			opts.Start, _ = time.Parse("2006-01-02", req.Start)
		}
		if req.End != "" {
			opts.End, _ = time.Parse("2006-01-02", req.End)
		}

		ctx := utils.SetTriggeredByInContext(c.Request.Context(), models.SyncTriggeredManual)
		var (
			run *models.SyncRun
			err error
		)
		if req.StorefrontId != nil {
			run, err = orchestrator.SyncStorefront(ctx, req.AccountId, *req.StorefrontId, opts)
		} else {
			run, err = orchestrator.SyncAccount(ctx, req.AccountId, opts)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID, "status": run.Status})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountId := strings.TrimSpace(c.Query("account_id"))
		if err := authorizeAccount(c, accountId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		query := db.Where("account_id = ?", accountId)
		if v := strings.TrimSpace(c.Query("storefront_id")); v != "" {
			if id, err := strconv.Atoi(v); err == nil {
				query = query.Where("storefront_id = ?", id)
			}
		}

		var runs []models.SyncRun
		if err := query.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.SyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := authorizeAccount(c, run.AccountId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var errs []models.SyncRunError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		}
		if len(run.BreakdownJSON) > 0 {
			_ = json.Unmarshal(run.BreakdownJSON, &resp.Breakdown)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// JobListHandler exposes the scheduler's registered jobs and their last runs.
func JobListHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": sched.Jobs()})
	}
}

func JobHistoryHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		history := sched.History(name)
		if history == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	}
}

func PauseJobHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sched.Pause(c.Param("name")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ResumeJobHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sched.Resume(c.Param("name")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerJobHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		force := c.Query("force") == "true"
		scope := scheduler.Scope{AccountId: strings.TrimSpace(c.Query("account_id"))}
		if err := sched.Trigger(c.Param("name"), scope, force); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"triggered": true})
	}
}

type UpsertScheduledJobRequest struct {
	Name        string `json:"name" binding:"required"`
	TriggerSpec string `json:"trigger_spec" binding:"required,triggerspec"`
	AccountId   string `json:"account_id"`
	Paused      bool   `json:"paused"`
}

// UpsertScheduledJobHandler creates or updates a persisted job row. The
// scheduler picks the change up on its next reload pass.
func UpsertScheduledJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpsertScheduledJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var row models.ScheduledJob
		err := db.Where("name = ?", req.Name).Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.ScheduledJob{
				Name:        req.Name,
				TriggerSpec: req.TriggerSpec,
				AccountId:   req.AccountId,
				Paused:      req.Paused,
			}
			if err := db.Create(&row).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(&row).Updates(map[string]interface{}{
				"trigger_spec": req.TriggerSpec,
				"account_id":   req.AccountId,
				"paused":       req.Paused,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"id": row.ID})
	}
}

// authorizeAccount checks the request's account claim against the target
// account. Internal callers without a claim pass through.
func authorizeAccount(c *gin.Context, accountId string) error {
	if strings.TrimSpace(accountId) == "" {
		return errors.New("account_id is required")
	}
	claim, ok := utils.GetAccountIdFromContext(c.Request.Context())
	if !ok || claim == "" {
		return nil
	}
	if claim != accountId {
		return errors.New("unauthorized")
	}
	return nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:             run.ID,
		AccountId:      run.AccountId,
		StorefrontId:   run.StorefrontId,
		Type:           run.Type,
		Status:         run.Status,
		TriggeredBy:    run.TriggeredBy,
		Message:        run.Message,
		RecordCount:    run.RecordCount,
		StoreSucceeded: run.StoreSucceeded,
		StoreFailed:    run.StoreFailed,
		StoreSkipped:   run.StoreSkipped,
		StartedAt:      formatTime(run.StartedAt),
		FinishedAt:     formatTime(run.FinishedAt),
		DurationMs:     run.DurationMs,
	}
}

func mapErrors(errorsList []models.SyncRunError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:           errItem.ID,
			StorefrontId: errItem.StorefrontId,
			Source:       errItem.Source,
			ProductId:    errItem.ProductId,
			ErrorCode:    errItem.ErrorCode,
			Message:      errItem.Message,
			Retryable:    errItem.Retryable,
		})
	}
	return out
}
