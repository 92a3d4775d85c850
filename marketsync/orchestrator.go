package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

// SourceFetcher is what the orchestrator needs from a fetcher.
type SourceFetcher interface {
	Source() Source
	Fetch(ctx context.Context, st models.Storefront, start, end time.Time) ([]RawRecord, error)
}

// Merger is what the orchestrator needs from the reconciliation engine.
type Merger interface {
	Merge(ctx context.Context, accountId string, records []RawRecord) (MergeSummary, error)
}

// RunStore persists run audit rows and serves the history reads the fallback
// estimator needs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	SaveRun(ctx context.Context, run *models.SyncRun) error
	RecordRunError(ctx context.Context, runErr *models.SyncRunError) error
	LatestRecords(ctx context.Context, accountId string, storefrontId uint, since time.Time) ([]models.UnifiedDailyRecord, error)
}

const (
	StoreStatusOK      = "ok"
	StoreStatusFailed  = "failed"
	StoreStatusSkipped = "skipped"
)

// StoreResult is one storefront's outcome inside a run. Failures are values
// collected into the run breakdown, never propagated as panics or aborts.
type StoreResult struct {
	StorefrontId uint   `json:"storefront_id"`
	Status       string `json:"status"`
	Records      int    `json:"records"`
	Estimated    bool   `json:"estimated"`
	Message      string `json:"message,omitempty"`

	err error
}

// RunOptions tune one orchestrator invocation.
type RunOptions struct {
	Start       time.Time
	End         time.Time
	TriggeredBy string
}

// Orchestrator drives fetch+merge across a scope (one storefront or all
// active storefronts of an account), isolating per-storefront failures and
// always finalizing exactly one SyncRun.
type Orchestrator struct {
	creds    CredentialResolver
	fetchers []SourceFetcher
	engine   Merger
	runs     RunStore
	logger   *logrus.Logger

	storeBatchSize int
	batchPause     time.Duration
	lookbackDays   int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewOrchestrator(creds CredentialResolver, fetchers []SourceFetcher, engine Merger, runs RunStore, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		creds:          creds,
		fetchers:       fetchers,
		engine:         engine,
		runs:           runs,
		logger:         logger,
		storeBatchSize: config.IntFromEnv("SYNC_STORE_BATCH_SIZE", 5),
		batchPause:     config.DurationFromEnv("SYNC_STORE_BATCH_PAUSE", 3*time.Second),
		lookbackDays:   config.IntFromEnv("SYNC_ESTIMATE_LOOKBACK_DAYS", 14),
		sleep:          sleepCtx,
		now:            time.Now,
	}
}

// SyncAccount runs the pipeline for every active storefront of the account.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountId string, opts RunOptions) (*models.SyncRun, error) {
	return o.run(ctx, accountId, nil, opts)
}

// SyncStorefront runs the pipeline for a single storefront.
func (o *Orchestrator) SyncStorefront(ctx context.Context, accountId string, storefrontId uint, opts RunOptions) (*models.SyncRun, error) {
	return o.run(ctx, accountId, &storefrontId, opts)
}

func (o *Orchestrator) run(ctx context.Context, accountId string, storefrontId *uint, opts RunOptions) (*models.SyncRun, error) {
	start, end := o.dateRange(opts)

	runType := models.SyncRunTypeAccount
	if storefrontId != nil {
		runType = models.SyncRunTypeStorefront
	}
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		if v, ok := utils.GetTriggeredByFromContext(ctx); ok && v != "" {
			triggeredBy = v
		} else {
			triggeredBy = models.SyncTriggeredManual
		}
	}

	startedAt := o.now()
	run := &models.SyncRun{
		AccountId:    accountId,
		StorefrontId: storefrontId,
		Type:         runType,
		Status:       models.SyncRunStatusRunning,
		TriggeredBy:  triggeredBy,
		StartedAt:    &startedAt,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		// Without an audit row there is nothing to finalize; this is the one
		// failure that surfaces directly.
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	var (
		results []StoreResult
		loopErr error
	)

	// Finalization is unconditional: the run reaches a terminal status even
	// when the storefront loop blows up.
	defer func() {
		if r := recover(); r != nil {
			loopErr = fmt.Errorf("unexpected failure in sync loop: %v", r)
		}
		o.finalize(ctx, run, results, loopErr, startedAt)
	}()

	stores, skipped, err := o.resolveStores(ctx, accountId, storefrontId)
	if err != nil {
		loopErr = err
		return run, nil
	}
	for _, st := range skipped {
		results = append(results, StoreResult{
			StorefrontId: st.ID,
			Status:       StoreStatusSkipped,
			Message:      "inactive or missing credentials",
		})
	}

	for batchStart := 0; batchStart < len(stores); batchStart += o.storeBatchSize {
		if batchStart > 0 && o.batchPause > 0 {
			if err := o.sleep(ctx, o.batchPause); err != nil {
				loopErr = err
				break
			}
		}
		batchEnd := batchStart + o.storeBatchSize
		if batchEnd > len(stores) {
			batchEnd = len(stores)
		}
		for _, st := range stores[batchStart:batchEnd] {
			results = append(results, o.syncStore(ctx, run, st, start, end))
		}
	}

	return run, nil
}

func (o *Orchestrator) dateRange(opts RunOptions) (time.Time, time.Time) {
	end := opts.End
	if end.IsZero() {
		end = o.now()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -config.IntFromEnv("SYNC_DEFAULT_LOOKBACK_DAYS", 7))
	}
	return DateOnly(start), DateOnly(end)
}

// resolveStores returns the storefronts to process plus the ones skipped for
// being inactive or credential-less. Skips are counted, not errors.
func (o *Orchestrator) resolveStores(ctx context.Context, accountId string, storefrontId *uint) ([]models.Storefront, []models.Storefront, error) {
	if storefrontId != nil {
		st, err := o.creds.StorefrontByAccountAndID(ctx, accountId, *storefrontId)
		if err != nil {
			return nil, nil, err
		}
		if st == nil {
			return nil, nil, fmt.Errorf("storefront %d not found for account %s", *storefrontId, accountId)
		}
		if !st.Active || st.AuthSecretRef == "" {
			return nil, []models.Storefront{*st}, nil
		}
		return []models.Storefront{*st}, nil, nil
	}

	all, err := o.creds.ActiveStorefronts(ctx, accountId)
	if err != nil {
		return nil, nil, err
	}
	var usable, skipped []models.Storefront
	for _, st := range all {
		if !st.Active || st.AuthSecretRef == "" {
			skipped = append(skipped, st)
			continue
		}
		usable = append(usable, st)
	}
	return usable, skipped, nil
}

// syncStore runs the three source pipelines for one storefront. Whatever goes
// wrong is captured into the returned result; siblings keep running.
func (o *Orchestrator) syncStore(ctx context.Context, run *models.SyncRun, st models.Storefront, start, end time.Time) (res StoreResult) {
	res = StoreResult{StorefrontId: st.ID, Status: StoreStatusOK}

	defer func() {
		if r := recover(); r != nil {
			res.Status = StoreStatusFailed
			res.Message = fmt.Sprintf("unexpected failure: %v", r)
			o.recordRunError(ctx, run, st.ID, "", "", "unexpected_failure", res.Message, false)
		}
	}()

	var srcErrs []error
	for _, fetcher := range o.fetchers {
		source := fetcher.Source()
		records, err := fetcher.Fetch(ctx, st, start, end)
		if err != nil {
			o.recordRunError(ctx, run, st.ID, source, "", "fetch_failed", err.Error(), isRetryableFetch(err))
		}
		if err != nil || len(records) == 0 {
			fallback := o.estimateRecords(ctx, run.AccountId, st, source, end)
			if len(fallback) > 0 {
				records = fallback
				res.Estimated = true
			} else if err != nil {
				srcErrs = append(srcErrs, err)
				continue
			} else {
				continue
			}
		}

		summary, mergeErr := o.engine.Merge(ctx, run.AccountId, records)
		if mergeErr != nil {
			srcErrs = append(srcErrs, mergeErr)
			o.recordRunError(ctx, run, st.ID, source, "", "merge_failed", mergeErr.Error(), true)
			continue
		}
		res.Records += summary.Merged
		if summary.Skipped > 0 {
			o.recordRunError(ctx, run, st.ID, source, "", "malformed_records",
				fmt.Sprintf("%d malformed records skipped", summary.Skipped), false)
		}
		if summary.FailedBatches > 0 {
			srcErrs = append(srcErrs, fmt.Errorf("%d %s batches failed to commit", summary.FailedBatches, source))
		}
	}

	if len(srcErrs) > 0 {
		res.Status = StoreStatusFailed
		res.err = errors.Join(srcErrs...)
		res.Message = res.err.Error()
	}
	return res
}

// estimateRecords derives estimated records from the most recent prior
// unified rows when a live fetch produced nothing. Only inventory can be
// extrapolated (latest stock minus recent sales velocity); for sales and
// advertising the contribution simply stays empty.
func (o *Orchestrator) estimateRecords(ctx context.Context, accountId string, st models.Storefront, source Source, asOf time.Time) []RawRecord {
	if source != SourceInventory {
		return nil
	}
	since := asOf.AddDate(0, 0, -o.lookbackDays)
	history, err := o.runs.LatestRecords(ctx, accountId, st.ID, since)
	if err != nil || len(history) == 0 {
		return nil
	}

	type productHistory struct {
		latest      models.UnifiedDailyRecord
		totalOrders int
		days        int
	}
	byProduct := map[string]*productHistory{}
	for _, rec := range history {
		ph := byProduct[rec.ProductId]
		if ph == nil {
			ph = &productHistory{latest: rec}
			byProduct[rec.ProductId] = ph
		}
		if rec.RecordDate.After(ph.latest.RecordDate) {
			ph.latest = rec
		}
		ph.totalOrders += rec.OrderCount
		ph.days++
	}

	var estimates []RawRecord
	for productId, ph := range byProduct {
		daysSince := int(asOf.Sub(DateOnly(ph.latest.RecordDate)).Hours() / 24)
		if daysSince < 0 {
			daysSince = 0
		}
		velocity := 0
		if ph.days > 0 {
			velocity = ph.totalOrders / ph.days
		}
		stock := ph.latest.StockQuantity - velocity*daysSince
		if stock < 0 {
			stock = 0
		}
		unitCost := decimal.Zero
		if ph.latest.OrderCount > 0 {
			unitCost = ph.latest.ProductCost.DivRound(decimal.NewFromInt(int64(ph.latest.OrderCount)), 4)
		}
		estimates = append(estimates, RawRecord{
			Source:        SourceInventory,
			StorefrontId:  st.ID,
			ProductId:     productId,
			Date:          DateOnly(asOf),
			UnitCost:      unitCost,
			StockQuantity: stock,
			Estimated:     true,
		})
	}
	return estimates
}

// finalize writes the terminal state of the run. It must succeed even when
// the surrounding context is cancelled, so it detaches from ctx.
func (o *Orchestrator) finalize(ctx context.Context, run *models.SyncRun, results []StoreResult, loopErr error, startedAt time.Time) {
	if run.Status != models.SyncRunStatusRunning {
		return // already finalized
	}

	var ok, failed, skipped, total int
	for _, r := range results {
		switch r.Status {
		case StoreStatusOK:
			ok++
		case StoreStatusFailed:
			failed++
		case StoreStatusSkipped:
			skipped++
		}
		total += r.Records
	}

	switch {
	case ok > 0 && failed == 0 && skipped == 0 && loopErr == nil:
		run.Status = models.SyncRunStatusSuccess
	case ok > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusFailed
	}

	message := fmt.Sprintf("%d storefronts: %d ok, %d failed, %d skipped", len(results), ok, failed, skipped)
	if loopErr != nil {
		message += "; " + loopErr.Error()
	}

	finishedAt := o.now()
	run.Message = message
	run.RecordCount = total
	run.StoreSucceeded = ok
	run.StoreFailed = failed
	run.StoreSkipped = skipped
	run.FinishedAt = &finishedAt
	run.DurationMs = finishedAt.Sub(startedAt).Milliseconds()
	if breakdown, err := json.Marshal(results); err == nil {
		run.BreakdownJSON = breakdown
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := o.runs.SaveRun(saveCtx, run); err != nil && o.logger != nil {
		config.LogError(o.logger, "marketsync", "finalize", "failed to persist sync run", map[string]any{
			"run_id":     run.ID,
			"account_id": run.AccountId,
			"status":     run.Status,
		}, err)
	}
}

func (o *Orchestrator) recordRunError(ctx context.Context, run *models.SyncRun, storefrontId uint, source Source, productId, code, message string, retryable bool) {
	err := o.runs.RecordRunError(context.WithoutCancel(ctx), &models.SyncRunError{
		SyncRunId:    run.ID,
		AccountId:    run.AccountId,
		StorefrontId: storefrontId,
		Source:       string(source),
		ProductId:    productId,
		ErrorCode:    code,
		Message:      message,
		Retryable:    retryable,
	})
	if err != nil && o.logger != nil {
		config.LogError(o.logger, "marketsync", "recordRunError", "failed to persist run error", nil, err)
	}
}

func isRetryableFetch(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// gormRunStore is the production RunStore.
type gormRunStore struct {
	db *gorm.DB
}

func NewRunStore(db *gorm.DB) RunStore {
	return &gormRunStore{db: db}
}

func (s *gormRunStore) CreateRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *gormRunStore) SaveRun(ctx context.Context, run *models.SyncRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}

func (s *gormRunStore) RecordRunError(ctx context.Context, runErr *models.SyncRunError) error {
	return s.db.WithContext(ctx).Create(runErr).Error
}

func (s *gormRunStore) LatestRecords(ctx context.Context, accountId string, storefrontId uint, since time.Time) ([]models.UnifiedDailyRecord, error) {
	var records []models.UnifiedDailyRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND storefront_id = ? AND record_date >= ?", accountId, storefrontId, since).
		Order("record_date DESC").
		Find(&records).Error
	return records, err
}
