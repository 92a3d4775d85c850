package marketsync

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
)

// RecordKey is the natural key of a UnifiedDailyRecord.
type RecordKey struct {
	AccountId    string
	StorefrontId uint
	ProductId    string
	Date         time.Time
}

func (k RecordKey) valid() bool {
	return k.AccountId != "" && k.StorefrontId != 0 && k.ProductId != "" && !k.Date.IsZero()
}

// RecordStore persists unified records. Batch runs fn inside one transaction;
// a failed batch rolls back only itself.
type RecordStore interface {
	GetByKey(ctx context.Context, key RecordKey) (*models.UnifiedDailyRecord, error)
	Insert(ctx context.Context, rec *models.UnifiedDailyRecord) error
	Update(ctx context.Context, rec *models.UnifiedDailyRecord) error
	Batch(ctx context.Context, fn func(RecordStore) error) error
}

// MergeSummary is what one Merge call did.
type MergeSummary struct {
	Merged        int // created + updated + unchanged
	Created       int
	Updated       int
	Unchanged     int
	Skipped       int // malformed records, counted and dropped
	FailedBatches int
}

// Engine merges raw records into unified rows, batch by batch. Batches commit
// independently: a later batch's failure never rolls back earlier ones.
type Engine struct {
	store  RecordStore
	logger *logrus.Logger

	batchSize          int
	exceptionThreshold decimal.Decimal

	now func() time.Time
}

func NewEngine(store RecordStore, logger *logrus.Logger) *Engine {
	return &Engine{
		store:              store,
		logger:             logger,
		batchSize:          config.IntFromEnv("MERGE_BATCH_SIZE", 100),
		exceptionThreshold: decimal.NewFromInt(int64(config.IntFromEnv("MERGE_EXCEPTION_THRESHOLD", 10_000_000))),
		now:                time.Now,
	}
}

// Merge upserts records for one account. Malformed records are skipped and
// counted; a failed batch is counted and the remaining batches still run.
func (e *Engine) Merge(ctx context.Context, accountId string, records []RawRecord) (MergeSummary, error) {
	var summary MergeSummary
	for start := 0; start < len(records); start += e.batchSize {
		end := start + e.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		var bs MergeSummary
		err := e.store.Batch(ctx, func(tx RecordStore) error {
			var err error
			bs, err = e.mergeBatch(ctx, tx, accountId, batch)
			return err
		})
		if err != nil {
			summary.FailedBatches++
			if e.logger != nil {
				config.LogError(e.logger, "marketsync", "Merge", "batch commit failed", map[string]any{
					"account_id": accountId,
					"batch":      start / e.batchSize,
					"size":       len(batch),
				}, err)
			}
			continue
		}
		summary.Merged += bs.Merged
		summary.Created += bs.Created
		summary.Updated += bs.Updated
		summary.Unchanged += bs.Unchanged
		summary.Skipped += bs.Skipped
	}
	return summary, nil
}

func (e *Engine) mergeBatch(ctx context.Context, tx RecordStore, accountId string, batch []RawRecord) (MergeSummary, error) {
	var bs MergeSummary
	for _, raw := range batch {
		key := RecordKey{
			AccountId:    accountId,
			StorefrontId: raw.StorefrontId,
			ProductId:    raw.ProductId,
			Date:         DateOnly(raw.Date),
		}
		if !key.valid() {
			bs.Skipped++
			continue
		}

		existing, err := tx.GetByKey(ctx, key)
		if err != nil {
			return bs, err
		}

		if existing == nil {
			rec := &models.UnifiedDailyRecord{
				AccountId:    key.AccountId,
				StorefrontId: key.StorefrontId,
				ProductId:    key.ProductId,
				RecordDate:   key.Date,
			}
			applyRecord(rec, raw)
			recomputeDerived(rec)
			rec.IsException = detectException(rec, e.exceptionThreshold)
			rec.UpdatedAt = e.now()
			if err := tx.Insert(ctx, rec); err != nil {
				if !isDuplicateKeyErr(err) {
					return bs, err
				}
				// Lost a create race; fall through to the update path.
				existing, err = tx.GetByKey(ctx, key)
				if err != nil {
					return bs, err
				}
				if existing == nil {
					return bs, errors.New("duplicate key on insert but row not found on re-read")
				}
			} else {
				bs.Merged++
				bs.Created++
				continue
			}
		}

		changed := applyRecord(existing, raw)
		bs.Merged++
		if !changed {
			bs.Unchanged++
			continue
		}
		recomputeDerived(existing)
		existing.IsException = detectException(existing, e.exceptionThreshold)
		existing.UpdatedAt = e.now()
		if err := tx.Update(ctx, existing); err != nil {
			return bs, err
		}
		bs.Updated++
	}
	return bs, nil
}

// applyRecord copies the incoming record's source-owned fields onto rec,
// overwriting only on change. Each field has exactly one owning source;
// merges never accumulate. Reports whether anything changed.
func applyRecord(rec *models.UnifiedDailyRecord, raw RawRecord) bool {
	changed := false

	setInt := func(dst *int, v int) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	setDec := func(dst *decimal.Decimal, v decimal.Decimal) {
		if !dst.Equal(v) {
			*dst = v
			changed = true
		}
	}

	switch raw.Source {
	case SourceSales:
		setInt(&rec.OrderCount, raw.OrderCount)
		setDec(&rec.SalesAmount, raw.SalesAmount)
		setDec(&rec.PlatformFee, raw.PlatformFee)
		setDec(&rec.OtherFees, raw.OtherFees)
	case SourceAdvertising:
		setDec(&rec.AdSpend, raw.AdSpend)
	case SourceInventory:
		setInt(&rec.StockQuantity, raw.StockQuantity)
		setDec(&rec.ProductCost, raw.UnitCost.Mul(decimal.NewFromInt(int64(rec.OrderCount))))
	}

	if changed && rec.IsEstimated != raw.Estimated {
		// Live data supersedes an earlier estimate, and vice versa.
		rec.IsEstimated = raw.Estimated
	}
	return changed
}

// recomputeDerived refreshes profit and profit_rate from the stored inputs.
func recomputeDerived(rec *models.UnifiedDailyRecord) {
	rec.Profit = rec.SalesAmount.
		Sub(rec.PlatformFee).
		Sub(rec.AdSpend).
		Sub(rec.ProductCost).
		Sub(rec.OtherFees)
	if rec.SalesAmount.IsZero() {
		rec.ProfitRate = decimal.Zero
	} else {
		rec.ProfitRate = rec.Profit.DivRound(rec.SalesAmount, 6)
	}
}

// detectException flags negative or implausibly large money fields. Flagged
// rows are merged anyway.
func detectException(rec *models.UnifiedDailyRecord, threshold decimal.Decimal) bool {
	for _, v := range []decimal.Decimal{rec.SalesAmount, rec.PlatformFee, rec.AdSpend, rec.ProductCost, rec.OtherFees} {
		if v.IsNegative() || v.GreaterThan(threshold) {
			return true
		}
	}
	return false
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// gormRecordStore is the production RecordStore.
type gormRecordStore struct {
	db *gorm.DB
}

func NewRecordStore(db *gorm.DB) RecordStore {
	return &gormRecordStore{db: db}
}

func (s *gormRecordStore) GetByKey(ctx context.Context, key RecordKey) (*models.UnifiedDailyRecord, error) {
	var rec models.UnifiedDailyRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND storefront_id = ? AND product_id = ? AND record_date = ?",
			key.AccountId, key.StorefrontId, key.ProductId, key.Date).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *gormRecordStore) Insert(ctx context.Context, rec *models.UnifiedDailyRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *gormRecordStore) Update(ctx context.Context, rec *models.UnifiedDailyRecord) error {
	// Full-row save; updated_at is set by the engine only when a field changed.
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *gormRecordStore) Batch(ctx context.Context, fn func(RecordStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRecordStore{db: tx})
	})
}
