package marketsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/seller_sync_backend/models"
)

// memRecordStore is an in-memory RecordStore. Batch failures can be injected
// per batch index to exercise partial-commit behavior.
type memRecordStore struct {
	rows       map[RecordKey]*models.UnifiedDailyRecord
	batchCount int
	failBatch  map[int]bool
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{rows: map[RecordKey]*models.UnifiedDailyRecord{}}
}

func keyOf(rec *models.UnifiedDailyRecord) RecordKey {
	return RecordKey{
		AccountId:    rec.AccountId,
		StorefrontId: rec.StorefrontId,
		ProductId:    rec.ProductId,
		Date:         DateOnly(rec.RecordDate),
	}
}

func (s *memRecordStore) GetByKey(_ context.Context, key RecordKey) (*models.UnifiedDailyRecord, error) {
	rec, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) Insert(_ context.Context, rec *models.UnifiedDailyRecord) error {
	cp := *rec
	s.rows[keyOf(rec)] = &cp
	return nil
}

func (s *memRecordStore) Update(_ context.Context, rec *models.UnifiedDailyRecord) error {
	cp := *rec
	s.rows[keyOf(rec)] = &cp
	return nil
}

func (s *memRecordStore) Batch(ctx context.Context, fn func(RecordStore) error) error {
	idx := s.batchCount
	s.batchCount++
	if s.failBatch[idx] {
		return errors.New("injected batch failure")
	}
	return fn(s)
}

func newTestEngine(store RecordStore) *Engine {
	e := NewEngine(store, nil)
	e.now = func() time.Time { return day("2026-06-01") }
	return e
}

func salesRecord(product string, date time.Time, orders int, sales, fee string) RawRecord {
	return RawRecord{
		Source:       SourceSales,
		StorefrontId: 1,
		ProductId:    product,
		Date:         date,
		OrderCount:   orders,
		SalesAmount:  dec(sales),
		PlatformFee:  dec(fee),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMerge_SalesThenAdvertising_DerivedFieldsRecomputed(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	ctx := context.Background()
	d := day("2026-01-05")

	if _, err := e.Merge(ctx, "acct-1", []RawRecord{salesRecord("p1", d, 5, "100", "0")}); err != nil {
		t.Fatal(err)
	}
	summary, err := e.Merge(ctx, "acct-1", []RawRecord{{
		Source: SourceAdvertising, StorefrontId: 1, ProductId: "p1", Date: d, AdSpend: dec("10"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Updated != 1 {
		t.Fatalf("updated = %d, want 1", summary.Updated)
	}

	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if rec == nil {
		t.Fatal("record missing after merges")
	}
	if rec.OrderCount != 5 {
		t.Fatalf("order count = %d, want 5 preserved across sources", rec.OrderCount)
	}
	if !rec.Profit.Equal(dec("90")) {
		t.Fatalf("profit = %s, want 90", rec.Profit)
	}
	if !rec.ProfitRate.Equal(dec("0.9")) {
		t.Fatalf("profit rate = %s, want 0.9", rec.ProfitRate)
	}
}

func TestMerge_SameSourceTwice_LastWriterWins(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	ctx := context.Background()
	d := day("2026-01-05")

	if _, err := e.Merge(ctx, "acct-1", []RawRecord{salesRecord("p1", d, 3, "30", "1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Merge(ctx, "acct-1", []RawRecord{salesRecord("p1", d, 8, "80", "2")}); err != nil {
		t.Fatal(err)
	}

	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if rec.OrderCount != 8 || !rec.SalesAmount.Equal(dec("80")) {
		t.Fatalf("got orders=%d sales=%s, want the later write (8, 80)", rec.OrderCount, rec.SalesAmount)
	}
}

func TestMerge_IdenticalRecord_DoesNotBumpUpdatedAt(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	ctx := context.Background()
	d := day("2026-01-05")
	rec := salesRecord("p1", d, 5, "100", "3")

	if _, err := e.Merge(ctx, "acct-1", []RawRecord{rec}); err != nil {
		t.Fatal(err)
	}
	key := RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}
	firstUpdatedAt := store.rows[key].UpdatedAt

	e.now = func() time.Time { return day("2026-06-02") }
	summary, err := e.Merge(ctx, "acct-1", []RawRecord{rec})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Unchanged != 1 || summary.Updated != 0 {
		t.Fatalf("summary = %+v, want one unchanged record", summary)
	}
	if !store.rows[key].UpdatedAt.Equal(firstUpdatedAt) {
		t.Fatal("updated_at moved for an identical record")
	}
}

func TestMerge_InventoryUsesOrderCountForProductCost(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	ctx := context.Background()
	d := day("2026-01-05")

	if _, err := e.Merge(ctx, "acct-1", []RawRecord{salesRecord("p1", d, 4, "200", "0")}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Merge(ctx, "acct-1", []RawRecord{{
		Source: SourceInventory, StorefrontId: 1, ProductId: "p1", Date: d,
		UnitCost: dec("2.5"), StockQuantity: 70,
	}}); err != nil {
		t.Fatal(err)
	}

	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if !rec.ProductCost.Equal(dec("10")) {
		t.Fatalf("product cost = %s, want unit cost 2.5 x 4 orders = 10", rec.ProductCost)
	}
	if rec.StockQuantity != 70 {
		t.Fatalf("stock = %d, want 70", rec.StockQuantity)
	}
}

func TestMerge_MalformedRecords_SkippedAndCounted(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)

	summary, err := e.Merge(context.Background(), "acct-1", []RawRecord{
		{Source: SourceSales, StorefrontId: 1, ProductId: "", Date: day("2026-01-05")},
		{Source: SourceSales, StorefrontId: 1, ProductId: "p1", Date: time.Time{}},
		salesRecord("p2", day("2026-01-05"), 1, "10", "0"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Skipped != 2 {
		t.Fatalf("skipped = %d, want 2", summary.Skipped)
	}
	if summary.Created != 1 {
		t.Fatalf("created = %d, want the valid record merged", summary.Created)
	}
}

func TestMerge_NegativeAmount_FlaggedButMerged(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	d := day("2026-01-05")

	if _, err := e.Merge(context.Background(), "acct-1", []RawRecord{salesRecord("p1", d, 1, "-5", "0")}); err != nil {
		t.Fatal(err)
	}
	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if rec == nil {
		t.Fatal("flagged record must still be merged")
	}
	if !rec.IsException {
		t.Fatal("negative sales amount should set the exception flag")
	}
}

func TestMerge_ImplausiblyLargeAmount_Flagged(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	d := day("2026-01-05")

	if _, err := e.Merge(context.Background(), "acct-1", []RawRecord{salesRecord("p1", d, 1, "10000001", "0")}); err != nil {
		t.Fatal(err)
	}
	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if !rec.IsException {
		t.Fatal("amount above threshold should set the exception flag")
	}
}

func TestMerge_FailedBatch_DoesNotAbortLaterBatches(t *testing.T) {
	store := newMemRecordStore()
	store.failBatch = map[int]bool{0: true}
	e := newTestEngine(store)
	e.batchSize = 1

	summary, err := e.Merge(context.Background(), "acct-1", []RawRecord{
		salesRecord("p1", day("2026-01-05"), 1, "10", "0"),
		salesRecord("p2", day("2026-01-05"), 2, "20", "0"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.FailedBatches != 1 {
		t.Fatalf("failed batches = %d, want 1", summary.FailedBatches)
	}
	if summary.Created != 1 {
		t.Fatalf("created = %d, want the second batch committed", summary.Created)
	}
}

func TestMerge_ZeroSales_ProfitRateZero(t *testing.T) {
	store := newMemRecordStore()
	e := newTestEngine(store)
	d := day("2026-01-05")

	if _, err := e.Merge(context.Background(), "acct-1", []RawRecord{{
		Source: SourceAdvertising, StorefrontId: 1, ProductId: "p1", Date: d, AdSpend: dec("10"),
	}}); err != nil {
		t.Fatal(err)
	}
	rec := store.rows[RecordKey{AccountId: "acct-1", StorefrontId: 1, ProductId: "p1", Date: d}]
	if !rec.ProfitRate.IsZero() {
		t.Fatalf("profit rate = %s, want 0 when sales are 0", rec.ProfitRate)
	}
	if !rec.Profit.Equal(dec("-10")) {
		t.Fatalf("profit = %s, want -10", rec.Profit)
	}
}
