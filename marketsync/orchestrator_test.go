package marketsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/seller_sync_backend/models"
)

type fakeRunStore struct {
	created      []*models.SyncRun
	saved        []*models.SyncRun
	runErrors    []*models.SyncRunError
	createErr    error
	history      []models.UnifiedDailyRecord
	historyCalls int
}

func (s *fakeRunStore) CreateRun(_ context.Context, run *models.SyncRun) error {
	if s.createErr != nil {
		return s.createErr
	}
	run.ID = uint(len(s.created) + 1)
	s.created = append(s.created, run)
	return nil
}

func (s *fakeRunStore) SaveRun(_ context.Context, run *models.SyncRun) error {
	s.saved = append(s.saved, run)
	return nil
}

func (s *fakeRunStore) RecordRunError(_ context.Context, runErr *models.SyncRunError) error {
	s.runErrors = append(s.runErrors, runErr)
	return nil
}

func (s *fakeRunStore) LatestRecords(_ context.Context, _ string, _ uint, _ time.Time) ([]models.UnifiedDailyRecord, error) {
	s.historyCalls++
	return s.history, nil
}

type fakeStoreResolver struct {
	fakeCreds
	stores []models.Storefront
	panics bool
}

func (r *fakeStoreResolver) ActiveStorefronts(_ context.Context, _ string) ([]models.Storefront, error) {
	if r.panics {
		panic("resolver blew up")
	}
	return r.stores, nil
}

func (r *fakeStoreResolver) StorefrontByAccountAndID(_ context.Context, _ string, id uint) (*models.Storefront, error) {
	for i := range r.stores {
		if r.stores[i].ID == id {
			return &r.stores[i], nil
		}
	}
	return nil, nil
}

// fakeSourceFetcher fails for the storefront ids in failFor; otherwise it
// returns one record per fetch.
type fakeSourceFetcher struct {
	source  Source
	failFor map[uint]bool
	empty   bool
}

func (f *fakeSourceFetcher) Source() Source { return f.source }

func (f *fakeSourceFetcher) Fetch(_ context.Context, st models.Storefront, _, end time.Time) ([]RawRecord, error) {
	if f.failFor[st.ID] {
		return nil, &FetchError{Source: f.source, StorefrontId: st.ID, Attempts: 3, Err: errors.New("boom")}
	}
	if f.empty {
		return nil, nil
	}
	return []RawRecord{{
		Source: f.source, StorefrontId: st.ID, ProductId: "p1", Date: DateOnly(end), OrderCount: 1,
	}}, nil
}

type fakeMerger struct {
	merged  []RawRecord
	wantErr error
}

func (m *fakeMerger) Merge(_ context.Context, _ string, records []RawRecord) (MergeSummary, error) {
	if m.wantErr != nil {
		return MergeSummary{}, m.wantErr
	}
	m.merged = append(m.merged, records...)
	return MergeSummary{Merged: len(records)}, nil
}

func activeStore(id uint) models.Storefront {
	return models.Storefront{ID: id, AccountId: "acct-1", Marketplace: "amazon", Region: "us", SellerId: "s", AuthSecretRef: "ref", Active: true}
}

func newTestOrchestrator(creds CredentialResolver, fetchers []SourceFetcher, merger Merger, runs RunStore) *Orchestrator {
	o := NewOrchestrator(creds, fetchers, merger, runs, nil)
	o.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	o.now = func() time.Time { return day("2026-06-01") }
	return o
}

func TestSyncAccount_AllStoresHealthy_Success(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1), activeStore(2)}}
	runs := &fakeRunStore{}
	merger := &fakeMerger{}
	o := newTestOrchestrator(creds, []SourceFetcher{&fakeSourceFetcher{source: SourceSales}}, merger, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("status = %s, want success", run.Status)
	}
	if run.StoreSucceeded != 2 || run.StoreFailed != 0 {
		t.Fatalf("breakdown = %d ok / %d failed, want 2/0", run.StoreSucceeded, run.StoreFailed)
	}
	if len(runs.saved) == 0 {
		t.Fatal("run was never finalized")
	}
}

func TestSyncAccount_OneStoreFails_SiblingsStillSyncAndStatusIsPartial(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1), activeStore(2), activeStore(3)}}
	runs := &fakeRunStore{}
	merger := &fakeMerger{}
	fetcher := &fakeSourceFetcher{source: SourceSales, failFor: map[uint]bool{2: true}}
	o := newTestOrchestrator(creds, []SourceFetcher{fetcher}, merger, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("status = %s, want partial", run.Status)
	}
	if run.StoreSucceeded != 2 || run.StoreFailed != 1 {
		t.Fatalf("breakdown = %d ok / %d failed, want 2/1", run.StoreSucceeded, run.StoreFailed)
	}
	// Stores 1 and 3 still contributed records.
	if len(merger.merged) != 2 {
		t.Fatalf("merged records = %d, want 2 from healthy stores", len(merger.merged))
	}
	if len(runs.runErrors) == 0 {
		t.Fatal("failed fetch should leave a run error row")
	}
}

func TestSyncAccount_AllStoresFail_StatusFailed(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1)}}
	runs := &fakeRunStore{}
	fetcher := &fakeSourceFetcher{source: SourceSales, failFor: map[uint]bool{1: true}}
	o := newTestOrchestrator(creds, []SourceFetcher{fetcher}, &fakeMerger{}, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
}

func TestSyncAccount_InactiveStores_CountedAsSkipped(t *testing.T) {
	inactive := activeStore(2)
	inactive.Active = false
	noCreds := activeStore(3)
	noCreds.AuthSecretRef = ""
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1), inactive, noCreds}}
	runs := &fakeRunStore{}
	o := newTestOrchestrator(creds, []SourceFetcher{&fakeSourceFetcher{source: SourceSales}}, &fakeMerger{}, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.StoreSkipped != 2 {
		t.Fatalf("skipped = %d, want 2", run.StoreSkipped)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("status = %s, want partial when some stores were skipped", run.Status)
	}
}

func TestSyncAccount_InventoryFetchFails_FallsBackToEstimate(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1)}}
	runs := &fakeRunStore{history: []models.UnifiedDailyRecord{{
		AccountId: "acct-1", StorefrontId: 1, ProductId: "p1",
		RecordDate: day("2026-05-29"), OrderCount: 2, StockQuantity: 50,
		ProductCost: dec("10"),
	}}}
	merger := &fakeMerger{}
	fetcher := &fakeSourceFetcher{source: SourceInventory, failFor: map[uint]bool{1: true}}
	o := newTestOrchestrator(creds, []SourceFetcher{fetcher}, merger, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("status = %s, want success via fallback", run.Status)
	}
	if len(merger.merged) != 1 {
		t.Fatalf("merged = %d, want 1 estimated record", len(merger.merged))
	}
	est := merger.merged[0]
	if !est.Estimated {
		t.Fatal("fallback record must be marked estimated")
	}
	// 50 on hand, velocity 2/day, 3 days since the last record.
	if est.StockQuantity != 44 {
		t.Fatalf("estimated stock = %d, want 44", est.StockQuantity)
	}
	if !est.UnitCost.Equal(dec("5")) {
		t.Fatalf("estimated unit cost = %s, want product cost 10 / 2 orders = 5", est.UnitCost)
	}
}

func TestSyncAccount_SalesFetchFails_NoFallbackInvented(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1)}}
	runs := &fakeRunStore{history: []models.UnifiedDailyRecord{{
		AccountId: "acct-1", StorefrontId: 1, ProductId: "p1",
		RecordDate: day("2026-05-29"), OrderCount: 2,
	}}}
	merger := &fakeMerger{}
	fetcher := &fakeSourceFetcher{source: SourceSales, failFor: map[uint]bool{1: true}}
	o := newTestOrchestrator(creds, []SourceFetcher{fetcher}, merger, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s, want failed (sales has no estimation)", run.Status)
	}
	if len(merger.merged) != 0 {
		t.Fatal("no sales records should be invented from history")
	}
}

func TestSyncAccount_ResolverPanics_RunStillFinalized(t *testing.T) {
	creds := &fakeStoreResolver{panics: true}
	runs := &fakeRunStore{}
	o := newTestOrchestrator(creds, []SourceFetcher{&fakeSourceFetcher{source: SourceSales}}, &fakeMerger{}, runs)

	run, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.FinishedAt == nil {
		t.Fatal("panicking run must still get a finish time")
	}
	if len(runs.saved) == 0 {
		t.Fatal("panicking run must still be persisted")
	}
}

func TestSyncAccount_CreateRunFails_ErrorSurfaces(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1)}}
	runs := &fakeRunStore{createErr: errors.New("db down")}
	o := newTestOrchestrator(creds, []SourceFetcher{&fakeSourceFetcher{source: SourceSales}}, &fakeMerger{}, runs)

	if _, err := o.SyncAccount(context.Background(), "acct-1", RunOptions{}); err == nil {
		t.Fatal("want error when the audit row cannot be created")
	}
}

func TestSyncStorefront_UnknownStorefront_Fails(t *testing.T) {
	creds := &fakeStoreResolver{stores: []models.Storefront{activeStore(1)}}
	runs := &fakeRunStore{}
	o := newTestOrchestrator(creds, []SourceFetcher{&fakeSourceFetcher{source: SourceSales}}, &fakeMerger{}, runs)

	run, err := o.SyncStorefront(context.Background(), "acct-1", 99, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("status = %s, want failed for unknown storefront", run.Status)
	}
}
