package marketsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/seller_sync_backend/models"
)

type fakeCreds struct {
	token      string
	tokenErr   error
	refreshes  int
	refreshErr error
}

func (c *fakeCreds) ValidAccessToken(_ context.Context, _ uint) (string, error) {
	if c.tokenErr != nil {
		return "", c.tokenErr
	}
	if c.token == "" {
		return "tok", nil
	}
	return c.token, nil
}

func (c *fakeCreds) RefreshToken(_ context.Context, _ models.Storefront) error {
	c.refreshes++
	return c.refreshErr
}

func (c *fakeCreds) ActiveStorefronts(_ context.Context, _ string) ([]models.Storefront, error) {
	return nil, nil
}

func (c *fakeCreds) StorefrontByAccountAndID(_ context.Context, _ string, _ uint) (*models.Storefront, error) {
	return nil, nil
}

// fakeReportAPI scripts RequestReport errors per call and serves completed
// reports with a canned body.
type fakeReportAPI struct {
	requestErrs  []error // consumed in order; nil means success
	requestCalls int
	body         []byte
}

func (a *fakeReportAPI) RequestReport(_ context.Context, _ string, _ models.Storefront, source Source, _, _ time.Time) (ReportHandle, error) {
	a.requestCalls++
	if len(a.requestErrs) > 0 {
		err := a.requestErrs[0]
		a.requestErrs = a.requestErrs[1:]
		if err != nil {
			return ReportHandle{}, err
		}
	}
	return ReportHandle{ID: fmt.Sprintf("r-%d", a.requestCalls), Source: source}, nil
}

func (a *fakeReportAPI) PollReport(_ context.Context, _ string, handle ReportHandle) (ReportStatus, error) {
	return ReportStatus{State: ReportStateCompleted, DownloadURL: "/dl/" + handle.ID}, nil
}

func (a *fakeReportAPI) DownloadReport(_ context.Context, _ string, _ string) ([]byte, error) {
	if a.body == nil {
		return []byte("[]"), nil
	}
	return a.body, nil
}

func newTestFetcher(source Source, api ReportAPI, creds CredentialResolver) (*Fetcher, *[]time.Duration) {
	var sleeps []time.Duration
	f := NewFetcher(source, api, creds, NewSlidingWindowLimiter(1000, time.Minute), nil)
	f.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	f.jitter = func() float64 { return 0 }
	return f, &sleeps
}

func testStorefront() models.Storefront {
	return models.Storefront{Marketplace: "amazon", Region: "us", SellerId: "s1", AuthSecretRef: "ref", Active: true}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFetch_TransientFailures_StopAfterAttemptCap(t *testing.T) {
	api := &fakeReportAPI{requestErrs: []error{
		&APIError{StatusCode: 500},
		&APIError{StatusCode: 503},
		&APIError{StatusCode: 500},
		&APIError{StatusCode: 500}, // must never be reached
	}}
	f, _ := newTestFetcher(SourceSales, api, &fakeCreds{})

	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fetchErr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", fetchErr.Attempts)
	}
	if api.requestCalls != 3 {
		t.Fatalf("api calls = %d, want exactly 3", api.requestCalls)
	}
}

func TestFetch_ExpiredToken_RefreshedOnceWithoutCountingAttempt(t *testing.T) {
	creds := &fakeCreds{}
	api := &fakeReportAPI{requestErrs: []error{&APIError{StatusCode: 401}}}
	f, _ := newTestFetcher(SourceSales, api, creds)

	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	if err != nil {
		t.Fatalf("fetch after refresh failed: %v", err)
	}
	if creds.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", creds.refreshes)
	}
	// The 401 call plus the retried call; no backoff attempts burned.
	if api.requestCalls != 2 {
		t.Fatalf("api calls = %d, want 2", api.requestCalls)
	}
}

func TestFetch_SecondExpiredToken_FailsWithoutSecondRefresh(t *testing.T) {
	creds := &fakeCreds{}
	api := &fakeReportAPI{requestErrs: []error{
		&APIError{StatusCode: 401},
		&APIError{StatusCode: 401},
	}}
	f, _ := newTestFetcher(SourceSales, api, creds)

	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("err = %v, want the second 401", err)
	}
	if creds.refreshes != 1 {
		t.Fatalf("refreshes = %d, want exactly 1", creds.refreshes)
	}
}

func TestFetch_RateLimited_WaitsServerAdvisedInterval(t *testing.T) {
	api := &fakeReportAPI{requestErrs: []error{
		&APIError{StatusCode: 429, RetryAfter: 7 * time.Second},
	}}
	f, sleeps := newTestFetcher(SourceSales, api, &fakeCreds{})

	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range *sleeps {
		if d == 7*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("sleeps %v do not include the Retry-After interval", *sleeps)
	}
}

func TestFetch_ClientError_FailsImmediately(t *testing.T) {
	api := &fakeReportAPI{requestErrs: []error{&APIError{StatusCode: 400}}}
	f, _ := newTestFetcher(SourceSales, api, &fakeCreds{})

	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Fatalf("err = %v, want the 400 passed through", err)
	}
	if api.requestCalls != 1 {
		t.Fatalf("api calls = %d, want 1 (no retries on 4xx)", api.requestCalls)
	}
}

func TestFetch_InvalidRange_Rejected(t *testing.T) {
	f, _ := newTestFetcher(SourceSales, &fakeReportAPI{}, &fakeCreds{})
	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-02-01"), day("2026-01-01"))
	if err == nil {
		t.Fatal("want error for start after end")
	}
}

func TestFetch_WideRange_SplitsIntoWindows(t *testing.T) {
	api := &fakeReportAPI{}
	f, _ := newTestFetcher(SourceSales, api, &fakeCreds{})
	f.maxWindowDays = 90

	// 100 days inclusive: one 90-day window plus a 10-day remainder.
	_, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-04-10"))
	if err != nil {
		t.Fatal(err)
	}
	if api.requestCalls != 2 {
		t.Fatalf("report requests = %d, want 2 windows", api.requestCalls)
	}
}

func TestSplitWindows_CoversRangeWithoutOverlap(t *testing.T) {
	windows := splitWindows(day("2026-01-01"), day("2026-04-10"), 90)
	if len(windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(windows))
	}
	if !windows[0].start.Equal(day("2026-01-01")) || !windows[0].end.Equal(day("2026-03-31")) {
		t.Fatalf("first window = %v..%v", windows[0].start, windows[0].end)
	}
	if !windows[1].start.Equal(day("2026-04-01")) || !windows[1].end.Equal(day("2026-04-10")) {
		t.Fatalf("second window = %v..%v", windows[1].start, windows[1].end)
	}
}

func TestFetch_DuplicateRows_LastOccurrenceWins(t *testing.T) {
	api := &fakeReportAPI{body: []byte(`[
		{"product_id":"p1","date":"2026-01-01","order_count":3,"sales_amount":"30"},
		{"product_id":"p1","date":"2026-01-01","order_count":5,"sales_amount":"50"}
	]`)}
	f, _ := newTestFetcher(SourceSales, api, &fakeCreds{})

	records, err := f.Fetch(context.Background(), testStorefront(), day("2026-01-01"), day("2026-01-01"))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want duplicates collapsed to 1", len(records))
	}
	if records[0].OrderCount != 5 {
		t.Fatalf("order count = %d, want the later row's 5", records[0].OrderCount)
	}
}

func TestParseReportDate_BadDateYieldsZeroTime(t *testing.T) {
	if !parseReportDate("not-a-date").IsZero() {
		t.Fatal("bad date should parse to the zero time")
	}
	if parseReportDate("2026-01-05").IsZero() {
		t.Fatal("valid date should not be zero")
	}
}
