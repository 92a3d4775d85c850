package marketsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
)

// Fetcher pulls one source type for one storefront and date range, absorbing
// rate limiting, pacing and transient failures internally. It never invents
// fallback data; after exhausted retries it returns a *FetchError and leaves
// estimation to the orchestrator.
type Fetcher struct {
	source  Source
	api     ReportAPI
	creds   CredentialResolver
	limiter *SlidingWindowLimiter
	logger  *logrus.Logger

	maxAttempts   int
	maxWindowDays int
	windowPause   time.Duration
	pollInterval  time.Duration
	maxPolls      int
	backoffBase   time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewFetcher(source Source, api ReportAPI, creds CredentialResolver, limiter *SlidingWindowLimiter, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		source:        source,
		api:           api,
		creds:         creds,
		limiter:       limiter,
		logger:        logger,
		maxAttempts:   config.IntFromEnv("FETCH_MAX_ATTEMPTS", 3),
		maxWindowDays: config.IntFromEnv("FETCH_MAX_WINDOW_DAYS", 90),
		windowPause:   config.DurationFromEnv("FETCH_WINDOW_PAUSE", 2*time.Second),
		pollInterval:  config.DurationFromEnv("FETCH_POLL_INTERVAL", 5*time.Second),
		maxPolls:      config.IntFromEnv("FETCH_MAX_POLLS", 60),
		backoffBase:   config.DurationFromEnv("FETCH_BACKOFF_BASE", time.Second),
		sleep:         sleepCtx,
		jitter:        rand.Float64,
	}
}

func (f *Fetcher) Source() Source { return f.source }

// Fetch returns normalized records for [start, end], both inclusive calendar
// dates. Ranges wider than the window cap are split into sequential
// sub-windows with a pause between them; results are deduplicated by
// (product, date) with the last occurrence winning.
func (f *Fetcher) Fetch(ctx context.Context, st models.Storefront, start, end time.Time) ([]RawRecord, error) {
	start, end = DateOnly(start), DateOnly(end)
	if start.After(end) {
		return nil, fmt.Errorf("invalid date range: start %s after end %s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var all []RawRecord
	for i, w := range splitWindows(start, end, f.maxWindowDays) {
		if i > 0 && f.windowPause > 0 {
			if err := f.sleep(ctx, f.windowPause); err != nil {
				return nil, err
			}
		}
		recs, err := f.fetchWindow(ctx, st, w.start, w.end)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return dedupeRecords(all), nil
}

type dateWindow struct {
	start, end time.Time
}

func splitWindows(start, end time.Time, maxDays int) []dateWindow {
	if maxDays < 1 {
		maxDays = 1
	}
	var windows []dateWindow
	for cur := start; !cur.After(end); {
		wEnd := cur.AddDate(0, 0, maxDays-1)
		if wEnd.After(end) {
			wEnd = end
		}
		windows = append(windows, dateWindow{start: cur, end: wEnd})
		cur = wEnd.AddDate(0, 0, 1)
	}
	return windows
}

func dedupeRecords(records []RawRecord) []RawRecord {
	if len(records) < 2 {
		return records
	}
	index := make(map[string]int, len(records))
	out := records[:0]
	for _, rec := range records {
		key := rec.Key()
		if at, seen := index[key]; seen {
			out[at] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func (f *Fetcher) fetchWindow(ctx context.Context, st models.Storefront, start, end time.Time) ([]RawRecord, error) {
	var handle ReportHandle
	err := f.withRetries(ctx, st, "request_report", func(token string) error {
		h, err := f.api.RequestReport(ctx, token, st, f.source, start, end)
		if err == nil {
			handle = h
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var status ReportStatus
	for poll := 0; ; poll++ {
		if poll >= f.maxPolls {
			return nil, &FetchError{
				Source:       f.source,
				StorefrontId: st.ID,
				Attempts:     poll,
				Err:          fmt.Errorf("report %s not ready after %d polls", handle.ID, poll),
			}
		}
		err := f.withRetries(ctx, st, "poll_report", func(token string) error {
			s, err := f.api.PollReport(ctx, token, handle)
			if err == nil {
				status = s
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if status.State == ReportStateCompleted {
			break
		}
		if status.State == ReportStateFailed {
			return nil, ErrReportFailed
		}
		if err := f.sleep(ctx, f.pollInterval); err != nil {
			return nil, err
		}
	}

	var body []byte
	err = f.withRetries(ctx, st, "download_report", func(token string) error {
		b, err := f.api.DownloadReport(ctx, token, status.DownloadURL)
		if err == nil {
			body = b
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return parseReport(f.source, st.ID, body)
}

// withRetries runs one logical API call under the retry taxonomy:
// 401 gets a single uncounted refresh-then-retry, 429 waits the server-advised
// interval (or backs off), 5xx/timeouts back off with jitter up to the attempt
// cap, anything else fails immediately.
func (f *Fetcher) withRetries(ctx context.Context, st models.Storefront, op string, call func(token string) error) error {
	attempts := 0
	refreshed := false
	for {
		token, err := f.creds.ValidAccessToken(ctx, st.ID)
		if err == nil {
			if err = f.limiter.Wait(ctx); err != nil {
				return err
			}
			err = call(token)
		}
		if errors.Is(err, ErrNoCredentials) || errors.Is(err, context.Canceled) {
			return err
		}

		switch classifyError(err) {
		case classOK:
			return nil

		case classAuthExpired:
			if !refreshed {
				refreshed = true
				if rerr := f.creds.RefreshToken(ctx, st); rerr == nil {
					continue
				}
			}
			// Refresh already used or failed; the token is unusable.
			return err

		case classRateLimited:
			attempts++
			if attempts >= f.maxAttempts {
				return &FetchError{Source: f.source, StorefrontId: st.ID, Attempts: attempts, Err: err}
			}
			wait := f.backoff(attempts)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			f.logRetry(st, op, attempts, wait, err)
			if serr := f.sleep(ctx, wait); serr != nil {
				return serr
			}

		case classTransient:
			attempts++
			if attempts >= f.maxAttempts {
				return &FetchError{Source: f.source, StorefrontId: st.ID, Attempts: attempts, Err: err}
			}
			wait := f.backoff(attempts)
			f.logRetry(st, op, attempts, wait, err)
			if serr := f.sleep(ctx, wait); serr != nil {
				return serr
			}

		default: // classFatal
			return err
		}
	}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	d := f.backoffBase * time.Duration(1<<(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(f.jitter()*float64(d)*0.5)
}

func (f *Fetcher) logRetry(st models.Storefront, op string, attempt int, wait time.Duration, err error) {
	if f.logger == nil {
		return
	}
	f.logger.WithFields(logrus.Fields{
		"module":        "marketsync",
		"source":        f.source,
		"storefront_id": st.ID,
		"op":            op,
		"attempt":       attempt,
		"wait":          wait.String(),
	}).Warn("retrying fetch: " + err.Error())
}

func parseReport(source Source, storefrontID uint, body []byte) ([]RawRecord, error) {
	switch source {
	case SourceSales:
		var rows []salesReportRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode sales report: %w", err)
		}
		records := make([]RawRecord, 0, len(rows))
		for _, row := range rows {
			records = append(records, RawRecord{
				Source:       SourceSales,
				StorefrontId: storefrontID,
				ProductId:    row.ProductId,
				Date:         parseReportDate(row.Date),
				OrderCount:   row.OrderCount,
				SalesAmount:  decimalFromNumber(row.SalesAmount),
				PlatformFee:  decimalFromNumber(row.PlatformFee),
				OtherFees:    decimalFromNumber(row.OtherFees),
			})
		}
		return records, nil

	case SourceAdvertising:
		var rows []advertisingReportRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode advertising report: %w", err)
		}
		records := make([]RawRecord, 0, len(rows))
		for _, row := range rows {
			records = append(records, RawRecord{
				Source:       SourceAdvertising,
				StorefrontId: storefrontID,
				ProductId:    row.ProductId,
				Date:         parseReportDate(row.Date),
				AdSpend:      decimalFromNumber(row.AdSpend),
			})
		}
		return records, nil

	case SourceInventory:
		var rows []inventoryReportRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode inventory report: %w", err)
		}
		records := make([]RawRecord, 0, len(rows))
		for _, row := range rows {
			records = append(records, RawRecord{
				Source:        SourceInventory,
				StorefrontId:  storefrontID,
				ProductId:     row.ProductId,
				Date:          parseReportDate(row.Date),
				UnitCost:      decimalFromNumber(row.UnitCost),
				StockQuantity: row.Quantity,
			})
		}
		return records, nil

	default:
		return nil, fmt.Errorf("unknown report source %q", source)
	}
}

// parseReportDate returns the zero time for unparseable dates; the
// reconciliation engine skips and counts such records as malformed.
func parseReportDate(value string) time.Time {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return DateOnly(t)
	}
	return time.Time{}
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
