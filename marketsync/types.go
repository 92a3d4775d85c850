package marketsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which marketplace report family a record came from.
// Each source owns a disjoint set of UnifiedDailyRecord fields.
type Source string

const (
	SourceSales       Source = "sales"
	SourceAdvertising Source = "advertising"
	SourceInventory   Source = "inventory"
)

func AllSources() []Source {
	return []Source{SourceSales, SourceAdvertising, SourceInventory}
}

// RawRecord is one normalized row out of a fetched report. It is ephemeral:
// produced by a Fetcher, consumed immediately by the reconciliation engine,
// never persisted on its own.
//
// Only the fields owned by Source are meaningful; the rest stay zero.
type RawRecord struct {
	Source       Source
	StorefrontId uint
	ProductId    string
	Date         time.Time

	// sales
	OrderCount  int
	SalesAmount decimal.Decimal
	PlatformFee decimal.Decimal
	OtherFees   decimal.Decimal

	// advertising
	AdSpend decimal.Decimal

	// inventory
	UnitCost      decimal.Decimal
	StockQuantity int

	// Estimated marks values derived from history rather than a live fetch.
	Estimated bool
}

// Key returns the (product, date) dedup key within one storefront fetch.
func (r RawRecord) Key() string {
	return r.ProductId + "|" + r.Date.Format("2006-01-02")
}

// DateOnly truncates t to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
