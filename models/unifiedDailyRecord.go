package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnifiedDailyRecord is the reconciled per-product-per-day row that all
// downstream reporting reads. Grain: (account_id, storefront_id, product_id,
// record_date) — at most one row may exist per key, enforced by the unique
// index below.
//
// Fields are partitioned by owning source and only ever written by that
// source's merge path:
// - sales:       order_count, sales_amount, platform_fee, other_fees
// - advertising: ad_spend
// - inventory:   product_cost, stock_quantity
// profit/profit_rate are derived and recomputed whenever an input changes.
type UnifiedDailyRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AccountId    string    `gorm:"uniqueIndex:idx_unified_key,priority:1;size:64;not null" json:"account_id"`
	StorefrontId uint      `gorm:"uniqueIndex:idx_unified_key,priority:2;not null" json:"storefront_id"`
	ProductId    string    `gorm:"uniqueIndex:idx_unified_key,priority:3;size:64;not null" json:"product_id"`
	RecordDate   time.Time `gorm:"uniqueIndex:idx_unified_key,priority:4;type:date;not null" json:"record_date"`

	OrderCount    int             `json:"order_count"`
	SalesAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_amount"`
	PlatformFee   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"platform_fee"`
	AdSpend       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ad_spend"`
	ProductCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"product_cost"`
	OtherFees     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"other_fees"`
	StockQuantity int             `json:"stock_quantity"`

	Profit     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"profit"`
	ProfitRate decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"profit_rate"`

	// IsEstimated marks rows whose inventory-side values were extrapolated
	// from history instead of fetched live.
	IsEstimated bool `gorm:"default:false" json:"is_estimated"`
	// IsException marks rows with negative or implausibly large money fields.
	// Flagged rows are merged anyway so nothing silently disappears.
	IsException bool `gorm:"default:false" json:"is_exception"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
