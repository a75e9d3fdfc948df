package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Analysis is a purchasable research report. SalesCount and TotalRevenue are
// always present with a zero default and are bumped inside the same
// transaction that records the purchase.
type Analysis struct {
	ID           int             `json:"id" db:"id"`
	AuthorID     int             `json:"author_id" db:"author_id"`
	Title        string          `json:"title" db:"title"`
	Summary      string          `json:"summary" db:"summary"`
	Asset        string          `json:"asset" db:"asset"`
	Price        decimal.Decimal `json:"price" db:"price"`
	SalesCount   int             `json:"sales_count" db:"sales_count"`
	TotalRevenue decimal.Decimal `json:"total_revenue" db:"total_revenue"`
	IsPublished  bool            `json:"is_published" db:"is_published"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// PurchasedAnalysis grants a user access to one analysis. At most one row per
// (user, analysis) pair; created only once funds are confirmed committed.
// PricePaid is copied from the analysis at purchase time and is immune to
// later price changes.
type PurchasedAnalysis struct {
	ID         int             `json:"id" db:"id"`
	UserID     int             `json:"user_id" db:"user_id"`
	AnalysisID int             `json:"analysis_id" db:"analysis_id"`
	PricePaid  decimal.Decimal `json:"price_paid" db:"price_paid"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
