package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookStock is the catalog's view of one book: its current price and the
// units left to sell.
type BookStock struct {
	BookID        string          `json:"book_id"`
	Title         string          `json:"title"`
	Author        string          `json:"author,omitempty"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
