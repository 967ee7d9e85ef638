package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// Store is the Order Repository together with the Catalog Store stock
// counters it must decrement atomically. Every cross-request invariant is
// enforced here, not by the caller.
type Store interface {
	// CreateOrder decrements stock for every line and persists the order as
	// one atomic unit. Unit prices are snapshotted from the catalog and
	// pricing is applied before the order is written. If an order already
	// exists for the customer's idempotency key, it is loaded into order,
	// nothing is decremented, and replayed is true.
	CreateOrder(ctx context.Context, order *domain.Order, pricing domain.Pricing) (replayed bool, err error)

	// GetOrder returns nil, nil when no order has the id.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	ListCustomerOrders(ctx context.Context, customerID string) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter ListFilter) (OrderPage, error)
	History(ctx context.Context, orderID string) ([]domain.StatusChange, error)

	// UpdateStatus moves the order from -> to only if its stored status is
	// still from. It reports false when the compare-and-set missed.
	UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error)

	// MarkPaid records the payment only if the order is still unpaid. It
	// reports false when the order is missing or already paid.
	MarkPaid(ctx context.Context, id, txnID string, details json.RawMessage, at time.Time) (bool, error)

	// StatusTotals aggregates order count and revenue per status, plus the
	// revenue of orders created in [monthStart, monthEnd).
	StatusTotals(ctx context.Context, monthStart, monthEnd time.Time) (map[domain.OrderStatus]domain.StatusTotals, decimal.Decimal, error)
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ListFilter narrows the admin listing. Empty fields match everything.
type ListFilter struct {
	Status     domain.OrderStatus
	Search     string
	CustomerID string
	Page       int
	Limit      int
}

// Normalize clamps pagination into range.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	return f
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type OrderPage struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Pages  int            `json:"pages"`
}
