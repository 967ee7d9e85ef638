package orders

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

type fakeBook struct {
	price decimal.Decimal
	stock int
}

// fakeStore is an in-memory Store with the same atomicity contract as the
// Postgres repository: every method runs under one lock.
type fakeStore struct {
	mu        sync.Mutex
	books     map[string]*fakeBook
	orders    map[string]*domain.Order
	history   map[string][]domain.StatusChange
	customers map[string]domain.Customer

	// conflicts makes the next n calls of an operation fail with a storage
	// conflict before touching any state.
	conflicts map[string]int

	// afterTotals runs once, outside the lock, after the next StatusTotals
	// snapshot is taken.
	afterTotals func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		books:     make(map[string]*fakeBook),
		orders:    make(map[string]*domain.Order),
		history:   make(map[string][]domain.StatusChange),
		customers: make(map[string]domain.Customer),
		conflicts: make(map[string]int),
	}
}

func (s *fakeStore) addBook(id, price string, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[id] = &fakeBook{price: decimal.RequireFromString(price), stock: stock}
}

func (s *fakeStore) stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.books[id].stock
}

// put stores a ready-made order, bypassing reservation.
func (s *fakeStore) put(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := order
	s.orders[o.ID] = &o
}

func (s *fakeStore) failNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[op] = n
}

func (s *fakeStore) conflict(op, orderID string) error {
	if s.conflicts[op] > 0 {
		s.conflicts[op]--
		return storageConflict(orderID, nil)
	}
	return nil
}

func (s *fakeStore) CreateOrder(_ context.Context, order *domain.Order, pricing domain.Pricing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conflict("create", order.ID); err != nil {
		return false, err
	}

	if order.IdempotencyKey != "" {
		for _, existing := range s.orders {
			if existing.CustomerID == order.CustomerID && existing.IdempotencyKey == order.IdempotencyKey {
				*order = cloneOrder(*existing)
				return true, nil
			}
		}
	}

	for _, item := range order.Items {
		book, ok := s.books[item.BookID]
		if !ok {
			return false, &Error{Kind: KindValidation, BookID: item.BookID, Message: "unknown book"}
		}
		if book.stock < item.Quantity {
			return false, insufficientStock(item.BookID)
		}
	}
	for i, item := range order.Items {
		book := s.books[item.BookID]
		book.stock -= item.Quantity
		order.Items[i].UnitPrice = book.price
	}

	pricing.Apply(order)

	stored := cloneOrder(*order)
	s.orders[order.ID] = &stored
	s.history[order.ID] = append(s.history[order.ID], domain.StatusChange{
		OrderID: order.ID, To: order.Status, ChangedAt: order.CreatedAt,
	})
	return false, nil
}

func (s *fakeStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	o := cloneOrder(*order)
	return &o, nil
}

func (s *fakeStore) ListCustomerOrders(_ context.Context, customerID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := []domain.Order{}
	for _, order := range s.orders {
		if order.CustomerID == customerID {
			list = append(list, cloneOrder(*order))
		}
	}
	sortNewestFirst(list)
	return list, nil
}

func (s *fakeStore) ListOrders(_ context.Context, filter ListFilter) (OrderPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(filter.Search)
	var matched []domain.Order
	for _, order := range s.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && order.CustomerID != filter.CustomerID {
			continue
		}
		o := cloneOrder(*order)
		if c, ok := s.customers[o.CustomerID]; ok {
			o.Customer = &c
		}
		if search != "" && !matchesSearch(o, search) {
			continue
		}
		matched = append(matched, o)
	}
	sortNewestFirst(matched)

	page := OrderPage{Orders: []domain.Order{}, Total: len(matched), Page: filter.Page}
	page.Pages = (page.Total + filter.Limit - 1) / filter.Limit
	start := min(filter.Offset(), len(matched))
	end := min(start+filter.Limit, len(matched))
	page.Orders = append(page.Orders, matched[start:end]...)
	return page, nil
}

func (s *fakeStore) History(_ context.Context, orderID string) ([]domain.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StatusChange{}, s.history[orderID]...), nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conflict("status", id); err != nil {
		return false, err
	}

	order, ok := s.orders[id]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	order.UpdatedAt = at
	if to == domain.OrderStatusDelivered {
		order.IsDelivered = true
		order.DeliveredAt = &at
	}
	s.history[id] = append(s.history[id], domain.StatusChange{OrderID: id, From: from, To: to, ChangedAt: at})
	return true, nil
}

func (s *fakeStore) MarkPaid(_ context.Context, id, txnID string, details json.RawMessage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conflict("pay", id); err != nil {
		return false, err
	}

	order, ok := s.orders[id]
	if !ok || order.IsPaid {
		return false, nil
	}
	order.IsPaid = true
	order.PaidAt = &at
	order.PaymentTxnID = txnID
	order.PaymentDetails = details
	order.UpdatedAt = at
	return true, nil
}

func (s *fakeStore) StatusTotals(_ context.Context, monthStart, monthEnd time.Time) (map[domain.OrderStatus]domain.StatusTotals, decimal.Decimal, error) {
	s.mu.Lock()
	totals, monthly := s.statusTotals(monthStart, monthEnd)
	hook := s.afterTotals
	s.afterTotals = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return totals, monthly, nil
}

func (s *fakeStore) statusTotals(monthStart, monthEnd time.Time) (map[domain.OrderStatus]domain.StatusTotals, decimal.Decimal) {
	totals := make(map[domain.OrderStatus]domain.StatusTotals)
	monthly := decimal.Zero
	for _, order := range s.orders {
		t := totals[order.Status]
		t.Count++
		t.Revenue = t.Revenue.Add(order.TotalPrice)
		totals[order.Status] = t

		if !order.CreatedAt.Before(monthStart) && order.CreatedAt.Before(monthEnd) {
			monthly = monthly.Add(order.TotalPrice)
		}
	}
	return totals, monthly
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}

func sortNewestFirst(list []domain.Order) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func matchesSearch(o domain.Order, search string) bool {
	if strings.Contains(strings.ToLower(o.ID), search) {
		return true
	}
	if o.Customer == nil {
		return false
	}
	return strings.Contains(strings.ToLower(o.Customer.Name), search) ||
		strings.Contains(strings.ToLower(o.Customer.Email), search)
}
