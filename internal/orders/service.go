package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
	"github.com/joao-fontenele/bookstore-orderflow/internal/telemetry"
)

// Service is the order core: stock reservation at checkout, the fulfillment
// state machine, payment reconciliation and dashboard statistics. It holds no
// state of its own between calls and never logs; every failure is returned.
type Service struct {
	store   Store
	pricing domain.Pricing
	clock   func() time.Time
	newID   func() string
	metrics *telemetry.OrderMetrics
}

type ServiceOption func(*Service)

// utcNow is the default clock. The monthly revenue window is cut in UTC
// whatever the host zone.
func utcNow() time.Time {
	return time.Now().UTC()
}

// WithClock replaces the wall clock used for paidAt, deliveredAt, createdAt
// and the monthly revenue window.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		s.newID = newID
	}
}

func WithMetrics(metrics *telemetry.OrderMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func NewService(store Store, pricing domain.Pricing, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		pricing: pricing,
		clock:   utcNow,
		newID: func() string {
			return uuid.New().String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CartItem struct {
	BookID   string `json:"book_id"`
	Quantity int    `json:"quantity"`
}

type CreateOrderRequest struct {
	CustomerID      string
	Items           []CartItem
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
	IdempotencyKey  string
}

// ReserveAndCreateOrder reserves stock for the whole cart and persists a new
// Pending order, all or nothing. The returned bool is true when the request
// replayed an earlier checkout with the same idempotency key.
func (s *Service) ReserveAndCreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, bool, error) {
	items, err := validateCreate(req)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	order := &domain.Order{
		ID:              s.newID(),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		Status:          domain.OrderStatusPending,
		IdempotencyKey:  strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	replayed, err := s.store.CreateOrder(ctx, order, s.pricing)
	if errors.Is(err, ErrStorageConflict) {
		replayed, err = s.store.CreateOrder(ctx, order, s.pricing)
	}
	if err != nil {
		var coreErr *Error
		if errors.As(err, &coreErr) && coreErr.Kind == KindInsufficientStock {
			s.metrics.ReservationRejected(ctx, coreErr.BookID)
		}
		return nil, false, err
	}

	if !replayed {
		s.metrics.OrderCreated(ctx)
	}
	return order, replayed, nil
}

// Transition moves an order to target and returns it together with the
// status the compare-and-set replaced. A lost compare-and-set is
// re-evaluated once against the fresh status before giving up.
func (s *Service) Transition(ctx context.Context, orderID string, target domain.OrderStatus) (*domain.Order, domain.OrderStatus, error) {
	if !target.Valid() {
		return nil, "", validation("unknown order status %q", target)
	}

	for attempt := 0; ; attempt++ {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, "", err
		}
		if order == nil {
			return nil, "", notFound(orderID)
		}

		from := order.Status
		if !domain.CanTransition(from, target) {
			return nil, "", invalidTransition(orderID, from, target)
		}

		now := s.now()
		applied, err := s.store.UpdateStatus(ctx, orderID, from, target, now)
		if err != nil && !errors.Is(err, ErrStorageConflict) {
			return nil, "", err
		}
		if err == nil && applied {
			order.Status = target
			order.UpdatedAt = now
			if target == domain.OrderStatusDelivered {
				order.IsDelivered = true
				order.DeliveredAt = &now
			}
			s.metrics.StatusChanged(ctx, from.String(), target.String())
			return order, from, nil
		}

		if attempt > 0 {
			if err != nil {
				return nil, "", err
			}
			return nil, "", storageConflict(orderID, nil)
		}
	}
}

// MarkPaid records a completed payment. Repeating the same provider
// transaction is a no-op success reported as a replay; a different
// transaction on a paid order fails with AlreadyPaid.
func (s *Service) MarkPaid(ctx context.Context, orderID string, receipt domain.PaymentReceipt) (*domain.Order, bool, error) {
	txnID := strings.TrimSpace(receipt.ID)
	if txnID == "" {
		return nil, false, validation("payment receipt is missing the provider transaction id")
	}
	if !receipt.Completed() {
		return nil, false, validation("payment status %q is not %s", receipt.Status, domain.PaymentStatusCompleted)
	}
	receipt.ID = txnID

	details, err := receipt.JSON()
	if err != nil {
		return nil, false, validation("payment receipt is not serializable: %v", err)
	}

	for attempt := 0; ; attempt++ {
		applied, err := s.store.MarkPaid(ctx, orderID, txnID, details, s.now())
		if err != nil {
			if errors.Is(err, ErrStorageConflict) && attempt == 0 {
				continue
			}
			return nil, false, err
		}

		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, false, err
		}
		if order == nil {
			return nil, false, notFound(orderID)
		}

		switch {
		case applied:
			s.metrics.PaymentRecorded(ctx, false)
			return order, false, nil
		case order.IsPaid && order.PaymentTxnID == txnID:
			s.metrics.PaymentRecorded(ctx, true)
			return order, true, nil
		case order.IsPaid:
			return nil, false, alreadyPaid(orderID)
		case attempt > 0:
			return nil, false, storageConflict(orderID, nil)
		}
	}
}

// ComputeStats aggregates every order. The monthly window is the current
// calendar month in the clock's location.
func (s *Service) ComputeStats(ctx context.Context) (domain.OrderStats, error) {
	monthStart, monthEnd := MonthWindow(s.now())

	byStatus, monthly, err := s.store.StatusTotals(ctx, monthStart, monthEnd)
	if err != nil {
		return domain.OrderStats{}, err
	}

	return domain.NewOrderStats(byStatus, monthly), nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, notFound(orderID)
	}
	return order, nil
}

func (s *Service) ListCustomerOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, validation("customer id is required")
	}
	return s.store.ListCustomerOrders(ctx, customerID)
}

func (s *Service) ListOrders(ctx context.Context, filter ListFilter) (OrderPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return OrderPage{}, validation("unknown order status %q", filter.Status)
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return s.store.ListOrders(ctx, filter.Normalize())
}

func (s *Service) History(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, orderID)
}

func (s *Service) now() time.Time {
	return s.clock()
}

// MonthWindow returns the half-open calendar month containing now.
func MonthWindow(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 1, 0)
}

// maxQuantity is the largest quantity per book a cart may carry; stock
// counters are Postgres INTEGER columns.
const maxQuantity = math.MaxInt32

// validateCreate checks the cart and merges lines for the same book. Lines
// come back sorted by book id so stock rows are always locked in one order.
func validateCreate(req CreateOrderRequest) ([]domain.OrderItem, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, validation("customer id is required")
	}
	if len(req.Items) == 0 {
		return nil, validation("order must contain at least one item")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, validation("payment method is required")
	}

	addr := req.ShippingAddress
	required := []struct{ field, value string }{
		{"address", addr.Address},
		{"city", addr.City},
		{"zipcode", addr.Zipcode},
		{"country", addr.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, validation("shipping address %s is required", r.field)
		}
	}

	quantities := make(map[string]int, len(req.Items))
	for _, item := range req.Items {
		bookID := strings.TrimSpace(item.BookID)
		if bookID == "" {
			return nil, validation("item book id is required")
		}
		if item.Quantity < 1 {
			return nil, &Error{Kind: KindValidation, BookID: bookID, Message: "item quantity must be at least 1"}
		}
		if item.Quantity > maxQuantity-quantities[bookID] {
			return nil, &Error{Kind: KindValidation, BookID: bookID, Message: fmt.Sprintf("item quantity must not exceed %d", maxQuantity)}
		}
		quantities[bookID] += item.Quantity
	}

	items := make([]domain.OrderItem, 0, len(quantities))
	for bookID, qty := range quantities {
		items = append(items, domain.OrderItem{BookID: bookID, Quantity: qty})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].BookID < items[j].BookID
	})

	return items, nil
}
