package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderItem struct {
	BookID    string          `json:"book_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal is quantity × unit price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type ShippingAddress struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zipcode string `json:"zipcode"`
	Country string `json:"country"`
	Phone   string `json:"phone"`
}

// Customer is the denormalized account view attached to admin listings.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order is the aggregate root. Status is the fulfillment axis; IsPaid/PaidAt
// is the payment axis and the two never collapse into one value.
type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	Customer        *Customer       `json:"customer,omitempty"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`

	Status      OrderStatus `json:"status"`
	IsDelivered bool        `json:"is_delivered"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`

	IsPaid         bool            `json:"is_paid"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	PaymentTxnID   string          `json:"payment_transaction_id,omitempty"`
	PaymentDetails json.RawMessage `json:"payment_details,omitempty"`

	ItemsPrice    decimal.Decimal `json:"items_price"`
	ShippingPrice decimal.Decimal `json:"shipping_price"`
	TaxPrice      decimal.Decimal `json:"tax_price"`
	TotalPrice    decimal.Decimal `json:"total_price"`

	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EstimatedDelivery is the customer-facing delivery estimate. It returns nil
// for cancelled orders.
func (o *Order) EstimatedDelivery() *time.Time {
	var days int
	switch o.Status {
	case OrderStatusDelivered:
		return o.DeliveredAt
	case OrderStatusCancelled:
		return nil
	case OrderStatusOutForDelivery:
		days = 1
	case OrderStatusShipped:
		days = 2
	case OrderStatusProcessing:
		days = 3
	default:
		days = 5
	}
	eta := o.CreatedAt.AddDate(0, 0, days)
	return &eta
}

// StatusChange is one row of an order's fulfillment history. From is empty
// for the creation entry.
type StatusChange struct {
	OrderID   string      `json:"order_id"`
	From      OrderStatus `json:"from_status,omitempty"`
	To        OrderStatus `json:"to_status"`
	ChangedAt time.Time   `json:"changed_at"`
}
