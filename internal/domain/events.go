package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderEventType string

const (
	OrderEventCreated       OrderEventType = "order.created"
	OrderEventStatusChanged OrderEventType = "order.status_changed"
	OrderEventPaid          OrderEventType = "order.paid"
)

type OrderEvent struct {
	EventID        string          `json:"event_id"`
	Type           OrderEventType  `json:"type"`
	OrderID        string          `json:"order_id"`
	CustomerID     string          `json:"customer_id"`
	Status         OrderStatus     `json:"status"`
	PreviousStatus OrderStatus     `json:"previous_status,omitempty"`
	Items          []OrderItem     `json:"items,omitempty"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	IsPaid         bool            `json:"is_paid"`
	Timestamp      time.Time       `json:"timestamp"`
}
