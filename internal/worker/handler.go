package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// NotificationHandler turns order events into customer e-mails. Delivery is
// best-effort: a failed or short-circuited send is logged and the event is
// still acknowledged.
type NotificationHandler struct {
	emailServiceURL string
	recipientDomain string
	httpClient      *http.Client
	breaker         *gobreaker.CircuitBreaker[struct{}]
	logger          *slog.Logger
}

type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func NewNotificationHandler(emailServiceURL, recipientDomain string, client *http.Client, settings BreakerSettings, logger *slog.Logger) *NotificationHandler {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "email-service",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		recipientDomain: recipientDomain,
		httpClient:      client,
		breaker:         breaker,
		logger:          logger,
	}
}

type emailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (h *NotificationHandler) Handle(ctx context.Context, event domain.OrderEvent) error {
	msg, ok := h.compose(event)
	if !ok {
		h.logger.DebugContext(ctx, "no notification for event", "order_id", event.OrderID, "type", event.Type)
		return nil
	}

	h.logger.InfoContext(ctx, "processing order event",
		"order_id", event.OrderID, "customer_id", event.CustomerID, "type", event.Type, "event_id", event.EventID)

	_, err := h.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, h.sendEmail(ctx, msg)
	})
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "notification sent", "order_id", event.OrderID, "type", event.Type)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		h.logger.WarnContext(ctx, "notification skipped, email service circuit open", "order_id", event.OrderID, "type", event.Type)
	default:
		h.logger.ErrorContext(ctx, "failed to send notification", "error", err, "order_id", event.OrderID, "type", event.Type)
	}

	return nil
}

// compose reports false for events that do not notify the customer.
func (h *NotificationHandler) compose(event domain.OrderEvent) (emailMessage, bool) {
	msg := emailMessage{To: event.CustomerID + "@" + h.recipientDomain}

	switch event.Type {
	case domain.OrderEventCreated:
		msg.Subject = "Order Confirmation: " + event.OrderID
		msg.Body = fmt.Sprintf("Your order %s with %d items has been placed. Total: %s.",
			event.OrderID, len(event.Items), event.TotalPrice.StringFixed(2))
	case domain.OrderEventPaid:
		msg.Subject = "Payment Received: " + event.OrderID
		msg.Body = fmt.Sprintf("We received your payment of %s for order %s.", event.TotalPrice.StringFixed(2), event.OrderID)
	case domain.OrderEventStatusChanged:
		switch event.Status {
		case domain.OrderStatusProcessing:
			return emailMessage{}, false
		case domain.OrderStatusCancelled:
			msg.Subject = "Order Cancelled: " + event.OrderID
			msg.Body = fmt.Sprintf("Your order %s has been cancelled.", event.OrderID)
		default:
			msg.Subject = fmt.Sprintf("Order %s: %s", event.Status, event.OrderID)
			msg.Body = fmt.Sprintf("Your order %s is now %s.", event.OrderID, event.Status)
		}
	default:
		return emailMessage{}, false
	}

	return msg, true
}

func (h *NotificationHandler) sendEmail(ctx context.Context, msg emailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
