package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/joao-fontenele/bookstore-orderflow/internal/cache"
	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

const (
	headerCustomerID     = "X-Customer-ID"
	headerRole           = "X-Role"
	headerIdempotencyKey = "Idempotency-Key"

	roleAdmin    = "admin"
	rolePayments = "payments"
)

// EventPublisher is satisfied by messaging.Producer.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

// StatsCache is satisfied by cache.StatsCache.
type StatsCache interface {
	Get(ctx context.Context) (domain.OrderStats, error)
	Generation(ctx context.Context) (int64, error)
	Set(ctx context.Context, gen int64, stats domain.OrderStats) error
	Invalidate(ctx context.Context) error
}

// Handler is the HTTP route layer over Service. Identity arrives in headers
// set by the auth collaborator in front of this service.
type Handler struct {
	service   *Service
	publisher EventPublisher
	stats     StatsCache
	logger    *slog.Logger
}

// NewHandler wires the route layer. publisher and stats may be nil.
func NewHandler(service *Service, publisher EventPublisher, stats StatsCache, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		publisher: publisher,
		stats:     stats,
		logger:    logger,
	}
}

// Routes returns the router to mount under /api/orders.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(requireRole())
		r.Post("/", h.HandleCreate)
		r.Get("/myorders", h.HandleListMine)
		r.Get("/{id}", h.HandleGet)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireRole(roleAdmin))
		r.Get("/admin/all", h.HandleListAll)
		r.Get("/admin/stats", h.HandleStats)
		r.Put("/{id}/status", h.HandleUpdateStatus)
		r.Get("/{id}/history", h.HandleHistory)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireRole(roleAdmin, rolePayments))
		r.Put("/{id}/pay", h.HandleMarkPaid)
	})

	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type orderResponse struct {
	*domain.Order
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

func newOrderResponse(order *domain.Order) orderResponse {
	return orderResponse{Order: order, EstimatedDelivery: order.EstimatedDelivery()}
}

type createOrderRequest struct {
	Items           []CartItem             `json:"items"`
	ShippingAddress domain.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, replayed, err := h.service.ReserveAndCreateOrder(r.Context(), CreateOrderRequest{
		CustomerID:      r.Header.Get(headerCustomerID),
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to create order")
		return
	}

	if replayed {
		h.logger.InfoContext(r.Context(), "order replayed", "order_id", order.ID, "customer_id", order.CustomerID)
		h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: newOrderResponse(order)})
		return
	}

	h.invalidateStats(r.Context())
	h.publish(r.Context(), domain.OrderEventCreated, order, "")

	h.logger.InfoContext(r.Context(), "order created", "order_id", order.ID, "customer_id", order.CustomerID, "total_price", order.TotalPrice)
	h.writeJSON(w, http.StatusCreated, envelope{Success: true, Data: newOrderResponse(order)})
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get(headerCustomerID)
	list, err := h.service.ListCustomerOrders(r.Context(), customerID)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to list customer orders")
		return
	}

	resp := make([]orderResponse, 0, len(list))
	for i := range list {
		resp = append(resp, newOrderResponse(&list[i]))
	}

	h.logger.InfoContext(r.Context(), "customer orders listed", "customer_id", customerID, "count", len(list))
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to get order")
		return
	}

	// Customers only see their own orders; anything else looks missing.
	if r.Header.Get(headerRole) != roleAdmin && order.CustomerID != r.Header.Get(headerCustomerID) {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: newOrderResponse(order)})
}

func (h *Handler) HandleListAll(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := ListFilter{
		Search:     query.Get("search"),
		CustomerID: query.Get("customer_id"),
	}
	if status := query.Get("status"); status != "" && !strings.EqualFold(status, "all") {
		filter.Status = domain.OrderStatus(status)
	}

	var err error
	if filter.Page, err = intParam(query.Get("page")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	page, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to list orders")
		return
	}

	h.logger.InfoContext(r.Context(), "orders listed", "count", len(page.Orders), "total", page.Total, "status", filter.Status)
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: page})
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, from, err := h.service.Transition(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to update order status")
		return
	}

	h.invalidateStats(r.Context())
	h.publish(r.Context(), domain.OrderEventStatusChanged, order, from)

	h.logger.InfoContext(r.Context(), "order status updated", "order_id", order.ID, "status", order.Status)
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: newOrderResponse(order)})
}

func (h *Handler) HandleMarkPaid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var receipt domain.PaymentReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, replayed, err := h.service.MarkPaid(r.Context(), id, receipt)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to mark order paid")
		return
	}

	if replayed {
		h.logger.InfoContext(r.Context(), "payment replayed", "order_id", order.ID, "transaction_id", order.PaymentTxnID)
		h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: newOrderResponse(order)})
		return
	}

	h.invalidateStats(r.Context())
	h.publish(r.Context(), domain.OrderEventPaid, order, "")

	h.logger.InfoContext(r.Context(), "order marked paid", "order_id", order.ID, "transaction_id", order.PaymentTxnID)
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: newOrderResponse(order)})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The generation is read before computing so an invalidation that lands
	// mid-computation keeps the result out of the cache.
	cacheable := false
	var gen int64
	if h.stats != nil {
		stats, err := h.stats.Get(ctx)
		if err == nil {
			h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			h.logger.WarnContext(ctx, "stats cache read failed", "error", err)
		}

		gen, err = h.stats.Generation(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "stats cache generation read failed", "error", err)
		} else {
			cacheable = true
		}
	}

	stats, err := h.service.ComputeStats(ctx)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to compute order stats")
		return
	}

	if cacheable {
		err := h.stats.Set(ctx, gen, stats)
		switch {
		case errors.Is(err, cache.ErrStaleGeneration):
			h.logger.DebugContext(ctx, "stats invalidated during computation, not caching")
		case err != nil:
			h.logger.WarnContext(ctx, "stats cache write failed", "error", err)
		}
	}

	h.logger.InfoContext(ctx, "order stats computed", "total_orders", stats.TotalOrders)
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changes, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeServiceError(r.Context(), w, err, "failed to load order history")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: changes})
}

func (h *Handler) invalidateStats(ctx context.Context) {
	if h.stats == nil {
		return
	}
	if err := h.stats.Invalidate(ctx); err != nil {
		h.logger.ErrorContext(ctx, "failed to invalidate stats cache", "error", err)
	}
}

func (h *Handler) publish(ctx context.Context, eventType domain.OrderEventType, order *domain.Order, previous domain.OrderStatus) {
	if h.publisher == nil {
		return
	}

	event := domain.OrderEvent{
		EventID:        ulid.Make().String(),
		Type:           eventType,
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		Status:         order.Status,
		PreviousStatus: previous,
		TotalPrice:     order.TotalPrice,
		IsPaid:         order.IsPaid,
		Timestamp:      order.UpdatedAt,
	}
	if eventType == domain.OrderEventCreated {
		event.Items = order.Items
	}

	if err := h.publisher.PublishOrderEvent(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to publish order event", "error", err, "order_id", order.ID, "type", eventType)
	}
}

// statusFor maps core error kinds onto HTTP status codes.
func statusFor(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindInsufficientStock, KindValidation:
		return http.StatusBadRequest
	case KindAlreadyPaid, KindStorageConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	kind := KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, "error", err)
		h.writeError(w, status, "internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, envelope{Success: false, Message: message})
}

// requireRole rejects requests without a customer identity and, when roles
// are given, requests whose role is not among them.
func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(r.Header.Get(headerCustomerID)) == "" {
				writeBareError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if len(roles) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			role := r.Header.Get(headerRole)
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeBareError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

func writeBareError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
