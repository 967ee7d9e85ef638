package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// StockStore is implemented by Repository.
type StockStore interface {
	ListAll(ctx context.Context) ([]domain.BookStock, error)
	GetStock(ctx context.Context, bookID string) (*domain.BookStock, error)
	Restock(ctx context.Context, bookID string, quantity int) (*domain.BookStock, error)
}

type Handler struct {
	store  StockStore
	logger *slog.Logger
}

func NewHandler(store StockStore, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// Routes returns the router to mount under /books.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stock", h.HandleListStock)
	r.Get("/{id}/stock", h.HandleGetStock)
	r.With(requireAdmin).Post("/{id}/restock", h.HandleRestock)
	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	books, err := h.store.ListAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.InfoContext(r.Context(), "stock listed", "count", len(books))
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: books})
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	book, err := h.store.GetStock(r.Context(), bookID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to get stock", "error", err, "book_id", bookID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if book == nil {
		h.writeError(w, http.StatusNotFound, "book not found")
		return
	}

	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: book})
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleRestock(w http.ResponseWriter, r *http.Request) {
	bookID := chi.URLParam(r, "id")

	var req restockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, err := h.store.Restock(r.Context(), bookID, req.Quantity)
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrBookNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "failed to restock", "error", err, "book_id", bookID, "quantity", req.Quantity)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.InfoContext(r.Context(), "book restocked", "book_id", bookID, "quantity", req.Quantity, "stock_quantity", book.StockQuantity)
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: book})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("X-Customer-ID") == "":
			writeEnvelope(w, http.StatusUnauthorized, envelope{Message: "authentication required"})
		case r.Header.Get("X-Role") != "admin":
			writeEnvelope(w, http.StatusForbidden, envelope{Message: "insufficient permissions"})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	if err := writeEnvelope(w, status, data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}
