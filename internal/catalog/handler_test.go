package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

type memoryStock struct {
	books map[string]*domain.BookStock
	err   error
}

func (m *memoryStock) ListAll(context.Context) ([]domain.BookStock, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []domain.BookStock{}
	for _, b := range m.books {
		out = append(out, *b)
	}
	return out, nil
}

func (m *memoryStock) GetStock(_ context.Context, id string) (*domain.BookStock, error) {
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.books[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (m *memoryStock) Restock(_ context.Context, id string, quantity int) (*domain.BookStock, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	b, ok := m.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	b.StockQuantity += quantity
	copied := *b
	return &copied, nil
}

func newTestRouter(store StockStore) http.Handler {
	return NewHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes()
}

func seeded() *memoryStock {
	return &memoryStock{books: map[string]*domain.BookStock{
		"BOOK-003": {BookID: "BOOK-003", Title: "Gitanjali", Price: decimal.RequireFromString("75.50"), StockQuantity: 1},
	}}
}

func TestHandler_GetStock(t *testing.T) {
	router := newTestRouter(seeded())

	t.Run("returns the stock level", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/BOOK-003/stock", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var resp struct {
			Success bool             `json:"success"`
			Data    domain.BookStock `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.Success || resp.Data.StockQuantity != 1 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("unknown book", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/BOOK-404/stock", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
	})
}

func TestHandler_ListStock(t *testing.T) {
	t.Run("lists every book", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stock", nil)
		rec := httptest.NewRecorder()
		newTestRouter(seeded()).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rec.Code)
		}
	})

	t.Run("storage failure is a 500", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/stock", nil)
		rec := httptest.NewRecorder()
		newTestRouter(&memoryStock{err: errors.New("connection refused")}).ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "connection refused") {
			t.Error("expected storage error to be hidden")
		}
	})
}

func TestHandler_Restock(t *testing.T) {
	admin := func(req *http.Request) {
		req.Header.Set("X-Customer-ID", "admin-1")
		req.Header.Set("X-Role", "admin")
	}

	tests := []struct {
		name   string
		path   string
		body   string
		auth   func(*http.Request)
		status int
	}{
		{"admin restocks", "/BOOK-003/restock", `{"quantity":5}`, admin, http.StatusOK},
		{"non-positive quantity", "/BOOK-003/restock", `{"quantity":0}`, admin, http.StatusBadRequest},
		{"unknown book", "/BOOK-404/restock", `{"quantity":5}`, admin, http.StatusNotFound},
		{"malformed body", "/BOOK-003/restock", `{`, admin, http.StatusBadRequest},
		{"anonymous", "/BOOK-003/restock", `{"quantity":5}`, func(*http.Request) {}, http.StatusUnauthorized},
		{"customer", "/BOOK-003/restock", `{"quantity":5}`, func(r *http.Request) { r.Header.Set("X-Customer-ID", "cust-001") }, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seeded()
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			tt.auth(req)
			rec := httptest.NewRecorder()

			newTestRouter(store).ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusOK && store.books["BOOK-003"].StockQuantity != 6 {
				t.Errorf("expected stock 6, got %d", store.books["BOOK-003"].StockQuantity)
			}
		})
	}
}
