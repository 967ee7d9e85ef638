package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

var (
	ErrBookNotFound    = errors.New("book not found")
	ErrInvalidQuantity = errors.New("restock quantity must be positive")
)

// Repository reads and restocks the books table. Checkout decrements happen
// inside the order transaction, never here.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const bookColumns = `id, title, author, price, stock_quantity, updated_at`

func (r *Repository) ListAll(ctx context.Context) ([]domain.BookStock, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer func() { _ = rows.Close() }()

	books := []domain.BookStock{}
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}

	return books, nil
}

// GetStock returns nil, nil for an unknown book.
func (r *Repository) GetStock(ctx context.Context, bookID string) (*domain.BookStock, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, bookID)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// Restock adds quantity units in a single statement and returns the new level.
func (r *Repository) Restock(ctx context.Context, bookID string, quantity int) (*domain.BookStock, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE books
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+bookColumns, bookID, quantity)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (domain.BookStock, error) {
	var book domain.BookStock
	err := row.Scan(&book.BookID, &book.Title, &book.Author, &book.Price, &book.StockQuantity, &book.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return book, err
		}
		return book, fmt.Errorf("scan book: %w", err)
	}
	return book, nil
}
