package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// Postgres SQLSTATEs that mean "lost a race, try again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

const orderColumns = `o.id, o.customer_id, o.idempotency_key, o.status, o.payment_method, o.shipping_address,
	o.items_price, o.shipping_price, o.tax_price, o.total_price,
	o.is_paid, o.paid_at, o.payment_txn_id, o.payment_details,
	o.is_delivered, o.delivered_at, o.created_at, o.updated_at`

// OrderRepository is the Postgres Store. Orders and the catalog stock
// counters live in one database so a checkout is a single transaction.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

var _ Store = (*OrderRepository)(nil)

// CreateOrder runs the reservation protocol in one transaction:
//  1. insert the order header (the idempotency key's unique index serializes
//     concurrent retries; a conflict means replay),
//  2. conditionally decrement each book's stock in book id order, snapshotting
//     its price; any miss aborts the whole transaction,
//  3. write prices, line items and the initial history entry, then commit.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *domain.Order, pricing domain.Pricing) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, r.mapError(order.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return false, fmt.Errorf("marshal shipping address: %w", err)
	}

	var insertedID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (id, customer_id, idempotency_key, status, payment_method, shipping_address, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (customer_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, order.ID, order.CustomerID, order.IdempotencyKey, order.Status, order.PaymentMethod,
		string(address), order.CreatedAt, order.UpdatedAt).Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		existing, err := r.getByIdempotencyKey(ctx, order.CustomerID, order.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, storageConflict(order.ID, errors.New("idempotency key released before replay"))
		}
		*order = *existing
		return true, nil
	}
	if err != nil {
		return false, r.mapError(order.ID, err)
	}

	for i, item := range order.Items {
		var price decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			UPDATE books
			SET stock_quantity = stock_quantity - $2, updated_at = NOW()
			WHERE id = $1 AND stock_quantity >= $2
			RETURNING price
		`, item.BookID, item.Quantity).Scan(&price)
		if errors.Is(err, sql.ErrNoRows) {
			return false, r.stockMiss(ctx, tx, item.BookID)
		}
		if err != nil {
			return false, r.mapError(order.ID, err)
		}
		order.Items[i].UnitPrice = price
	}

	pricing.Apply(order)

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET items_price = $2, shipping_price = $3, tax_price = $4, total_price = $5
		WHERE id = $1
	`, order.ID, order.ItemsPrice, order.ShippingPrice, order.TaxPrice, order.TotalPrice)
	if err != nil {
		return false, r.mapError(order.ID, err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, book_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, order.ID, i, item.BookID, item.Quantity, item.UnitPrice)
		if err != nil {
			return false, r.mapError(order.ID, err)
		}
	}

	if err := insertHistory(ctx, tx, order.ID, "", order.Status, order.CreatedAt); err != nil {
		return false, r.mapError(order.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, r.mapError(order.ID, err)
	}
	return false, nil
}

// stockMiss tells an unknown book apart from a short one.
func (r *OrderRepository) stockMiss(ctx context.Context, tx *sql.Tx, bookID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, bookID).Scan(&exists)
	if err != nil {
		return r.mapError("", err)
	}
	if !exists {
		return &Error{Kind: KindValidation, BookID: bookID, Message: "unknown book"}
	}
	return insufficientStock(bookID)
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.mapError(id, err)
	}

	if err := r.loadItems(ctx, []*domain.Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) getByIdempotencyKey(ctx context.Context, customerID, key string) (*domain.Order, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM orders WHERE customer_id = $1 AND idempotency_key = $2
	`, customerID, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.mapError("", err)
	}
	return r.GetOrder(ctx, id)
}

func (r *OrderRepository) ListCustomerOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.customer_id = $1
		ORDER BY o.created_at DESC, o.id
	`, customerID)
	if err != nil {
		return nil, r.mapError("", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadItems(ctx, list); err != nil {
		return nil, err
	}
	return derefOrders(list), nil
}

const listFilterClause = `
	WHERE ($1::text = '' OR o.status = $1)
	  AND ($2::text = '' OR o.customer_id = $2)
	  AND ($3::text = '' OR o.id ILIKE $3 OR c.name ILIKE $3 OR c.email ILIKE $3)`

func (r *OrderRepository) ListOrders(ctx context.Context, filter ListFilter) (OrderPage, error) {
	filter = filter.Normalize()
	pattern := ""
	if filter.Search != "" {
		pattern = "%" + escapeLike(filter.Search) + "%"
	}
	args := []any{string(filter.Status), filter.CustomerID, pattern}

	page := OrderPage{Orders: []domain.Order{}, Page: filter.Page}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM orders o LEFT JOIN customers c ON c.id = o.customer_id
	`+listFilterClause, args...).Scan(&page.Total)
	if err != nil {
		return OrderPage{}, r.mapError("", err)
	}
	page.Pages = (page.Total + filter.Limit - 1) / filter.Limit
	if page.Total == 0 {
		return page, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`, c.id, c.name, c.email
		FROM orders o LEFT JOIN customers c ON c.id = o.customer_id
	`+listFilterClause+`
		ORDER BY o.created_at DESC, o.id
		LIMIT $4 OFFSET $5
	`, append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return OrderPage{}, r.mapError("", err)
	}
	defer func() { _ = rows.Close() }()

	var list []*domain.Order
	for rows.Next() {
		var customerID, name, email sql.NullString
		order, err := scanOrder(rows, &customerID, &name, &email)
		if err != nil {
			return OrderPage{}, err
		}
		if customerID.Valid {
			order.Customer = &domain.Customer{ID: customerID.String, Name: name.String, Email: email.String}
		}
		list = append(list, order)
	}
	if err := rows.Err(); err != nil {
		return OrderPage{}, err
	}

	if err := r.loadItems(ctx, list); err != nil {
		return OrderPage{}, err
	}
	page.Orders = derefOrders(list)
	return page, nil
}

func (r *OrderRepository) History(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, from_status, to_status, changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, r.mapError(orderID, err)
	}
	defer func() { _ = rows.Close() }()

	changes := []domain.StatusChange{}
	for rows.Next() {
		var change domain.StatusChange
		if err := rows.Scan(&change.OrderID, &change.From, &change.To, &change.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus, at time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, r.mapError(id, err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`
	if to == domain.OrderStatusDelivered {
		query = `
			UPDATE orders SET status = $3, updated_at = $4, is_delivered = TRUE, delivered_at = $4
			WHERE id = $1 AND status = $2
		`
	}

	result, err := tx.ExecContext(ctx, query, id, from, to, at)
	if err != nil {
		return false, r.mapError(id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	if err := insertHistory(ctx, tx, id, from, to, at); err != nil {
		return false, r.mapError(id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, r.mapError(id, err)
	}
	return true, nil
}

func (r *OrderRepository) MarkPaid(ctx context.Context, id, txnID string, details json.RawMessage, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET is_paid = TRUE, paid_at = $2, payment_txn_id = $3, payment_details = $4, updated_at = $2
		WHERE id = $1 AND is_paid = FALSE
	`, id, at, txnID, string(details))
	if err != nil {
		return false, r.mapError(id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// StatusTotals reads both aggregates from one snapshot so the monthly figure
// never counts an order the per-status totals have not seen.
func (r *OrderRepository) StatusTotals(ctx context.Context, monthStart, monthEnd time.Time) (map[domain.OrderStatus]domain.StatusTotals, decimal.Decimal, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, decimal.Zero, r.mapError("", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_price), 0)
		FROM orders
		GROUP BY status
	`)
	if err != nil {
		return nil, decimal.Zero, r.mapError("", err)
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[domain.OrderStatus]domain.StatusTotals)
	for rows.Next() {
		var status domain.OrderStatus
		var t domain.StatusTotals
		if err := rows.Scan(&status, &t.Count, &t.Revenue); err != nil {
			return nil, decimal.Zero, err
		}
		totals[status] = t
	}
	if err := rows.Err(); err != nil {
		return nil, decimal.Zero, err
	}

	var monthly decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_price), 0)
		FROM orders
		WHERE created_at >= $1 AND created_at < $2
	`, monthStart, monthEnd).Scan(&monthly)
	if err != nil {
		return nil, decimal.Zero, r.mapError("", err)
	}

	return totals, monthly, tx.Commit()
}

func (r *OrderRepository) loadItems(ctx context.Context, list []*domain.Order) error {
	if len(list) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Order, len(list))
	ids := make([]string, 0, len(list))
	for _, order := range list {
		order.Items = []domain.OrderItem{}
		byID[order.ID] = order
		ids = append(ids, order.ID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, book_id, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(ids))
	if err != nil {
		return r.mapError("", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.BookID, &item.Quantity, &item.UnitPrice); err != nil {
			return err
		}
		order := byID[orderID]
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func (r *OrderRepository) mapError(orderID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return storageConflict(orderID, err)
		}
	}
	return fmt.Errorf("order storage: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, extra ...any) (*domain.Order, error) {
	var (
		order          domain.Order
		idempotencyKey sql.NullString
		address        []byte
		paidAt         sql.NullTime
		txnID          sql.NullString
		details        []byte
		deliveredAt    sql.NullTime
	)

	dest := []any{
		&order.ID, &order.CustomerID, &idempotencyKey, &order.Status, &order.PaymentMethod, &address,
		&order.ItemsPrice, &order.ShippingPrice, &order.TaxPrice, &order.TotalPrice,
		&order.IsPaid, &paidAt, &txnID, &details,
		&order.IsDelivered, &deliveredAt, &order.CreatedAt, &order.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address of order %s: %w", order.ID, err)
	}
	order.IdempotencyKey = idempotencyKey.String
	order.PaymentTxnID = txnID.String
	if len(details) > 0 {
		order.PaymentDetails = json.RawMessage(details)
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		order.DeliveredAt = &deliveredAt.Time
	}

	return &order, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, from, to domain.OrderStatus, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, changed_at)
		VALUES ($1, $2, $3, $4)
	`, orderID, from, to, at)
	return err
}

func derefOrders(list []*domain.Order) []domain.Order {
	orders := make([]domain.Order, 0, len(list))
	for _, order := range list {
		orders = append(orders, *order)
	}
	return orders
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
