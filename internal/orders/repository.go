package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrder inserts the order and its items in one transaction, assigning
// ids to anything that has none.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, amount, original_amount, discount_percent, status,
			payment_method, payment_gateway, fiat_amount, fiat_currency, exchange_rate,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, order.ID, order.UserID, order.Amount, order.OriginalAmount, order.DiscountPercent, order.Status,
		order.PaymentMethod, order.PaymentGateway, order.FiatAmount, order.FiatCurrency, order.ExchangeRate,
		order.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.OrderID = order.ID
		item.CreatedAt = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, fulfillment_type, status, price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ID, item.OrderID, item.ProductID, item.ProductName, item.FulfillmentType, item.Status, item.Price, now)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// DeleteOrder removes an order that never got paid. Items cascade.
func (r *OrderRepository) DeleteOrder(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1 AND status = 'pending'`, id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, amount, original_amount, discount_percent, status, payment_method,
	payment_gateway, COALESCE(payment_id, ''), payment_url, fiat_amount, fiat_currency, exchange_rate,
	expires_at, fulfillment_deadline, delivered_at, saved_credited, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var deadline, deliveredAt sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &o.Amount, &o.OriginalAmount, &o.DiscountPercent, &o.Status,
		&o.PaymentMethod, &o.PaymentGateway, &o.PaymentID, &o.PaymentURL, &o.FiatAmount, &o.FiatCurrency,
		&o.ExchangeRate, &o.ExpiresAt, &deadline, &deliveredAt, &o.SavedCredited, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		o.FulfillmentDeadline = &deadline.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	o.Items = []domain.OrderItem{}
	return &o, nil
}

const itemColumns = `id, order_id, product_id, product_name, fulfillment_type, status, price,
	COALESCE(stock_item_id, ''), delivery_content, delivered_at, expires_at, created_at`

func scanItem(row rowScanner) (*domain.OrderItem, error) {
	var item domain.OrderItem
	var deliveredAt, expiresAt sql.NullTime
	err := row.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.FulfillmentType,
		&item.Status, &item.Price, &item.StockItemID, &item.DeliveryContent, &deliveredAt, &expiresAt, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		item.DeliveredAt = &deliveredAt.Time
	}
	if expiresAt.Valid {
		item.ExpiresAt = &expiresAt.Time
	}
	return &item, nil
}

func (r *OrderRepository) getOrderWhere(ctx context.Context, where string, arg any) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.loadItems(ctx, map[string]*domain.Order{order.ID: order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOrderWhere(ctx, `id = $1`, id)
}

func (r *OrderRepository) GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	return r.getOrderWhere(ctx, `payment_id = $1`, paymentID)
}

func (r *OrderRepository) loadItems(ctx context.Context, byID map[string]*domain.Order) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY created_at, id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return err
		}
		order := byID[item.OrderID]
		order.Items = append(order.Items, *item)
	}
	return rows.Err()
}

func (r *OrderRepository) ListUserOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}
	if err := r.loadItems(ctx, orderMap); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}
	return orders, nil
}

func changed(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompareAndSetStatus writes to only while the order is still in from.
func (r *OrderRepository) CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to))
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return ok, nil
}

// CancelOrder moves a pending order to cancelled and closes its waiting items.
func (r *OrderRepository) CancelOrder(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := changed(tx.ExecContext(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id))
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if !ok {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE order_items SET status = 'cancelled'
		WHERE order_id = $1 AND status IN ('pending', 'prepaid')
	`, id); err != nil {
		return false, fmt.Errorf("cancel order items: %w", err)
	}

	return true, tx.Commit()
}

// ReopenCancelledOrder restores a cancelled order and its items to pending so a
// late payment can be confirmed.
func (r *OrderRepository) ReopenCancelledOrder(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := changed(tx.ExecContext(ctx, `
		UPDATE orders SET status = 'pending', expires_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'cancelled'
	`, id, expiresAt))
	if err != nil {
		return false, fmt.Errorf("reopen order: %w", err)
	}
	if !ok {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE order_items SET status = 'pending'
		WHERE order_id = $1 AND status = 'cancelled'
	`, id); err != nil {
		return false, fmt.Errorf("reopen order items: %w", err)
	}

	return true, tx.Commit()
}

func (r *OrderRepository) SetPaymentDetails(ctx context.Context, id, paymentID, paymentURL string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_id = COALESCE(NULLIF($2, ''), payment_id),
			payment_url = COALESCE(NULLIF($3, ''), payment_url),
			updated_at = NOW()
		WHERE id = $1
	`, id, paymentID, paymentURL)
	if err != nil {
		return fmt.Errorf("set payment details: %w", err)
	}
	return nil
}

func (r *OrderRepository) SetFulfillmentDeadline(ctx context.Context, id string, deadline time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET fulfillment_deadline = $2, updated_at = NOW()
		WHERE id = $1
	`, id, deadline)
	if err != nil {
		return fmt.Errorf("set fulfillment deadline: %w", err)
	}
	return nil
}

// MarkOrderNotified claims the one delivery notification for an order.
func (r *OrderRepository) MarkOrderNotified(ctx context.Context, id string) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE orders SET delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND delivered_at IS NULL
	`, id))
	if err != nil {
		return false, fmt.Errorf("mark order notified: %w", err)
	}
	return ok, nil
}

func (r *OrderRepository) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *OrderRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.listIDs(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	return ids, nil
}

// ListOrdersWithWaitingItems returns paid orders that still have items to fill.
func (r *OrderRepository) ListOrdersWithWaitingItems(ctx context.Context, limit int) ([]string, error) {
	ids, err := r.listIDs(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status IN ('paid', 'prepaid', 'partial')
		  AND EXISTS (
			SELECT 1 FROM order_items i
			WHERE i.order_id = o.id AND i.status IN ('pending', 'prepaid')
		  )
		ORDER BY o.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting orders: %w", err)
	}
	return ids, nil
}

func (r *OrderRepository) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := r.listIDs(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status IN ('paid', 'prepaid', 'partial')
		  AND o.fulfillment_deadline < $1
		  AND EXISTS (
			SELECT 1 FROM order_items i
			WHERE i.order_id = o.id AND i.status IN ('pending', 'prepaid')
		  )
		ORDER BY o.fulfillment_deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue orders: %w", err)
	}
	return ids, nil
}

func (r *OrderRepository) GetItem(ctx context.Context, id string) (*domain.OrderItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM order_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order item: %w", err)
	}
	return item, nil
}

// DeliverItem writes the credential onto a still-waiting item.
func (r *OrderRepository) DeliverItem(ctx context.Context, itemID, stockItemID, content string, deliveredAt time.Time, expiresAt *time.Time) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE order_items
		SET status = 'delivered', stock_item_id = $2, delivery_content = $3, delivered_at = $4, expires_at = $5
		WHERE id = $1 AND status IN ('pending', 'prepaid')
	`, itemID, stockItemID, content, deliveredAt, expiresAt))
	if err != nil {
		return false, fmt.Errorf("deliver item: %w", err)
	}
	return ok, nil
}

func (r *OrderRepository) CompareAndSetItemStatus(ctx context.Context, itemID string, from, to domain.ItemStatus) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE order_items SET status = $3
		WHERE id = $1 AND status = $2
	`, itemID, from, to))
	if err != nil {
		return false, fmt.Errorf("update item status: %w", err)
	}
	return ok, nil
}

// ReplaceItemCredential swaps the credential of a delivered item, guarded on
// the stock row it currently holds.
func (r *OrderRepository) ReplaceItemCredential(ctx context.Context, itemID, oldStockID, newStockID, content string, expiresAt *time.Time) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE order_items
		SET stock_item_id = $3, delivery_content = $4, delivered_at = NOW(), expires_at = $5
		WHERE id = $1 AND status = 'delivered' AND COALESCE(stock_item_id, '') = $2
	`, itemID, oldStockID, newStockID, content, expiresAt))
	if err != nil {
		return false, fmt.Errorf("replace item credential: %w", err)
	}
	return ok, nil
}

// CreateTicket opens a ticket unless an open one already exists for the same
// order, item and kind. It reports whether a new ticket was written.
func (r *OrderRepository) CreateTicket(ctx context.Context, ticket *domain.Ticket) (bool, error) {
	if ticket.ID == "" {
		ticket.ID = uuid.New().String()
	}
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusOpen
	}
	ticket.CreatedAt = time.Now().UTC()

	ok, err := changed(r.db.ExecContext(ctx, `
		INSERT INTO tickets (id, order_id, item_id, user_id, kind, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, ticket.ID, ticket.OrderID, ticket.ItemID, ticket.UserID, ticket.Kind, ticket.Status, ticket.Reason, ticket.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("create ticket: %w", err)
	}
	return ok, nil
}

func (r *OrderRepository) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, item_id, user_id, kind, status, reason, resolution, created_at
		FROM tickets WHERE id = $1
	`, id).Scan(&t.ID, &t.OrderID, &t.ItemID, &t.UserID, &t.Kind, &t.Status, &t.Reason, &t.Resolution, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &t, nil
}

func (r *OrderRepository) CloseTicket(ctx context.Context, id, resolution string) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE tickets SET status = 'closed', resolution = $2
		WHERE id = $1 AND status <> 'closed'
	`, id, resolution))
	if err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}
	return ok, nil
}
