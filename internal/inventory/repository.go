package inventory

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

// Repository stores credential rows. Every status change is a conditional
// update on the current status; a zero-row result means another writer won.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const stockColumns = `id, product_id, content, status, COALESCE(reserved_order_id, ''), reserved_at, sold_at, created_at`

func scanStock(rows *sql.Rows) ([]domain.StockItem, error) {
	defer func() { _ = rows.Close() }()

	var items []domain.StockItem
	for rows.Next() {
		var item domain.StockItem
		var reservedAt, soldAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Content, &item.Status,
			&item.ReservedOrderID, &reservedAt, &soldAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		if reservedAt.Valid {
			item.ReservedAt = &reservedAt.Time
		}
		if soldAt.Valid {
			item.SoldAt = &soldAt.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// AvailableStock returns up to limit available rows, oldest first.
func (r *Repository) AvailableStock(ctx context.Context, productID string, limit int) ([]domain.StockItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_items
		WHERE product_id = $1 AND status = 'available'
		ORDER BY created_at
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("query available stock: %w", err)
	}
	return scanStock(rows)
}

// ReservedStock returns up to limit rows held for orderID.
func (r *Repository) ReservedStock(ctx context.Context, orderID, productID string, limit int) ([]domain.StockItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stockColumns+`
		FROM stock_items
		WHERE reserved_order_id = $1 AND product_id = $2 AND status = 'reserved'
		ORDER BY reserved_at
		LIMIT $3
	`, orderID, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reserved stock: %w", err)
	}
	return scanStock(rows)
}

func changed(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

// ReserveStock holds an available row for a pending order.
func (r *Repository) ReserveStock(ctx context.Context, stockID, orderID string) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'reserved', reserved_order_id = $2, reserved_at = NOW()
		WHERE id = $1 AND status = 'available'
	`, stockID, orderID))
	if err != nil {
		return false, fmt.Errorf("reserve stock: %w", err)
	}
	return ok, nil
}

// MarkStockSold moves a row from status from to sold. A reserved row only
// sells to the order holding it.
func (r *Repository) MarkStockSold(ctx context.Context, stockID string, from domain.StockStatus, orderID string) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'sold', sold_at = NOW(), reserved_order_id = $3
		WHERE id = $1 AND status = $2
		  AND ($2 <> 'reserved' OR reserved_order_id = $3)
	`, stockID, from, orderID))
	if err != nil {
		return false, fmt.Errorf("mark stock sold: %w", err)
	}
	return ok, nil
}

// ReleaseStock returns a row in status from to available.
func (r *Repository) ReleaseStock(ctx context.Context, stockID string, from domain.StockStatus) (bool, error) {
	ok, err := changed(r.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', reserved_order_id = NULL, reserved_at = NULL, sold_at = NULL
		WHERE id = $1 AND status = $2
	`, stockID, from))
	if err != nil {
		return false, fmt.Errorf("release stock: %w", err)
	}
	return ok, nil
}

func (r *Repository) ReleaseOrderReservations(ctx context.Context, orderID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', reserved_order_id = NULL, reserved_at = NULL
		WHERE reserved_order_id = $1 AND status = 'reserved'
	`, orderID)
	if err != nil {
		return 0, fmt.Errorf("release order reservations: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ReleaseStaleReservations frees holds taken before the cutoff.
func (r *Repository) ReleaseStaleReservations(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stock_items
		SET status = 'available', reserved_order_id = NULL, reserved_at = NULL
		WHERE status = 'reserved' AND reserved_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("release stale reservations: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (r *Repository) CountAvailable(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_items WHERE product_id = $1 AND status = 'available'
	`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available stock: %w", err)
	}
	return n, nil
}

// HasStockFor reports whether any of the products has an available row or a
// row already held for orderID.
func (r *Repository) HasStockFor(ctx context.Context, orderID string, productIDs []string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM stock_items
			WHERE product_id = ANY($2)
			  AND (status = 'available' OR (status = 'reserved' AND reserved_order_id = $1))
		)
	`, orderID, pq.Array(productIDs)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check stock: %w", err)
	}
	return exists, nil
}

func (r *Repository) AddStock(ctx context.Context, productID string, contents []string) ([]domain.StockItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	items := make([]domain.StockItem, 0, len(contents))
	for _, content := range contents {
		item := domain.StockItem{
			ID:        uuid.New().String(),
			ProductID: productID,
			Content:   content,
			Status:    domain.StockStatusAvailable,
			CreatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_items (id, product_id, content, status, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, item.ID, item.ProductID, item.Content, item.Status, item.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return nil, domain.ErrNotFound
			}
			return nil, fmt.Errorf("insert stock item: %w", err)
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *Repository) StockLevel(ctx context.Context, productID string) (*domain.StockLevel, error) {
	level := &domain.StockLevel{ProductID: productID}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'available'),
			COUNT(*) FILTER (WHERE status = 'reserved'),
			COUNT(*) FILTER (WHERE status = 'sold')
		FROM stock_items
		WHERE product_id = $1
	`, productID).Scan(&level.Available, &level.Reserved, &level.Sold)
	if err != nil {
		return nil, fmt.Errorf("stock level: %w", err)
	}
	return level, nil
}
