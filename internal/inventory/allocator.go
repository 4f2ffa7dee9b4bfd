package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

type stockStore interface {
	AvailableStock(ctx context.Context, productID string, limit int) ([]domain.StockItem, error)
	ReservedStock(ctx context.Context, orderID, productID string, limit int) ([]domain.StockItem, error)
	ReserveStock(ctx context.Context, stockID, orderID string) (bool, error)
	MarkStockSold(ctx context.Context, stockID string, from domain.StockStatus, orderID string) (bool, error)
	ReleaseStock(ctx context.Context, stockID string, from domain.StockStatus) (bool, error)
}

// Allocator claims stock rows with conditional updates only. Losing a row to
// a concurrent worker is counted and skipped, never returned as an error.
type Allocator struct {
	store   stockStore
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewAllocator(store stockStore, metrics *telemetry.Metrics, logger *slog.Logger) *Allocator {
	return &Allocator{store: store, metrics: metrics, logger: logger}
}

// Hold reserves up to quantity available rows for a pending order and
// returns how many it got.
func (a *Allocator) Hold(ctx context.Context, orderID, productID string, quantity int) (int, error) {
	candidates, err := a.store.AvailableStock(ctx, productID, quantity)
	if err != nil {
		return 0, err
	}

	held := 0
	for _, c := range candidates {
		ok, err := a.store.ReserveStock(ctx, c.ID, orderID)
		if err != nil {
			return held, err
		}
		if !ok {
			a.metrics.StockContention(ctx, productID)
			continue
		}
		held++
	}
	return held, nil
}

// Allocate sells exactly quantity rows of productID to orderID, preferring
// rows already held for the order. When fewer rows can be claimed, every row
// taken is put back and nil is returned.
func (a *Allocator) Allocate(ctx context.Context, orderID, productID string, quantity int) ([]domain.StockItem, error) {
	sold := make([]domain.StockItem, 0, quantity)

	reserved, err := a.store.ReservedStock(ctx, orderID, productID, quantity)
	if err != nil {
		return nil, err
	}
	for _, c := range reserved {
		ok, err := a.store.MarkStockSold(ctx, c.ID, domain.StockStatusReserved, orderID)
		if err != nil {
			a.rollback(ctx, sold)
			return nil, err
		}
		if ok {
			c.Status = domain.StockStatusSold
			sold = append(sold, c)
		}
	}

	if remaining := quantity - len(sold); remaining > 0 {
		candidates, err := a.store.AvailableStock(ctx, productID, remaining)
		if err != nil {
			a.rollback(ctx, sold)
			return nil, err
		}
		for _, c := range candidates {
			ok, err := a.store.MarkStockSold(ctx, c.ID, domain.StockStatusAvailable, orderID)
			if err != nil {
				a.rollback(ctx, sold)
				return nil, err
			}
			if !ok {
				a.metrics.StockContention(ctx, productID)
				continue
			}
			c.Status = domain.StockStatusSold
			sold = append(sold, c)
		}
	}

	if len(sold) < quantity {
		a.rollback(ctx, sold)
		return nil, nil
	}
	return sold, nil
}

// Release puts sold rows back on the shelf.
func (a *Allocator) Release(ctx context.Context, items []domain.StockItem) error {
	var firstErr error
	for _, item := range items {
		if _, err := a.store.ReleaseStock(ctx, item.ID, domain.StockStatusSold); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release stock %s: %w", item.ID, err)
		}
	}
	return firstErr
}

func (a *Allocator) rollback(ctx context.Context, items []domain.StockItem) {
	if err := a.Release(ctx, items); err != nil {
		a.logger.Error("failed to roll back partial allocation", "error", err, "count", len(items))
	}
}
