// Package delivery hands credentials to paid orders. Every pass is safe to run
// concurrently with itself and to repeat back to back.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

const batchSize = 100

type repository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	DeliverItem(ctx context.Context, itemID, stockItemID, content string, deliveredAt time.Time, expiresAt *time.Time) (bool, error)
	MarkOrderNotified(ctx context.Context, id string) (bool, error)
	ListOrdersWithWaitingItems(ctx context.Context, limit int) ([]string, error)
}

type allocator interface {
	Allocate(ctx context.Context, orderID, productID string, quantity int) ([]domain.StockItem, error)
	Release(ctx context.Context, items []domain.StockItem) error
}

type productsLookup interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type statusRecomputer interface {
	RecomputeDeliveryStatus(ctx context.Context, order *domain.Order, delivered, waiting int) (domain.OrderStatus, error)
}

type savedCrediter interface {
	CreditSaved(ctx context.Context, orderID, userID string, amount decimal.Decimal) (bool, error)
}

type deliveryNotifier interface {
	NotifyDelivery(ctx context.Context, userID, orderID string, items []domain.OrderItem) error
}

type Deps struct {
	Repo      repository
	Allocator allocator
	Products  productsLookup
	Status    statusRecomputer
	Saved     savedCrediter
	Notifier  deliveryNotifier
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

type Worker struct {
	repo      repository
	allocator allocator
	products  productsLookup
	status    statusRecomputer
	saved     savedCrediter
	notifier  deliveryNotifier
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewWorker(deps Deps) *Worker {
	return &Worker{
		repo:      deps.Repo,
		allocator: deps.Allocator,
		products:  deps.Products,
		status:    deps.Status,
		saved:     deps.Saved,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type Options struct {
	// FirstDeliveryOnly leaves preorder items for the back-order sweep.
	FirstDeliveryOnly bool
}

type Result struct {
	Delivered int
	Waiting   int
	Newly     int
	Status    domain.OrderStatus
}

// Deliver fills every waiting item of a paid order it can get stock for.
func (w *Worker) Deliver(ctx context.Context, orderID string, opts Options) (Result, error) {
	order, err := w.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.Status.IsPaymentConfirmed() {
		w.logger.Info("order not deliverable", "order_id", order.ID, "status", order.Status)
		return Result{Status: order.Status}, nil
	}

	products, err := w.products.GetProducts(ctx, order.ProductIDs())
	if err != nil {
		return Result{}, err
	}

	var res Result
	var newly []domain.OrderItem
	for i := range order.Items {
		item := &order.Items[i]
		switch {
		case item.Status == domain.ItemStatusDelivered:
			res.Delivered++
			continue
		case item.Status.IsTerminal():
			continue
		case opts.FirstDeliveryOnly && item.FulfillmentType == domain.FulfillmentPreorder:
			res.Waiting++
			continue
		}

		if w.deliverItem(ctx, order, item, products[item.ProductID]) {
			res.Delivered++
			newly = append(newly, *item)
		} else if item.Status == domain.ItemStatusDelivered {
			res.Delivered++
		} else {
			res.Waiting++
		}
	}
	res.Newly = len(newly)
	w.metrics.ItemsDelivered(ctx, len(newly))

	res.Status, err = w.status.RecomputeDeliveryStatus(ctx, order, res.Delivered, res.Waiting)
	if err != nil {
		w.logger.Error("failed to update delivery status", "order_id", order.ID, "error", err)
	}

	if res.Delivered > 0 {
		saved := order.OriginalAmount.Sub(order.Amount)
		if _, err := w.saved.CreditSaved(ctx, order.ID, order.UserID, saved); err != nil {
			w.logger.Warn("failed to credit saved amount", "order_id", order.ID, "error", err)
		}
	}

	w.notify(ctx, order, res.Status, newly)

	w.logger.Info("delivery pass complete", "order_id", order.ID, "delivered", res.Delivered,
		"newly", res.Newly, "waiting", res.Waiting, "status", res.Status)
	return res, nil
}

// deliverItem claims one stock row for item and writes the credential. It
// reports whether this call delivered the item.
func (w *Worker) deliverItem(ctx context.Context, order *domain.Order, item *domain.OrderItem, product domain.Product) bool {
	stock, err := w.allocator.Allocate(ctx, order.ID, item.ProductID, 1)
	if err != nil {
		w.logger.Error("failed to allocate stock", "order_id", order.ID, "item_id", item.ID, "error", err)
		return false
	}
	if len(stock) == 0 {
		return false
	}

	now := w.now()
	var expiresAt *time.Time
	if product.DurationDays > 0 {
		exp := now.AddDate(0, 0, product.DurationDays)
		expiresAt = &exp
	}

	ok, err := w.repo.DeliverItem(ctx, item.ID, stock[0].ID, stock[0].Content, now, expiresAt)
	if err != nil || !ok {
		if err != nil {
			w.logger.Error("failed to write delivery", "order_id", order.ID, "item_id", item.ID, "error", err)
		} else {
			// Another pass delivered this item first.
			item.Status = domain.ItemStatusDelivered
		}
		if rerr := w.allocator.Release(ctx, stock); rerr != nil {
			w.logger.Error("failed to release unused stock", "order_id", order.ID, "stock_item_id", stock[0].ID, "error", rerr)
		}
		return false
	}

	item.Status = domain.ItemStatusDelivered
	item.StockItemID = stock[0].ID
	item.DeliveryContent = stock[0].Content
	item.DeliveredAt = &now
	item.ExpiresAt = expiresAt
	return true
}

// notify sends the newly delivered credentials. The message that completes an
// order is sent at most once; if an earlier pass completed the order without
// notifying, the message is rebuilt from the delivered items.
func (w *Worker) notify(ctx context.Context, order *domain.Order, status domain.OrderStatus, newly []domain.OrderItem) {
	items := newly
	if status == domain.OrderStatusDelivered {
		claimed, err := w.repo.MarkOrderNotified(ctx, order.ID)
		if err != nil {
			w.logger.Error("failed to claim delivery notification", "order_id", order.ID, "error", err)
			return
		}
		if !claimed && len(newly) == 0 {
			return
		}
		if claimed && len(newly) == 0 {
			items = deliveredItems(order.Items)
			w.logger.Info("recovering missed delivery notification", "order_id", order.ID, "items", len(items))
		}
	}
	if len(items) == 0 {
		return
	}

	if err := w.notifier.NotifyDelivery(ctx, order.UserID, order.ID, items); err != nil {
		w.logger.Warn("failed to send delivery notification", "order_id", order.ID, "error", err)
	}
}

func deliveredItems(items []domain.OrderItem) []domain.OrderItem {
	var out []domain.OrderItem
	for _, item := range items {
		if item.Status == domain.ItemStatusDelivered {
			out = append(out, item)
		}
	}
	return out
}

type BatchResult struct {
	Orders    int
	Delivered int
}

// DeliverBatch runs a full pass, preorders included, over paid orders still
// waiting on stock.
func (w *Worker) DeliverBatch(ctx context.Context) (BatchResult, error) {
	ids, err := w.repo.ListOrdersWithWaitingItems(ctx, batchSize)
	if err != nil {
		return BatchResult{}, err
	}

	var br BatchResult
	for _, id := range ids {
		if ctx.Err() != nil {
			return br, ctx.Err()
		}
		res, err := w.Deliver(ctx, id, Options{})
		if err != nil {
			w.logger.Error("batch delivery failed", "order_id", id, "error", err)
			continue
		}
		br.Orders++
		br.Delivered += res.Newly
	}
	return br, nil
}
