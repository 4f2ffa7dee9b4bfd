package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/ledger"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

const (
	sweepLimit = 100

	ReasonDeadline = "fulfillment_deadline"
)

type refundRepository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CompareAndSetItemStatus(ctx context.Context, itemID string, from, to domain.ItemStatus) (bool, error)
	ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type balanceCrediter interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error)
}

type transitioner interface {
	Transition(ctx context.Context, id string, to domain.OrderStatus) (*domain.Order, error)
}

type refundNotifier interface {
	NotifyRefund(ctx context.Context, userID, orderID string, amount decimal.Decimal, partial bool) error
}

type RefunderDeps struct {
	Repo      refundRepository
	Ledger    balanceCrediter
	Lifecycle transitioner
	Notifier  refundNotifier
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Refunder returns money for items that will not be delivered.
type Refunder struct {
	deps RefunderDeps
	now  func() time.Time
}

func NewRefunder(deps RefunderDeps) *Refunder {
	return &Refunder{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

type RefundResult struct {
	Items   int
	Amount  decimal.Decimal
	Partial bool
	Status  domain.OrderStatus
}

// RefundOrder refunds every waiting item of a paid order to the buyer's
// balance. Each credit is keyed by item id and lands before the item is
// marked refunded, so rerunning after any failure pays exactly once.
func (r *Refunder) RefundOrder(ctx context.Context, orderID, reason string) (RefundResult, error) {
	order, err := r.deps.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}
	res := RefundResult{Amount: decimal.Zero, Status: order.Status}
	if !order.Status.IsPaymentConfirmed() || order.Status == domain.OrderStatusDelivered {
		return res, nil
	}

	var creditErr error
	for i := range order.Items {
		item := &order.Items[i]
		if !item.Status.IsWaiting() {
			continue
		}

		if _, err := r.deps.Ledger.Credit(ctx, order.UserID, item.Price, reason, ledger.RefundReference(item.ID)); err != nil {
			r.deps.Logger.Error("refund credit failed, item stays waiting",
				"order_id", order.ID, "item_id", item.ID, "amount", item.Price.String(), "error", err)
			if creditErr == nil {
				creditErr = fmt.Errorf("credit item %s: %w", item.ID, err)
			}
			continue
		}

		ok, err := r.deps.Repo.CompareAndSetItemStatus(ctx, item.ID, item.Status, domain.ItemStatusRefunded)
		if err != nil {
			return res, err
		}
		if !ok {
			r.deps.Logger.Error("item changed while refunding, credit needs review",
				"order_id", order.ID, "item_id", item.ID, "amount", item.Price.String())
			continue
		}
		item.Status = domain.ItemStatusRefunded
		res.Items++
		res.Amount = res.Amount.Add(item.Price)
	}

	c := domain.CountItems(order.Items)
	switch {
	case len(order.Items) == 0:
	case c.Delivered == len(order.Items):
		res.Status = r.transition(ctx, order, domain.OrderStatusDelivered)
	case c.Closed == len(order.Items):
		res.Status = r.transition(ctx, order, domain.OrderStatusRefunded)
	default:
		res.Partial = c.Closed > 0
	}
	if res.Items == 0 {
		return res, creditErr
	}
	r.deps.Metrics.Refunded(ctx, reason, res.Items)

	if err := r.deps.Notifier.NotifyRefund(ctx, order.UserID, order.ID, res.Amount, res.Partial); err != nil {
		r.deps.Logger.Warn("failed to send refund notification", "order_id", order.ID, "error", err)
	}

	r.deps.Logger.Info("order refunded", "order_id", order.ID, "items", res.Items,
		"amount", res.Amount.String(), "partial", res.Partial, "reason", reason)
	return res, creditErr
}

func (r *Refunder) transition(ctx context.Context, order *domain.Order, to domain.OrderStatus) domain.OrderStatus {
	updated, err := r.deps.Lifecycle.Transition(ctx, order.ID, to)
	if err != nil {
		r.deps.Logger.Error("failed to update refunded order status", "order_id", order.ID, "to", to, "error", err)
		return order.Status
	}
	return updated.Status
}

type SweepResult struct {
	Orders int `json:"orders"`
	Items  int `json:"items"`
}

// RefundOverdue refunds orders whose fulfillment deadline has passed.
func (r *Refunder) RefundOverdue(ctx context.Context) (SweepResult, error) {
	ids, err := r.deps.Repo.ListOverdueOrders(ctx, r.now(), sweepLimit)
	if err != nil {
		return SweepResult{}, err
	}

	var sr SweepResult
	for _, id := range ids {
		res, err := r.RefundOrder(ctx, id, ReasonDeadline)
		if err != nil {
			r.deps.Logger.Error("overdue refund failed", "order_id", id, "error", err)
		}
		if res.Items > 0 {
			sr.Orders++
			sr.Items += res.Items
		}
	}
	return sr, nil
}
