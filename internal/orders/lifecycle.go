package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

const defaultFulfillmentHours = 48

type lifecycleRepository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to domain.OrderStatus) (bool, error)
	SetPaymentDetails(ctx context.Context, id, paymentID, paymentURL string) error
	SetFulfillmentDeadline(ctx context.Context, id string, deadline time.Time) error
}

type stockChecker interface {
	HasStockFor(ctx context.Context, orderID string, productIDs []string) (bool, error)
}

type productsLookup interface {
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type purchaseLedger interface {
	RecordPurchase(ctx context.Context, order *domain.Order) error
	RecordExpenses(ctx context.Context, orderID string) error
}

type paymentNotifier interface {
	NotifyPaymentConfirmed(ctx context.Context, order *domain.Order) error
}

type alerter interface {
	Alert(ctx context.Context, event string, fields map[string]string) error
}

// Lifecycle owns every order status change. Writes are compare-and-set on the
// status read just before, so concurrent callers converge instead of
// overwriting each other.
type Lifecycle struct {
	repo     lifecycleRepository
	stock    stockChecker
	products productsLookup
	ledger   purchaseLedger
	notifier paymentNotifier
	alerts   alerter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type LifecycleDeps struct {
	Repo     lifecycleRepository
	Stock    stockChecker
	Products productsLookup
	Ledger   purchaseLedger
	Notifier paymentNotifier
	Alerts   alerter
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func NewLifecycle(deps LifecycleDeps) *Lifecycle {
	return &Lifecycle{
		repo:     deps.Repo,
		stock:    deps.Stock,
		products: deps.Products,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves an order to status to. A transition outside the lifecycle
// table fails with domain.ErrTransitionNotAllowed. Asking for the status the
// order already has is a no-op.
func (l *Lifecycle) Transition(ctx context.Context, id string, to domain.OrderStatus) (*domain.Order, error) {
	order, err := l.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status == to {
		return order, nil
	}

	for range 3 {
		if !domain.CanTransition(order.Status, to) {
			l.logger.Warn("order transition rejected", "order_id", id, "from", order.Status, "to", to)
			return nil, fmt.Errorf("%s -> %s: %w", order.Status, to, domain.ErrTransitionNotAllowed)
		}

		ok, err := l.repo.CompareAndSetStatus(ctx, id, order.Status, to)
		if err != nil {
			return nil, err
		}
		if ok {
			order.Status = to
			return order, nil
		}

		// Lost a race; re-read and re-validate against the new status.
		if order, err = l.repo.GetOrder(ctx, id); err != nil {
			return nil, err
		}
		if order.Status == to {
			return order, nil
		}
	}
	return nil, fmt.Errorf("transition order %s: too much contention", id)
}

type ConfirmOptions struct {
	PaymentID string
	// SkipStockCheck commits paid regardless of stock.
	SkipStockCheck bool
}

type ConfirmResult struct {
	Status domain.OrderStatus
	// Changed is false when the order was already confirmed.
	Changed bool
}

// MarkPaymentConfirmed records a payment. It is idempotent: an order already
// paid, prepaid, partial or delivered is left as is and its status returned.
func (l *Lifecycle) MarkPaymentConfirmed(ctx context.Context, id string, opts ConfirmOptions) (ConfirmResult, error) {
	order, err := l.repo.GetOrder(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if order.Status.IsPaymentConfirmed() {
		return ConfirmResult{Status: order.Status}, nil
	}
	if order.Status != domain.OrderStatusPending {
		return ConfirmResult{}, fmt.Errorf("confirm %s order: %w", order.Status, domain.ErrTransitionNotAllowed)
	}

	target := domain.OrderStatusPaid
	if !opts.SkipStockCheck {
		inStock, err := l.stock.HasStockFor(ctx, order.ID, order.ProductIDs())
		if err != nil {
			return ConfirmResult{}, fmt.Errorf("check stock: %w", err)
		}
		if !inStock {
			target = domain.OrderStatusPrepaid
		}
	}

	if opts.PaymentID != "" && opts.PaymentID != order.PaymentID {
		if err := l.repo.SetPaymentDetails(ctx, order.ID, opts.PaymentID, ""); err != nil {
			return ConfirmResult{}, err
		}
		order.PaymentID = opts.PaymentID
	}

	ok, err := l.repo.CompareAndSetStatus(ctx, order.ID, domain.OrderStatusPending, target)
	if err != nil {
		return ConfirmResult{}, err
	}
	if !ok {
		current, err := l.repo.GetOrder(ctx, id)
		if err != nil {
			return ConfirmResult{}, err
		}
		if current.Status.IsPaymentConfirmed() {
			return ConfirmResult{Status: current.Status}, nil
		}
		return ConfirmResult{}, fmt.Errorf("confirm %s order: %w", current.Status, domain.ErrTransitionNotAllowed)
	}

	order.Status = target
	l.metrics.OrderConfirmed(ctx, string(target))
	l.logger.Info("payment confirmed", "order_id", order.ID, "status", target, "method", order.PaymentMethod)

	l.afterConfirm(ctx, order)
	return ConfirmResult{Status: target, Changed: true}, nil
}

type step struct {
	name string
	run  func(ctx context.Context, order *domain.Order) error
}

// afterConfirm runs the post-payment steps in order. The status change is
// already committed; a failing step is logged and the rest still run.
func (l *Lifecycle) afterConfirm(ctx context.Context, order *domain.Order) {
	steps := []step{
		{"admin_alert", l.alertPaid},
		{"user_notification", l.notifier.NotifyPaymentConfirmed},
		{"purchase_ledger", l.recordPurchase},
		{"fulfillment_deadline", l.scheduleDeadline},
		{"expense_accounting", func(ctx context.Context, order *domain.Order) error {
			return l.ledger.RecordExpenses(ctx, order.ID)
		}},
	}

	for _, s := range steps {
		if err := s.run(ctx, order); err != nil {
			l.logger.Warn("post-payment step failed", "step", s.name, "order_id", order.ID, "error", err)
		}
	}
}

func (l *Lifecycle) alertPaid(ctx context.Context, order *domain.Order) error {
	return l.alerts.Alert(ctx, "order_paid", map[string]string{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"status":   string(order.Status),
		"amount":   order.Amount.StringFixed(2),
		"method":   order.PaymentMethod,
	})
}

func (l *Lifecycle) recordPurchase(ctx context.Context, order *domain.Order) error {
	if order.PaymentMethod == domain.PaymentMethodBalance {
		return nil
	}
	return l.ledger.RecordPurchase(ctx, order)
}

// scheduleDeadline sets the refund deadline for orders that may wait on stock.
func (l *Lifecycle) scheduleDeadline(ctx context.Context, order *domain.Order) error {
	if order.Status != domain.OrderStatusPrepaid && !order.HasPreorderItems() {
		return nil
	}

	products, err := l.products.GetProducts(ctx, order.ProductIDs())
	if err != nil {
		return err
	}
	hours := 0
	for _, p := range products {
		hours = max(hours, p.FulfillmentHours)
	}
	if hours == 0 {
		hours = defaultFulfillmentHours
	}

	deadline := l.now().Add(time.Duration(hours) * time.Hour)
	order.FulfillmentDeadline = &deadline
	return l.repo.SetFulfillmentDeadline(ctx, order.ID, deadline)
}

// RecomputeDeliveryStatus applies a delivery pass outcome. delivered and
// waiting count every item of the order, including earlier deliveries.
func (l *Lifecycle) RecomputeDeliveryStatus(ctx context.Context, order *domain.Order, delivered, waiting int) (domain.OrderStatus, error) {
	target := domain.DeliveryStatus(order.Status, delivered, waiting)
	if order.Status == domain.OrderStatusPartial && waiting == 0 {
		target = domain.StatusFromItems(order.Status, order.Items)
	}
	if target == order.Status {
		return order.Status, nil
	}

	updated, err := l.Transition(ctx, order.ID, target)
	if err != nil {
		return order.Status, err
	}
	order.Status = updated.Status
	return updated.Status, nil
}
