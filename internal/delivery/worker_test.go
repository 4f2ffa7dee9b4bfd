package delivery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/inventory"
	"github.com/joao-fontenele/orderengine/internal/memstore"
	"github.com/joao-fontenele/orderengine/internal/orders"
)

type deliveryMessage struct {
	orderID string
	items   []domain.OrderItem
}

type recordingNotifier struct {
	mu           sync.Mutex
	deliveries   []deliveryMessage
	replacements []domain.OrderItem
}

func (n *recordingNotifier) NotifyDelivery(_ context.Context, _, orderID string, items []domain.OrderItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, deliveryMessage{orderID: orderID, items: items})
	return nil
}

func (n *recordingNotifier) NotifyReplacement(_ context.Context, _ string, item domain.OrderItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replacements = append(n.replacements, item)
	return nil
}

func (n *recordingNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, m := range n.deliveries {
		total += len(m.items)
	}
	return total
}

type nopPaymentNotifier struct{}

func (nopPaymentNotifier) NotifyPaymentConfirmed(context.Context, *domain.Order) error { return nil }

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string, map[string]string) error { return nil }

type fixture struct {
	store     *memstore.Store
	notifier  *recordingNotifier
	lifecycle *orders.Lifecycle
	alloc     *inventory.Allocator
	worker    *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Streaming 1M", Price: decimal.NewFromInt(10), DurationDays: 30})
	store.PutUser("u1", decimal.Zero)

	f := &fixture{store: store, notifier: &recordingNotifier{}}
	f.lifecycle = orders.NewLifecycle(orders.LifecycleDeps{
		Repo:     store,
		Stock:    store,
		Products: store,
		Ledger:   store,
		Notifier: nopPaymentNotifier{},
		Alerts:   nopAlerter{},
		Logger:   logger,
	})
	f.alloc = inventory.NewAllocator(store, nil, logger)
	f.worker = NewWorker(Deps{
		Repo:      store,
		Allocator: f.alloc,
		Products:  store,
		Status:    f.lifecycle,
		Saved:     store,
		Notifier:  f.notifier,
		Logger:    logger,
	})
	return f
}

func (f *fixture) addStock(t *testing.T, n int) {
	t.Helper()
	for range n {
		_, err := f.store.AddStock(context.Background(), "p1", []string{"login:pass"})
		require.NoError(t, err)
	}
}

// paidOrder creates an order and confirms payment with the given item fulfillment types.
func (f *fixture) paidOrder(t *testing.T, types ...domain.FulfillmentType) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order := &domain.Order{
		UserID:         "u1",
		Amount:         decimal.NewFromInt(int64(8 * len(types))),
		OriginalAmount: decimal.NewFromInt(int64(10 * len(types))),
		Status:         domain.OrderStatusPending,
		PaymentMethod:  "cryptobot",
		PaymentGateway: "cryptobot",
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	for _, ft := range types {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:       "p1",
			ProductName:     "Streaming 1M",
			FulfillmentType: ft,
			Status:          domain.ItemStatusPending,
			Price:           decimal.NewFromInt(8),
		})
	}
	require.NoError(t, f.store.CreateOrder(ctx, order))
	_, err := f.lifecycle.MarkPaymentConfirmed(ctx, order.ID, orders.ConfirmOptions{SkipStockCheck: true})
	require.NoError(t, err)
	return order
}

func (f *fixture) order(t *testing.T, id string) *domain.Order {
	t.Helper()
	order, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}

func TestDeliver_FullOrder(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 2)
	order := f.paidOrder(t, domain.FulfillmentInstant, domain.FulfillmentInstant)

	res, err := f.worker.Deliver(context.Background(), order.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, Result{Delivered: 2, Newly: 2, Status: domain.OrderStatusDelivered}, res)
	stored := f.order(t, order.ID)
	assert.Equal(t, domain.OrderStatusDelivered, stored.Status)
	for _, item := range stored.Items {
		assert.Equal(t, domain.ItemStatusDelivered, item.Status)
		assert.Equal(t, "login:pass", item.DeliveryContent)
		require.NotNil(t, item.ExpiresAt)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *item.ExpiresAt, time.Minute)
	}
	assert.True(t, f.store.TotalSaved("u1").Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 2, f.notifier.deliveredCount())
}

func TestDeliver_NoStockLeavesItemsWaiting(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 1)
	order := f.paidOrder(t, domain.FulfillmentInstant, domain.FulfillmentInstant)

	res, err := f.worker.Deliver(context.Background(), order.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Waiting)
	assert.Equal(t, domain.OrderStatusPartial, res.Status)
	assert.Equal(t, 1, f.notifier.deliveredCount())
}

func TestDeliver_FirstDeliveryOnlySkipsPreorders(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 2)
	order := f.paidOrder(t, domain.FulfillmentInstant, domain.FulfillmentPreorder)

	res, err := f.worker.Deliver(context.Background(), order.ID, Options{FirstDeliveryOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Waiting)

	level, err := f.store.StockLevel(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, level.Available)
}

func TestDeliver_UnpaidOrderIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 1)
	order := &domain.Order{
		UserID:    "u1",
		Status:    domain.OrderStatusPending,
		ExpiresAt: time.Now().Add(time.Hour),
		Items:     []domain.OrderItem{{ProductID: "p1", FulfillmentType: domain.FulfillmentInstant, Status: domain.ItemStatusPending}},
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), order))

	res, err := f.worker.Deliver(context.Background(), order.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, res.Status)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, f.notifier.deliveries)
}

func TestDeliver_RerunDoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 1)
	order := f.paidOrder(t, domain.FulfillmentInstant)
	ctx := context.Background()

	_, err := f.worker.Deliver(ctx, order.ID, Options{})
	require.NoError(t, err)
	res, err := f.worker.Deliver(ctx, order.ID, Options{})
	require.NoError(t, err)

	assert.Zero(t, res.Newly)
	assert.Len(t, f.notifier.deliveries, 1)
}

func TestDeliver_RecoversMissedNotification(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 1)
	order := f.paidOrder(t, domain.FulfillmentInstant)
	ctx := context.Background()

	// A previous pass delivered and completed the order but died before notifying.
	stock, err := f.alloc.Allocate(ctx, order.ID, "p1", 1)
	require.NoError(t, err)
	require.Len(t, stock, 1)
	_, err = f.store.DeliverItem(ctx, order.Items[0].ID, stock[0].ID, stock[0].Content, time.Now(), nil)
	require.NoError(t, err)
	_, err = f.lifecycle.Transition(ctx, order.ID, domain.OrderStatusDelivered)
	require.NoError(t, err)

	res, err := f.worker.Deliver(ctx, order.ID, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Newly)
	require.Len(t, f.notifier.deliveries, 1)
	assert.Len(t, f.notifier.deliveries[0].items, 1)
}

func TestDeliver_ConcurrentPassesDeliverEachItemOnce(t *testing.T) {
	f := newFixture(t)
	f.addStock(t, 3)
	order := f.paidOrder(t, domain.FulfillmentInstant, domain.FulfillmentInstant, domain.FulfillmentInstant)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.worker.Deliver(ctx, order.ID, Options{}); err != nil {
				t.Errorf("deliver: %v", err)
			}
		}()
	}
	wg.Wait()
	_, err := f.worker.Deliver(ctx, order.ID, Options{})
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, domain.OrderStatusDelivered, stored.Status)
	seen := map[string]bool{}
	for _, item := range stored.Items {
		assert.Equal(t, domain.ItemStatusDelivered, item.Status)
		assert.False(t, seen[item.StockItemID], "stock %s delivered twice", item.StockItemID)
		seen[item.StockItemID] = true
	}

	level, err := f.store.StockLevel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, level.Sold)
	assert.GreaterOrEqual(t, f.notifier.deliveredCount(), 3)
}

func TestDeliverBatch(t *testing.T) {
	f := newFixture(t)
	first := f.paidOrder(t, domain.FulfillmentPreorder)
	second := f.paidOrder(t, domain.FulfillmentPreorder, domain.FulfillmentPreorder)
	f.addStock(t, 2)

	br, err := f.worker.DeliverBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, br.Orders)
	assert.Equal(t, 2, br.Delivered)
	delivered := 0
	for _, id := range []string{first.ID, second.ID} {
		delivered += domain.CountItems(f.order(t, id).Items).Delivered
	}
	assert.Equal(t, 2, delivered)
}
