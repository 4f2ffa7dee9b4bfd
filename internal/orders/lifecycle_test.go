package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/memstore"
)

type lifecycleFixture struct {
	store    *memstore.Store
	notifier *recordingNotifier
	alerts   *recordingAlerter
	life     *Lifecycle
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	store := memstore.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Streaming 1M", Price: decimal.NewFromInt(10), FulfillmentHours: 24})
	store.PutUser("u1", decimal.NewFromInt(100))

	f := &lifecycleFixture{
		store:    store,
		notifier: &recordingNotifier{},
		alerts:   &recordingAlerter{},
	}
	f.life = NewLifecycle(LifecycleDeps{
		Repo:     store,
		Stock:    store,
		Products: store,
		Ledger:   store,
		Notifier: f.notifier,
		Alerts:   f.alerts,
		Logger:   discardLogger(),
	})
	return f
}

func (f *lifecycleFixture) pendingOrder(t *testing.T, method string, fulfillment ...domain.FulfillmentType) *domain.Order {
	t.Helper()
	order := &domain.Order{
		UserID:         "u1",
		Amount:         decimal.NewFromInt(10),
		OriginalAmount: decimal.NewFromInt(10),
		Status:         domain.OrderStatusPending,
		PaymentMethod:  method,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	if method != domain.PaymentMethodBalance {
		order.PaymentGateway = method
	}
	for _, ft := range fulfillment {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:       "p1",
			FulfillmentType: ft,
			Status:          domain.ItemStatusPending,
			Price:           decimal.NewFromInt(10),
		})
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), order))
	return order
}

func (f *lifecycleFixture) purchases(orderID string) int {
	n := 0
	for _, tx := range f.store.Transactions() {
		if tx.Reference == "purchase-"+orderID {
			n++
		}
	}
	return n
}

func TestMarkPaymentConfirmed_PaidWhenInStock(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	_, err := f.store.AddStock(ctx, "p1", []string{"a"})
	require.NoError(t, err)
	order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)

	result, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{PaymentID: "inv-1"})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.OrderStatusPaid, result.Status)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", stored.PaymentID)
	assert.Nil(t, stored.FulfillmentDeadline)
	assert.Equal(t, []string{order.ID}, f.notifier.confirmed)
	assert.Equal(t, []string{"order_paid"}, f.alerts.events)
	assert.Equal(t, 1, f.purchases(order.ID))
}

func TestMarkPaymentConfirmed_PrepaidSetsDeadline(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t, "freekassa", domain.FulfillmentPreorder)

	before := time.Now().UTC()
	result, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPrepaid, result.Status)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FulfillmentDeadline)
	assert.WithinDuration(t, before.Add(24*time.Hour), *stored.FulfillmentDeadline, time.Minute)
}

func TestMarkPaymentConfirmed_SkipStockCheck(t *testing.T) {
	f := newLifecycleFixture(t)
	order := f.pendingOrder(t, "rukassa", domain.FulfillmentInstant)

	result, err := f.life.MarkPaymentConfirmed(context.Background(), order.ID, ConfirmOptions{SkipStockCheck: true})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, result.Status)
}

func TestMarkPaymentConfirmed_Idempotent(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)

	first, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{PaymentID: "inv-1"})
	require.NoError(t, err)
	second, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{PaymentID: "inv-1"})
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.purchases(order.ID))
	assert.Len(t, f.notifier.confirmed, 1)
}

func TestMarkPaymentConfirmed_ConcurrentCallsConfirmOnce(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)

	var mu sync.Mutex
	changed := 0
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{})
			if err != nil {
				t.Errorf("confirm: %v", err)
				return
			}
			if result.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, f.purchases(order.ID))
}

func TestMarkPaymentConfirmed_BalanceSkipsPurchaseLedger(t *testing.T) {
	f := newLifecycleFixture(t)
	order := f.pendingOrder(t, domain.PaymentMethodBalance, domain.FulfillmentInstant)

	_, err := f.life.MarkPaymentConfirmed(context.Background(), order.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.Zero(t, f.purchases(order.ID))
}

func TestMarkPaymentConfirmed_FailingStepDoesNotAbort(t *testing.T) {
	f := newLifecycleFixture(t)
	f.alerts.err = errors.New("alerts down")
	order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)

	result, err := f.life.MarkPaymentConfirmed(context.Background(), order.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Len(t, f.notifier.confirmed, 1)
	assert.Equal(t, 1, f.purchases(order.ID))
}

func TestMarkPaymentConfirmed_CancelledOrderRejected(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)
	_, err := f.store.CancelOrder(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{})
	assert.ErrorIs(t, err, domain.ErrTransitionNotAllowed)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.OrderStatus
		wantErr error
	}{
		{name: "pending to paid", path: []domain.OrderStatus{domain.OrderStatusPaid}},
		{name: "paid to partial to delivered", path: []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusPartial, domain.OrderStatusDelivered}},
		{name: "same status is a no-op", path: []domain.OrderStatus{domain.OrderStatusPending}},
		{name: "pending to delivered rejected", path: []domain.OrderStatus{domain.OrderStatusDelivered}, wantErr: domain.ErrTransitionNotAllowed},
		{name: "delivered is terminal", path: []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusDelivered, domain.OrderStatusRefunded}, wantErr: domain.ErrTransitionNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLifecycleFixture(t)
			order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant)

			var err error
			for _, to := range tt.path {
				if _, err = f.life.Transition(context.Background(), order.ID, to); err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			stored, err := f.store.GetOrder(context.Background(), order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.path[len(tt.path)-1], stored.Status)
		})
	}
}

func TestRecomputeDeliveryStatus(t *testing.T) {
	t.Run("partial delivery", func(t *testing.T) {
		f := newLifecycleFixture(t)
		ctx := context.Background()
		order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant, domain.FulfillmentPreorder)
		_, err := f.life.Transition(ctx, order.ID, domain.OrderStatusPaid)
		require.NoError(t, err)
		order.Status = domain.OrderStatusPaid

		status, err := f.life.RecomputeDeliveryStatus(ctx, order, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPartial, status)
	})

	t.Run("partial with nothing waiting heals from item statuses", func(t *testing.T) {
		f := newLifecycleFixture(t)
		ctx := context.Background()
		order := f.pendingOrder(t, "cryptobot", domain.FulfillmentInstant, domain.FulfillmentPreorder)
		_, err := f.life.Transition(ctx, order.ID, domain.OrderStatusPaid)
		require.NoError(t, err)
		_, err = f.life.Transition(ctx, order.ID, domain.OrderStatusPartial)
		require.NoError(t, err)

		order, err = f.store.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		order.Items[0].Status = domain.ItemStatusDelivered
		order.Items[1].Status = domain.ItemStatusRefunded

		status, err := f.life.RecomputeDeliveryStatus(ctx, order, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusDelivered, status)
	})

	t.Run("nothing delivered keeps status", func(t *testing.T) {
		f := newLifecycleFixture(t)
		ctx := context.Background()
		order := f.pendingOrder(t, "cryptobot", domain.FulfillmentPreorder)
		result, err := f.life.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{})
		require.NoError(t, err)
		order.Status = result.Status

		status, err := f.life.RecomputeDeliveryStatus(ctx, order, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPrepaid, status)
	})
}
