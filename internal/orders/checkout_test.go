package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/inventory"
	"github.com/joao-fontenele/orderengine/internal/memstore"
	"github.com/joao-fontenele/orderengine/internal/pricing"
)

type checkoutFixture struct {
	store      *memstore.Store
	carts      *fakeCarts
	invoices   *stubInvoices
	cooldown   *memCooldown
	dispatcher *recordingDispatcher
	service    *CheckoutService
}

func newCheckoutFixture(t *testing.T, balance int64, stock int) *checkoutFixture {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	store := memstore.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Streaming 1M", Price: decimal.NewFromInt(10)})
	store.PutUser("u1", decimal.NewFromInt(balance))
	for range stock {
		_, err := store.AddStock(ctx, "p1", []string{"login:pass"})
		require.NoError(t, err)
	}

	f := &checkoutFixture{
		store:      store,
		carts:      &fakeCarts{carts: map[string]*domain.Cart{}},
		invoices:   &stubInvoices{},
		cooldown:   newMemCooldown(),
		dispatcher: &recordingDispatcher{},
	}
	lifecycle := NewLifecycle(LifecycleDeps{
		Repo:     store,
		Stock:    store,
		Products: store,
		Ledger:   store,
		Notifier: &recordingNotifier{},
		Alerts:   &recordingAlerter{},
		Logger:   logger,
	})
	f.service = NewCheckoutService(CheckoutDeps{
		Carts:        f.carts,
		Products:     store,
		Stock:        store,
		Holder:       inventory.NewAllocator(store, nil, logger),
		Reservations: store,
		Pricing:      pricing.NewEngine("USD", nil, logger, nil),
		Repo:         store,
		Ledger:       store,
		Confirmer:    lifecycle,
		Invoices:     f.invoices,
		Promos:       store,
		Cooldown:     f.cooldown,
		Dispatcher:   f.dispatcher,
		Gateways:     []string{"cryptobot"},
		PaymentTTL:   30 * time.Minute,
		Logger:       logger,
	})
	return f
}

func (f *checkoutFixture) putCart(quantity, instant int) {
	f.carts.carts["u1"] = &domain.Cart{
		UserID: "u1",
		Items: []domain.CartItem{{
			ProductID:       "p1",
			ProductName:     "Streaming 1M",
			Quantity:        quantity,
			InstantQuantity: instant,
			PrepaidQuantity: quantity - instant,
			UnitPrice:       decimal.NewFromInt(10),
		}},
	}
}

func (f *checkoutFixture) userOrders(t *testing.T) []domain.Order {
	t.Helper()
	orders, err := f.store.ListUserOrders(context.Background(), "u1")
	require.NoError(t, err)
	return orders
}

func TestCheckout_Balance(t *testing.T) {
	f := newCheckoutFixture(t, 100, 2)
	f.putCart(3, 2)
	ctx := context.Background()

	order, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.True(t, order.Amount.Equal(decimal.NewFromInt(30)), "amount %s", order.Amount)
	require.Len(t, order.Items, 3)
	assert.Equal(t, domain.FulfillmentInstant, order.Items[0].FulfillmentType)
	assert.Equal(t, domain.FulfillmentInstant, order.Items[1].FulfillmentType)
	assert.Equal(t, domain.FulfillmentPreorder, order.Items[2].FulfillmentType)
	assert.True(t, sumPrices(order.Items).Equal(order.Amount), "items sum %s", sumPrices(order.Items))

	balance, err := f.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(70)), "balance %s", balance)

	assert.Equal(t, []dispatchCall{
		{kind: "delivery", orderID: order.ID, firstOnly: true},
		{kind: "referral", orderID: order.ID},
	}, f.dispatcher.calls)
	assert.Equal(t, []string{"u1"}, f.carts.cleared)
	assert.Empty(t, f.cooldown.released)
}

type fixedRate decimal.Decimal

func (r fixedRate) Rate(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

func sumPrices(items []domain.OrderItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price)
	}
	return sum
}

func TestBuildOrder_ItemPricesSumToAmount(t *testing.T) {
	tests := []struct {
		name      string
		rates     pricing.RateSource
		request   pricing.Request
		wantTotal string
	}{
		{
			name:  "foreign currency anchor",
			rates: fixedRate(decimal.NewFromInt(100)),
			request: pricing.Request{
				Items: []domain.CartItem{{ProductID: "p1", Quantity: 1, InstantQuantity: 1, UnitPrice: decimal.NewFromInt(10)}},
				Products: map[string]domain.Product{
					"p1": {ID: "p1", FiatPrices: map[string]decimal.Decimal{"RUB": decimal.NewFromInt(500)}},
				},
				Currency: "RUB",
			},
			wantTotal: "5",
		},
		{
			name: "discount rounding",
			request: pricing.Request{
				Items:        []domain.CartItem{{ProductID: "p1", Quantity: 3, InstantQuantity: 3, UnitPrice: decimal.RequireFromString("3.33")}},
				PromoPercent: 10,
			},
			wantTotal: "8.99",
		},
		{
			name: "mixed lines",
			request: pricing.Request{
				Items: []domain.CartItem{
					{ProductID: "p1", Quantity: 2, InstantQuantity: 2, UnitPrice: decimal.RequireFromString("1.99")},
					{ProductID: "p2", Quantity: 1, InstantQuantity: 1, UnitPrice: decimal.RequireFromString("7.01")},
				},
				PromoPercent: 15,
			},
			wantTotal: "9.34",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCheckoutFixture(t, 0, 0)
			engine := pricing.NewEngine("USD", tt.rates, discardLogger(), nil)
			quote, err := engine.Quote(context.Background(), tt.request)
			require.NoError(t, err)
			require.True(t, quote.Amount.Equal(decimal.RequireFromString(tt.wantTotal)), "amount %s", quote.Amount)

			order := f.service.buildOrder("u1", "cryptobot", quote)
			assert.True(t, sumPrices(order.Items).Equal(order.Amount),
				"items sum to %s, order charged %s", sumPrices(order.Items), order.Amount)
			for _, item := range order.Items {
				assert.False(t, item.Price.IsNegative(), "negative item price %s", item.Price)
			}
		})
	}
}

type failingConfirmer struct{}

func (failingConfirmer) MarkPaymentConfirmed(context.Context, string, ConfirmOptions) (ConfirmResult, error) {
	return ConfirmResult{}, errors.New("database unavailable")
}

func TestCheckout_BalanceConfirmFailureKeepsDebitedOrderPending(t *testing.T) {
	f := newCheckoutFixture(t, 100, 1)
	f.service.deps.Confirmer = failingConfirmer{}
	f.putCart(1, 1)
	ctx := context.Background()

	order, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Empty(t, f.dispatcher.calls)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Equal(t, domain.PaymentMethodBalance, stored.PaymentMethod)

	balance, err := f.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(90)), "balance %s", balance)
}

func TestCheckout_InsufficientBalanceDiscardsOrder(t *testing.T) {
	f := newCheckoutFixture(t, 5, 2)
	f.putCart(1, 1)

	_, err := f.service.Checkout(context.Background(), CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Empty(t, f.userOrders(t))
	assert.Empty(t, f.dispatcher.calls)
	assert.Empty(t, f.carts.cleared)
	assert.Equal(t, []string{"u1"}, f.cooldown.released)
}

func TestCheckout_GatewayHoldsStock(t *testing.T) {
	f := newCheckoutFixture(t, 0, 3)
	f.putCart(2, 2)
	ctx := context.Background()

	order, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", Currency: "usd", PaymentMethod: "CryptoBot"})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "cryptobot", order.PaymentGateway)
	assert.Equal(t, "inv-"+order.ID, order.PaymentID)
	assert.NotEmpty(t, order.PaymentURL)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), order.ExpiresAt, time.Minute)

	require.Len(t, f.invoices.requests, 1)
	assert.True(t, f.invoices.requests[0].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "USD", f.invoices.requests[0].Currency)

	level, err := f.store.StockLevel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, level.Reserved)
	assert.Equal(t, 1, level.Available)
	assert.Empty(t, f.dispatcher.calls)
}

func TestCheckout_GatewayFailureReleasesHolds(t *testing.T) {
	f := newCheckoutFixture(t, 0, 2)
	f.putCart(2, 2)
	f.invoices.err = errGatewayDown
	ctx := context.Background()

	_, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "cryptobot"})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	level, err := f.store.StockLevel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, level.Available)
	assert.Zero(t, level.Reserved)
	assert.Empty(t, f.userOrders(t))
	assert.NotEmpty(t, f.carts.carts)
}

func TestCheckout_Cooldown(t *testing.T) {
	f := newCheckoutFixture(t, 100, 5)
	f.putCart(1, 1)
	ctx := context.Background()

	_, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	require.NoError(t, err)

	f.putCart(1, 1)
	_, err = f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	assert.ErrorIs(t, err, domain.ErrCheckoutCooldown)
	assert.Len(t, f.userOrders(t), 1)
}

func TestCheckout_StockChanged(t *testing.T) {
	f := newCheckoutFixture(t, 100, 1)
	f.putCart(2, 2)

	_, err := f.service.Checkout(context.Background(), CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	assert.ErrorIs(t, err, domain.ErrStockChanged)
	assert.Empty(t, f.userOrders(t))
	assert.Equal(t, []string{"u1"}, f.cooldown.released)
}

func TestCheckout_PromoUsageRecorded(t *testing.T) {
	f := newCheckoutFixture(t, 100, 1)
	f.store.PutPromo(domain.PromoCode{Code: "SALE20", DiscountPercent: 20, UsageLimit: 10, Active: true})
	f.putCart(1, 1)
	f.carts.carts["u1"].PromoCode = "SALE20"
	f.carts.carts["u1"].PromoPercent = 20
	ctx := context.Background()

	order, err := f.service.Checkout(ctx, CheckoutRequest{UserID: "u1", PaymentMethod: "balance"})
	require.NoError(t, err)
	assert.True(t, order.Amount.Equal(decimal.NewFromInt(8)), "amount %s", order.Amount)
	assert.Equal(t, 20, order.DiscountPercent)

	promo, err := f.store.GetPromo(ctx, "SALE20")
	require.NoError(t, err)
	assert.Equal(t, 1, promo.UsageCount)
}

func TestCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		cart    bool
		wantErr error
	}{
		{name: "unknown gateway", method: "paypal", cart: true, wantErr: domain.ErrUnknownGateway},
		{name: "empty cart", method: "balance", cart: false, wantErr: domain.ErrCartEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCheckoutFixture(t, 100, 1)
			if tt.cart {
				f.putCart(1, 1)
			}
			_, err := f.service.Checkout(context.Background(), CheckoutRequest{UserID: "u1", PaymentMethod: tt.method})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.userOrders(t))
		})
	}
}
