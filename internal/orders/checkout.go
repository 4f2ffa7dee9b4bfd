package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/clients"
	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/ledger"
	"github.com/joao-fontenele/orderengine/internal/money"
	"github.com/joao-fontenele/orderengine/internal/pricing"
)

type cartSource interface {
	Get(ctx context.Context, userID string) (*domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

type checkoutRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	DeleteOrder(ctx context.Context, id string) error
	SetPaymentDetails(ctx context.Context, id, paymentID, paymentURL string) error
}

type stockCounter interface {
	CountAvailable(ctx context.Context, productID string) (int, error)
}

type stockHolder interface {
	Hold(ctx context.Context, orderID, productID string, quantity int) (int, error)
}

type reservationReleaser interface {
	ReleaseOrderReservations(ctx context.Context, orderID string) (int, error)
}

type quoter interface {
	Quote(ctx context.Context, req pricing.Request) (*pricing.Quote, error)
}

type balanceDebiter interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error)
}

type paymentConfirmer interface {
	MarkPaymentConfirmed(ctx context.Context, id string, opts ConfirmOptions) (ConfirmResult, error)
}

type invoiceCreator interface {
	CreateInvoice(ctx context.Context, req clients.InvoiceRequest) (*clients.Invoice, error)
}

type promoUsage interface {
	IncrementPromoUsage(ctx context.Context, code string) error
}

type cooldown interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// Dispatcher queues follow-up work for an order.
type Dispatcher interface {
	DispatchDelivery(ctx context.Context, orderID string, firstDeliveryOnly bool)
	DispatchReferral(ctx context.Context, orderID string)
}

type CheckoutDeps struct {
	Carts        cartSource
	Products     productsLookup
	Stock        stockCounter
	Holder       stockHolder
	Reservations reservationReleaser
	Pricing      quoter
	Repo         checkoutRepository
	Ledger       balanceDebiter
	Confirmer    paymentConfirmer
	Invoices     invoiceCreator
	Promos       promoUsage
	Cooldown     cooldown
	Dispatcher   Dispatcher
	Gateways     []string
	PaymentTTL   time.Duration
	Logger       *slog.Logger
}

// CheckoutService turns a cart into a pending order and starts payment.
type CheckoutService struct {
	deps     CheckoutDeps
	gateways map[string]bool
	now      func() time.Time
}

func NewCheckoutService(deps CheckoutDeps) *CheckoutService {
	gateways := make(map[string]bool, len(deps.Gateways))
	for _, g := range deps.Gateways {
		gateways[g] = true
	}
	return &CheckoutService{
		deps:     deps,
		gateways: gateways,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CheckoutRequest struct {
	UserID          string `json:"user_id"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"payment_method"`
	ReferralPercent int    `json:"referral_percent"`
}

// Checkout places the user's cart. The balance path confirms payment before
// returning; the gateway path returns a pending order carrying a payment URL.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (order *domain.Order, err error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method != domain.PaymentMethodBalance && !s.gateways[method] {
		return nil, domain.ErrUnknownGateway
	}

	acquired, err := s.deps.Cooldown.Acquire(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, domain.ErrCheckoutCooldown
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := s.deps.Cooldown.Release(context.WithoutCancel(ctx), req.UserID); rerr != nil {
			s.deps.Logger.Warn("failed to release checkout cooldown", "user_id", req.UserID, "error", rerr)
		}
	}()

	cart, err := s.deps.Carts.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, domain.ErrCartEmpty
	}

	products, err := s.products(ctx, cart)
	if err != nil {
		return nil, err
	}
	if err := s.checkStock(ctx, cart); err != nil {
		return nil, err
	}

	quote, err := s.deps.Pricing.Quote(ctx, pricing.Request{
		Items:           cart.Items,
		Products:        products,
		Currency:        req.Currency,
		PromoPercent:    cart.PromoPercent,
		PromoProductID:  cart.PromoProductID,
		ReferralPercent: req.ReferralPercent,
	})
	if err != nil {
		return nil, err
	}

	order = s.buildOrder(req.UserID, method, quote)
	if err := s.deps.Repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if method == domain.PaymentMethodBalance {
		err = s.payWithBalance(ctx, order)
	} else {
		err = s.payWithGateway(ctx, order, quote)
	}
	if err != nil {
		return nil, err
	}

	if cart.PromoCode != "" {
		if err := s.deps.Promos.IncrementPromoUsage(ctx, cart.PromoCode); err != nil {
			s.deps.Logger.Warn("failed to record promo usage", "code", cart.PromoCode, "order_id", order.ID, "error", err)
		}
	}
	if err := s.deps.Carts.Clear(ctx, req.UserID); err != nil {
		s.deps.Logger.Warn("failed to clear cart", "user_id", req.UserID, "error", err)
	}

	s.deps.Logger.Info("checkout complete", "order_id", order.ID, "user_id", order.UserID,
		"status", order.Status, "method", method, "amount", order.Amount.String())
	return order, nil
}

func (s *CheckoutService) products(ctx context.Context, cart *domain.Cart) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.deps.Products.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
	}
	return products, nil
}

// checkStock rejects a cart promising more instant units than the shelf holds now.
func (s *CheckoutService) checkStock(ctx context.Context, cart *domain.Cart) error {
	for _, item := range cart.Items {
		if item.InstantQuantity == 0 {
			continue
		}
		available, err := s.deps.Stock.CountAvailable(ctx, item.ProductID)
		if err != nil {
			return err
		}
		if available < item.InstantQuantity {
			return fmt.Errorf("product %s: %w", item.ProductID, domain.ErrStockChanged)
		}
	}
	return nil
}

// buildOrder expands quote lines into one item per unit, instant units first.
func (s *CheckoutService) buildOrder(userID, method string, quote *pricing.Quote) *domain.Order {
	order := &domain.Order{
		UserID:          userID,
		Amount:          quote.Amount,
		OriginalAmount:  quote.OriginalAmount,
		DiscountPercent: quote.DiscountPercent,
		Status:          domain.OrderStatusPending,
		PaymentMethod:   method,
		FiatAmount:      quote.FiatAmount,
		FiatCurrency:    quote.FiatCurrency,
		ExchangeRate:    quote.ExchangeRate,
		ExpiresAt:       s.now().Add(s.deps.PaymentTTL),
	}
	if method != domain.PaymentMethodBalance {
		order.PaymentGateway = method
	}

	var weights []decimal.Decimal
	for _, line := range quote.Lines {
		for i := range line.Quantity {
			fulfillment := domain.FulfillmentInstant
			if i >= line.InstantQuantity {
				fulfillment = domain.FulfillmentPreorder
			}
			order.Items = append(order.Items, domain.OrderItem{
				ProductID:       line.ProductID,
				ProductName:     line.ProductName,
				FulfillmentType: fulfillment,
				Status:          domain.ItemStatusPending,
			})
			weights = append(weights, line.UnitFinalBase)
		}
	}

	// Item prices are shares of what the user actually pays, so refunds
	// never return more than the order charged.
	for i, price := range money.Split(quote.Amount, weights, quote.BaseCurrency) {
		order.Items[i].Price = price
	}
	return order
}

func (s *CheckoutService) payWithBalance(ctx context.Context, order *domain.Order) error {
	if _, err := s.deps.Ledger.Debit(ctx, order.UserID, order.Amount, "order", ledger.OrderDebitReference(order.ID)); err != nil {
		s.discard(ctx, order.ID)
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return err
		}
		return fmt.Errorf("debit balance: %w", err)
	}

	result, err := s.deps.Confirmer.MarkPaymentConfirmed(ctx, order.ID, ConfirmOptions{})
	if err != nil {
		// The debit stands. The expiry sweep reverses it if the order never confirms.
		s.deps.Logger.Error("failed to confirm balance payment", "order_id", order.ID, "error", err)
		return nil
	}
	order.Status = result.Status

	s.deps.Dispatcher.DispatchDelivery(ctx, order.ID, true)
	s.deps.Dispatcher.DispatchReferral(ctx, order.ID)
	return nil
}

func (s *CheckoutService) payWithGateway(ctx context.Context, order *domain.Order, quote *pricing.Quote) error {
	for _, line := range quote.Lines {
		if line.InstantQuantity == 0 {
			continue
		}
		held, err := s.deps.Holder.Hold(ctx, order.ID, line.ProductID, line.InstantQuantity)
		if err != nil {
			s.deps.Logger.Warn("failed to hold stock", "order_id", order.ID, "product_id", line.ProductID, "error", err)
			continue
		}
		if held < line.InstantQuantity {
			s.deps.Logger.Info("stock partially held", "order_id", order.ID, "product_id", line.ProductID,
				"held", held, "wanted", line.InstantQuantity)
		}
	}

	invoice, err := s.deps.Invoices.CreateInvoice(ctx, clients.InvoiceRequest{
		Gateway:  order.PaymentGateway,
		OrderID:  order.ID,
		Amount:   order.FiatAmount,
		Currency: order.FiatCurrency,
	})
	if err != nil {
		s.deps.Logger.Error("failed to create invoice", "order_id", order.ID, "gateway", order.PaymentGateway, "error", err)
		s.discard(ctx, order.ID)
		return domain.ErrGatewayUnavailable
	}

	if err := s.deps.Repo.SetPaymentDetails(ctx, order.ID, invoice.ID, invoice.URL); err != nil {
		s.discard(ctx, order.ID)
		return fmt.Errorf("store payment details: %w", err)
	}
	order.PaymentID = invoice.ID
	order.PaymentURL = invoice.URL
	return nil
}

// discard rolls back an order that could not start payment.
func (s *CheckoutService) discard(ctx context.Context, orderID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.deps.Reservations.ReleaseOrderReservations(ctx, orderID); err != nil {
		s.deps.Logger.Error("failed to release held stock", "order_id", orderID, "error", err)
	}
	if err := s.deps.Repo.DeleteOrder(ctx, orderID); err != nil {
		s.deps.Logger.Error("failed to delete order", "order_id", orderID, "error", err)
	}
}
