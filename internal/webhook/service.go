package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/orders"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

type orderRepository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error)
	ReopenCancelledOrder(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	CreateTicket(ctx context.Context, ticket *domain.Ticket) (bool, error)
}

type stockChecker interface {
	HasStockFor(ctx context.Context, orderID string, productIDs []string) (bool, error)
}

type paymentConfirmer interface {
	MarkPaymentConfirmed(ctx context.Context, id string, opts orders.ConfirmOptions) (orders.ConfirmResult, error)
}

type alerter interface {
	Alert(ctx context.Context, event string, fields map[string]string) error
}

type ServiceDeps struct {
	Registry   *Registry
	Repo       orderRepository
	Stock      stockChecker
	Confirmer  paymentConfirmer
	Dispatcher orders.Dispatcher
	Alerts     alerter
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	PaymentTTL time.Duration
}

// Service ingests payment callbacks. Gateways retry on anything but their
// acknowledgement, so every path that has nothing left to do still acks.
type Service struct {
	deps ServiceDeps
	now  func() time.Time
}

func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) Ingest(ctx context.Context, gateway string, req *Request) (Response, error) {
	adapter, err := s.deps.Registry.Get(gateway)
	if err != nil {
		return Response{}, err
	}

	event, err := adapter.Verify(req)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, domain.ErrInvalidSignature) {
			outcome = "bad_signature"
		}
		s.deps.Metrics.Webhook(ctx, gateway, outcome)
		return Response{}, err
	}

	if !event.Paid {
		s.deps.Metrics.Webhook(ctx, gateway, "ignored")
		return adapter.Ack(), nil
	}

	order, err := s.findOrder(ctx, event)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Retrying cannot make the order appear, so ack and leave it to an operator.
		s.deps.Logger.Warn("payment for unknown order", "gateway", gateway,
			"invoice_id", event.GatewayInvoiceID, "order_reference", event.OrderReference)
		s.deps.Metrics.Webhook(ctx, gateway, "unknown_order")
		s.alertUnknown(ctx, event)
		return adapter.Ack(), nil
	case errors.Is(err, ErrOrderMismatch):
		s.deps.Logger.Warn("payment identifiers do not match", "gateway", gateway, "error", err)
		s.deps.Metrics.Webhook(ctx, gateway, "order_mismatch")
		return Response{}, err
	case err != nil:
		s.deps.Metrics.Webhook(ctx, gateway, "error")
		return Response{}, fmt.Errorf("find order: %w", err)
	}
	log := s.deps.Logger.With("order_id", order.ID, "gateway", gateway, "invoice_id", event.GatewayInvoiceID)

	switch order.Status {
	case domain.OrderStatusCancelled:
		reopened, err := s.reopenLate(ctx, order, event)
		if err != nil {
			return Response{}, err
		}
		if !reopened {
			s.deps.Metrics.Webhook(ctx, gateway, "late_refund_ticket")
			return adapter.Ack(), nil
		}
	case domain.OrderStatusRefunded:
		s.alert(ctx, "payment_for_refunded_order", order, event)
		s.deps.Metrics.Webhook(ctx, gateway, "ignored")
		return adapter.Ack(), nil
	}

	if event.Amount.IsPositive() && order.FiatCurrency == event.Currency && event.Amount.LessThan(order.FiatAmount) {
		log.Warn("payment amount below order amount", "paid", event.Amount.String(), "expected", order.FiatAmount.String())
	}

	var opts orders.ConfirmOptions
	if event.InvoiceSigned {
		opts.PaymentID = event.GatewayInvoiceID
	}
	res, err := s.deps.Confirmer.MarkPaymentConfirmed(ctx, order.ID, opts)
	if err != nil {
		s.deps.Metrics.Webhook(ctx, gateway, "error")
		return Response{}, fmt.Errorf("confirm payment: %w", err)
	}

	if res.Status == domain.OrderStatusDelivered {
		log.Info("payment webhook for delivered order")
		s.deps.Metrics.Webhook(ctx, gateway, "duplicate")
		return adapter.Ack(), nil
	}

	s.deps.Dispatcher.DispatchDelivery(ctx, order.ID, true)
	if res.Changed {
		s.deps.Dispatcher.DispatchReferral(ctx, order.ID)
		s.deps.Metrics.Webhook(ctx, gateway, "confirmed")
	} else {
		s.deps.Metrics.Webhook(ctx, gateway, "duplicate")
	}

	log.Info("payment webhook processed", "status", res.Status, "changed", res.Changed)
	return adapter.Ack(), nil
}

// findOrder resolves the order from the identifiers the signature covers:
// the invoice id first, then the order reference. A signed reference must
// name the order that was found.
func (s *Service) findOrder(ctx context.Context, event domain.PaymentEvent) (*domain.Order, error) {
	invoice := ""
	if event.InvoiceSigned {
		invoice = event.GatewayInvoiceID
	}
	reference := ""
	if event.ReferenceSigned {
		reference = event.OrderReference
	}

	var (
		order *domain.Order
		err   = domain.ErrNotFound
	)
	if invoice != "" {
		order, err = s.deps.Repo.GetOrderByPaymentID(ctx, invoice)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if order == nil && reference != "" {
		order, err = s.deps.Repo.GetOrder(ctx, reference)
	}
	if err != nil {
		return nil, err
	}

	if reference != "" && order.ID != reference {
		return nil, fmt.Errorf("%w: invoice %s belongs to %s, signed reference is %s",
			ErrOrderMismatch, invoice, order.ID, reference)
	}
	if invoice != "" && order.PaymentID != "" && order.PaymentID != invoice {
		return nil, fmt.Errorf("%w: order %s carries invoice %s, signed invoice is %s",
			ErrOrderMismatch, order.ID, order.PaymentID, invoice)
	}
	return order, nil
}

// reopenLate handles money arriving after the payment window closed. With
// stock the order goes back to pending; without it a refund ticket is opened.
func (s *Service) reopenLate(ctx context.Context, order *domain.Order, event domain.PaymentEvent) (bool, error) {
	inStock, err := s.deps.Stock.HasStockFor(ctx, order.ID, order.ProductIDs())
	if err != nil {
		return false, fmt.Errorf("check stock: %w", err)
	}

	if inStock {
		ok, err := s.deps.Repo.ReopenCancelledOrder(ctx, order.ID, s.now().Add(s.deps.PaymentTTL))
		if err != nil {
			return false, err
		}
		if ok {
			s.deps.Logger.Info("late payment reopened cancelled order", "order_id", order.ID, "gateway", event.Gateway)
		}
		return true, nil
	}

	created, err := s.deps.Repo.CreateTicket(ctx, &domain.Ticket{
		OrderID: order.ID,
		UserID:  order.UserID,
		Kind:    domain.TicketKindRefund,
		Reason:  "payment received after expiry with no stock",
	})
	if err != nil {
		return false, fmt.Errorf("create refund ticket: %w", err)
	}
	if created {
		s.alert(ctx, "late_payment_no_stock", order, event)
	}
	return false, nil
}

func (s *Service) alert(ctx context.Context, name string, order *domain.Order, event domain.PaymentEvent) {
	err := s.deps.Alerts.Alert(ctx, name, map[string]string{
		"order_id":   order.ID,
		"user_id":    order.UserID,
		"gateway":    event.Gateway,
		"invoice_id": event.GatewayInvoiceID,
		"amount":     event.Amount.String(),
		"currency":   event.Currency,
	})
	if err != nil {
		s.deps.Logger.Warn("failed to send admin alert", "event", name, "order_id", order.ID, "error", err)
	}
}

func (s *Service) alertUnknown(ctx context.Context, event domain.PaymentEvent) {
	err := s.deps.Alerts.Alert(ctx, "payment_for_unknown_order", map[string]string{
		"gateway":         event.Gateway,
		"invoice_id":      event.GatewayInvoiceID,
		"order_reference": event.OrderReference,
		"amount":          event.Amount.String(),
		"currency":        event.Currency,
	})
	if err != nil {
		s.deps.Logger.Warn("failed to send admin alert", "event", "payment_for_unknown_order", "error", err)
	}
}
