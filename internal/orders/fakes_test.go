package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/joao-fontenele/orderengine/internal/clients"
	"github.com/joao-fontenele/orderengine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []string
}

func (n *recordingNotifier) NotifyPaymentConfirmed(_ context.Context, order *domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, order.ID)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, event string, _ map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return a.err
}

type dispatchCall struct {
	kind      string
	orderID   string
	firstOnly bool
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *recordingDispatcher) DispatchDelivery(_ context.Context, orderID string, firstDeliveryOnly bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{kind: "delivery", orderID: orderID, firstOnly: firstDeliveryOnly})
}

func (d *recordingDispatcher) DispatchReferral(_ context.Context, orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{kind: "referral", orderID: orderID})
}

type fakeCarts struct {
	carts   map[string]*domain.Cart
	cleared []string
}

func (c *fakeCarts) Get(_ context.Context, userID string) (*domain.Cart, error) {
	if cart, ok := c.carts[userID]; ok {
		copied := *cart
		return &copied, nil
	}
	return &domain.Cart{UserID: userID}, nil
}

func (c *fakeCarts) Clear(_ context.Context, userID string) error {
	c.cleared = append(c.cleared, userID)
	delete(c.carts, userID)
	return nil
}

type stubInvoices struct {
	requests []clients.InvoiceRequest
	err      error
}

func (s *stubInvoices) CreateInvoice(_ context.Context, req clients.InvoiceRequest) (*clients.Invoice, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &clients.Invoice{ID: "inv-" + req.OrderID, URL: "https://pay.example/" + req.OrderID}, nil
}

type memCooldown struct {
	held     map[string]bool
	released []string
}

func newMemCooldown() *memCooldown {
	return &memCooldown{held: map[string]bool{}}
}

func (c *memCooldown) Acquire(_ context.Context, userID string) (bool, error) {
	if c.held[userID] {
		return false, nil
	}
	c.held[userID] = true
	return true, nil
}

func (c *memCooldown) Release(_ context.Context, userID string) error {
	delete(c.held, userID)
	c.released = append(c.released, userID)
	return nil
}

var errGatewayDown = errors.New("gateway down")
