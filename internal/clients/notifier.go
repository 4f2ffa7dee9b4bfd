package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

// Notifier delivers buyer-facing messages through the storefront bot service.
type Notifier struct {
	c *jsonClient
}

func NewNotifier(baseURL string, client *http.Client, logger *slog.Logger) *Notifier {
	return &Notifier{c: newJSONClient("notifier", baseURL, client, logger)}
}

type notification struct {
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
	Kind    string `json:"kind"`
	Status  string `json:"status,omitempty"`
	Amount  string `json:"amount,omitempty"`
	Partial bool   `json:"partial,omitempty"`
	Items   []item `json:"items,omitempty"`
}

type item struct {
	ItemID      string `json:"item_id"`
	ProductName string `json:"product_name"`
	Content     string `json:"content"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

func toItems(items []domain.OrderItem) []item {
	out := make([]item, 0, len(items))
	for _, it := range items {
		n := item{ItemID: it.ID, ProductName: it.ProductName, Content: it.DeliveryContent}
		if it.ExpiresAt != nil {
			n.ExpiresAt = it.ExpiresAt.Format("2006-01-02")
		}
		out = append(out, n)
	}
	return out
}

func (n *Notifier) NotifyPaymentConfirmed(ctx context.Context, order *domain.Order) error {
	return n.c.do(ctx, http.MethodPost, "/notifications", notification{
		UserID:  order.UserID,
		OrderID: order.ID,
		Kind:    "payment_confirmed",
		Status:  string(order.Status),
		Amount:  order.Amount.StringFixed(2),
	}, nil)
}

// NotifyDelivery sends the given credentials to the buyer in one message.
func (n *Notifier) NotifyDelivery(ctx context.Context, userID, orderID string, items []domain.OrderItem) error {
	return n.c.do(ctx, http.MethodPost, "/notifications", notification{
		UserID:  userID,
		OrderID: orderID,
		Kind:    "delivery",
		Items:   toItems(items),
	}, nil)
}

func (n *Notifier) NotifyRefund(ctx context.Context, userID, orderID string, amount decimal.Decimal, partial bool) error {
	return n.c.do(ctx, http.MethodPost, "/notifications", notification{
		UserID:  userID,
		OrderID: orderID,
		Kind:    "refund",
		Amount:  amount.StringFixed(2),
		Partial: partial,
	}, nil)
}

func (n *Notifier) NotifyReplacement(ctx context.Context, userID string, replaced domain.OrderItem) error {
	return n.c.do(ctx, http.MethodPost, "/notifications", notification{
		UserID:  userID,
		OrderID: replaced.OrderID,
		Kind:    "replacement",
		Items:   toItems([]domain.OrderItem{replaced}),
	}, nil)
}

// AdminAlerter posts operational events to the admin channel.
type AdminAlerter struct {
	c *jsonClient
}

func NewAdminAlerter(baseURL string, client *http.Client, logger *slog.Logger) *AdminAlerter {
	return &AdminAlerter{c: newJSONClient("admin-alert", baseURL, client, logger)}
}

type alert struct {
	Event  string            `json:"event"`
	Fields map[string]string `json:"fields"`
}

func (a *AdminAlerter) Alert(ctx context.Context, event string, fields map[string]string) error {
	return a.c.do(ctx, http.MethodPost, "/alerts", alert{Event: event, Fields: fields}, nil)
}
