package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusPrepaid   OrderStatus = "prepaid"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusPrepaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusDelivered, OrderStatusPartial, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusPrepaid: {OrderStatusDelivered, OrderStatusPartial, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusPartial: {OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded},
}

// CanTransition reports whether the lifecycle table allows moving from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// IsPaymentConfirmed is true once money for the order has been received.
func (s OrderStatus) IsPaymentConfirmed() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPrepaid, OrderStatusPartial, OrderStatusDelivered:
		return true
	}
	return false
}

type FulfillmentType string

const (
	FulfillmentInstant  FulfillmentType = "instant"
	FulfillmentPreorder FulfillmentType = "preorder"
)

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusPrepaid   ItemStatus = "prepaid"
	ItemStatusDelivered ItemStatus = "delivered"
	ItemStatusCancelled ItemStatus = "cancelled"
	ItemStatusRefunded  ItemStatus = "refunded"
)

func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusDelivered || s == ItemStatusCancelled || s == ItemStatusRefunded
}

func (s ItemStatus) IsWaiting() bool {
	return s == ItemStatusPending || s == ItemStatusPrepaid
}

const PaymentMethodBalance = "balance"

type Order struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	Amount              decimal.Decimal `json:"amount"`
	OriginalAmount      decimal.Decimal `json:"original_amount"`
	DiscountPercent     int             `json:"discount_percent"`
	Status              OrderStatus     `json:"status"`
	PaymentMethod       string          `json:"payment_method"`
	PaymentGateway      string          `json:"payment_gateway,omitempty"`
	PaymentID           string          `json:"payment_id,omitempty"`
	PaymentURL          string          `json:"payment_url,omitempty"`
	FiatAmount          decimal.Decimal `json:"fiat_amount"`
	FiatCurrency        string          `json:"fiat_currency"`
	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	ExpiresAt           time.Time       `json:"expires_at"`
	FulfillmentDeadline *time.Time      `json:"fulfillment_deadline,omitempty"`
	DeliveredAt         *time.Time      `json:"delivered_at,omitempty"`
	SavedCredited       bool            `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Items               []OrderItem     `json:"items"`
}

// OrderItem is a single credential slot. Quantity is always one.
type OrderItem struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	FulfillmentType FulfillmentType `json:"fulfillment_type"`
	Status          ItemStatus      `json:"status"`
	Price           decimal.Decimal `json:"price"`
	StockItemID     string          `json:"stock_item_id,omitempty"`
	DeliveryContent string          `json:"delivery_content,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (o *Order) ProductIDs() []string {
	seen := make(map[string]struct{}, len(o.Items))
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	return ids
}

func (o *Order) HasPreorderItems() bool {
	for _, item := range o.Items {
		if item.FulfillmentType == FulfillmentPreorder {
			return true
		}
	}
	return false
}

// ItemCounts tallies items by delivery outcome.
type ItemCounts struct {
	Delivered int
	Waiting   int
	Closed    int
}

func CountItems(items []OrderItem) ItemCounts {
	var c ItemCounts
	for _, item := range items {
		switch {
		case item.Status == ItemStatusDelivered:
			c.Delivered++
		case item.Status.IsWaiting():
			c.Waiting++
		default:
			c.Closed++
		}
	}
	return c
}

// DeliveryStatus derives the order status after a delivery pass. Delivered and
// waiting include items delivered on earlier passes.
func DeliveryStatus(current OrderStatus, delivered, waiting int) OrderStatus {
	switch {
	case delivered > 0 && waiting == 0:
		return OrderStatusDelivered
	case delivered > 0 && waiting > 0:
		return OrderStatusPartial
	}
	return current
}

// StatusFromItems recalculates the status purely from item-level truth.
func StatusFromItems(current OrderStatus, items []OrderItem) OrderStatus {
	c := CountItems(items)
	switch {
	case c.Waiting > 0:
		return DeliveryStatus(current, c.Delivered, c.Waiting)
	case c.Delivered > 0:
		return OrderStatusDelivered
	case c.Closed > 0:
		return OrderStatusRefunded
	}
	return current
}
