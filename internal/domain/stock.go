package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	StockStatusAvailable StockStatus = "available"
	StockStatusReserved  StockStatus = "reserved"
	StockStatusSold      StockStatus = "sold"
)

// StockItem is one sellable credential.
type StockItem struct {
	ID        string      `json:"id"`
	ProductID string      `json:"product_id"`
	Content   string      `json:"-"`
	Status    StockStatus `json:"status"`
	// ReservedOrderID is set while the row is held for a pending order.
	ReservedOrderID string     `json:"reserved_order_id,omitempty"`
	ReservedAt      *time.Time `json:"reserved_at,omitempty"`
	SoldAt          *time.Time `json:"sold_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type StockLevel struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

type Product struct {
	ID               string                     `json:"id"`
	Name             string                     `json:"name"`
	Price            decimal.Decimal            `json:"price"`
	DiscountPercent  int                        `json:"discount_percent"`
	DurationDays     int                        `json:"duration_days"`
	FulfillmentHours int                        `json:"fulfillment_hours"`
	FiatPrices       map[string]decimal.Decimal `json:"fiat_prices,omitempty"`
}

// AnchorPrice returns the fixed per-currency unit price when the product defines one.
func (p Product) AnchorPrice(currency string) (decimal.Decimal, bool) {
	price, ok := p.FiatPrices[currency]
	return price, ok
}
