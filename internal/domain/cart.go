package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartItem struct {
	ProductID       string          `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	InstantQuantity int             `json:"instant_quantity"`
	PrepaidQuantity int             `json:"prepaid_quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent int             `json:"discount_percent"`
}

// Split recomputes the instant/prepaid division against a stock snapshot.
func (i *CartItem) Split(availableStock int) {
	if availableStock < 0 {
		availableStock = 0
	}
	i.InstantQuantity = min(i.Quantity, availableStock)
	i.PrepaidQuantity = i.Quantity - i.InstantQuantity
}

type Cart struct {
	UserID         string     `json:"user_id"`
	Items          []CartItem `json:"items"`
	PromoCode      string     `json:"promo_code,omitempty"`
	PromoPercent   int        `json:"promo_percent,omitempty"`
	PromoProductID string     `json:"promo_product_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (c *Cart) Find(productID string) int {
	for i, item := range c.Items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

type PromoCode struct {
	Code            string     `json:"code"`
	DiscountPercent int        `json:"discount_percent"`
	ProductID       string     `json:"product_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	UsageLimit      int        `json:"usage_limit"`
	UsageCount      int        `json:"usage_count"`
	Active          bool       `json:"active"`
}

func (p PromoCode) Usable(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
		return false
	}
	return p.UsageLimit == 0 || p.UsageCount < p.UsageLimit
}
