package cart

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type promoLookup interface {
	GetPromo(ctx context.Context, code string) (*domain.PromoCode, error)
}

// Service implements cart operations. Concurrent writers for the same user
// resolve last-writer-wins; a user only ever has one cart.
type Service struct {
	store  Store
	promos promoLookup
	now    func() time.Time
}

func NewService(store Store, promos promoLookup) *Service {
	return &Service{
		store:  store,
		promos: promos,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the user's cart, or an empty unsaved cart when none exists.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrCartMissing) {
		return &domain.Cart{UserID: userID, Items: []domain.CartItem{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// AddItem adds quantity units of product, splitting the line against availableStock.
func (s *Service) AddItem(ctx context.Context, userID string, product domain.Product, quantity, availableStock int) (*domain.Cart, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	cart, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := cart.Find(product.ID)
	if idx < 0 {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:       product.ID,
			ProductName:     product.Name,
			UnitPrice:       product.Price,
			DiscountPercent: product.DiscountPercent,
		})
		idx = len(cart.Items) - 1
	}

	item := &cart.Items[idx]
	item.Quantity += quantity
	item.UnitPrice = product.Price
	item.DiscountPercent = product.DiscountPercent
	item.Split(availableStock)

	return cart, s.save(ctx, cart)
}

// UpdateQuantity sets the line quantity. Zero or less removes the line.
func (s *Service) UpdateQuantity(ctx context.Context, userID, productID string, quantity, availableStock int) (*domain.Cart, error) {
	if quantity <= 0 {
		return s.RemoveItem(ctx, userID, productID)
	}

	cart, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := cart.Find(productID)
	if idx < 0 {
		return nil, domain.ErrNotFound
	}
	cart.Items[idx].Quantity = quantity
	cart.Items[idx].Split(availableStock)

	return cart, s.save(ctx, cart)
}

func (s *Service) RemoveItem(ctx context.Context, userID, productID string) (*domain.Cart, error) {
	cart, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	idx := cart.Find(productID)
	if idx < 0 {
		return nil, domain.ErrNotFound
	}
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)

	if cart.PromoProductID == productID {
		cart.PromoCode, cart.PromoPercent, cart.PromoProductID = "", 0, ""
	}

	return cart, s.save(ctx, cart)
}

// ApplyPromo attaches a promo code. Product-scoped codes require the product in the cart.
func (s *Service) ApplyPromo(ctx context.Context, userID, code string) (*domain.Cart, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrPromoInvalid
	}

	promo, err := s.promos.GetPromo(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrPromoInvalid
	}
	if err != nil {
		return nil, err
	}
	if !promo.Usable(s.now()) {
		return nil, domain.ErrPromoInvalid
	}

	cart, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if promo.ProductID != "" && cart.Find(promo.ProductID) < 0 {
		return nil, domain.ErrPromoNotApplicable
	}

	cart.PromoCode = promo.Code
	cart.PromoPercent = promo.DiscountPercent
	cart.PromoProductID = promo.ProductID

	return cart, s.save(ctx, cart)
}

func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, userID)
}

func (s *Service) save(ctx context.Context, cart *domain.Cart) error {
	now := s.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	return s.store.Save(ctx, cart)
}
