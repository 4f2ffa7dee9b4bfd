package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrTransitionNotAllowed = errors.New("status transition not allowed")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrStockChanged         = errors.New("stock changed, review the cart")
	ErrCartEmpty            = errors.New("cart is empty")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrPromoInvalid         = errors.New("promo code is invalid or expired")
	ErrPromoNotApplicable   = errors.New("promo code product is not in cart")
	ErrCheckoutCooldown     = errors.New("checkout already in progress")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrDuplicateJob         = errors.New("job already enqueued")
)
