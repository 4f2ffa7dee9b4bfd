package pricing

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/money"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

var errNoRateSource = errors.New("no rate source configured")

// RateSource returns how many units of currency one unit of base buys.
type RateSource interface {
	Rate(ctx context.Context, base, currency string) (decimal.Decimal, error)
}

type Engine struct {
	baseCurrency string
	rates        RateSource
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

func NewEngine(baseCurrency string, rates RateSource, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		baseCurrency: strings.ToUpper(baseCurrency),
		rates:        rates,
		logger:       logger,
		metrics:      metrics,
	}
}

type Request struct {
	Items           []domain.CartItem
	Products        map[string]domain.Product
	Currency        string
	PromoPercent    int
	PromoProductID  string
	ReferralPercent int
}

type Line struct {
	ProductID       string
	ProductName     string
	Quantity        int
	InstantQuantity int
	PrepaidQuantity int
	DiscountPercent int
	OriginalBase    decimal.Decimal
	FinalBase       decimal.Decimal
	UnitFinalBase   decimal.Decimal
	FiatOriginal    decimal.Decimal
	FiatFinal       decimal.Decimal
}

type Quote struct {
	Lines           []Line
	BaseCurrency    string
	OriginalAmount  decimal.Decimal
	ListAmount      decimal.Decimal
	FiatCurrency    string
	FiatOriginal    decimal.Decimal
	FiatAmount      decimal.Decimal
	ExchangeRate    decimal.Decimal
	RateFallback    bool
	Amount          decimal.Decimal
	DiscountPercent int
}

func (e *Engine) BaseCurrency() string {
	return e.baseCurrency
}

// Quote prices cart items. The canonical amount is recomputed from the realized
// fiat total and the rate snapshot so the ledger reflects money actually received.
func (e *Engine) Quote(ctx context.Context, req Request) (*Quote, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrCartEmpty
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = e.baseCurrency
	}
	rate, fallback := e.snapshotRate(ctx, currency)

	q := &Quote{
		BaseCurrency:   e.baseCurrency,
		FiatCurrency:   currency,
		ExchangeRate:   rate,
		RateFallback:   fallback,
		OriginalAmount: decimal.Zero,
		ListAmount:     decimal.Zero,
		FiatOriginal:   decimal.Zero,
		FiatAmount:     decimal.Zero,
	}

	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
		line := e.priceLine(item, req, currency, rate)
		q.Lines = append(q.Lines, line)
		q.OriginalAmount = q.OriginalAmount.Add(line.OriginalBase)
		q.ListAmount = q.ListAmount.Add(line.FinalBase)
		q.FiatOriginal = q.FiatOriginal.Add(line.FiatOriginal)
		q.FiatAmount = q.FiatAmount.Add(line.FiatFinal)
	}

	if currency == e.baseCurrency {
		q.Amount = money.NonNegative(q.FiatAmount)
	} else {
		q.Amount = money.NonNegative(money.Round(q.FiatAmount.Div(rate), e.baseCurrency))
	}
	q.DiscountPercent = money.DiscountPercent(q.Amount, q.OriginalAmount)

	return q, nil
}

func (e *Engine) priceLine(item domain.CartItem, req Request, currency string, rate decimal.Decimal) Line {
	discount := EffectiveDiscount(item, req)
	qty := decimal.NewFromInt(int64(item.Quantity))

	originalBase := item.UnitPrice.Mul(qty)
	finalBase := money.Round(money.ApplyDiscount(originalBase, discount), e.baseCurrency)

	var fiatOriginal decimal.Decimal
	if anchor, ok := req.Products[item.ProductID].AnchorPrice(currency); ok && currency != e.baseCurrency {
		fiatOriginal = anchor.Mul(qty)
	} else {
		fiatOriginal = originalBase.Mul(rate)
	}

	return Line{
		ProductID:       item.ProductID,
		ProductName:     item.ProductName,
		Quantity:        item.Quantity,
		InstantQuantity: item.InstantQuantity,
		PrepaidQuantity: item.PrepaidQuantity,
		DiscountPercent: discount,
		OriginalBase:    originalBase,
		FinalBase:       finalBase,
		UnitFinalBase:   money.Round(finalBase.Div(qty), e.baseCurrency),
		FiatOriginal:    money.Round(fiatOriginal, currency),
		FiatFinal:       money.Round(money.ApplyDiscount(fiatOriginal, discount), currency),
	}
}

// EffectiveDiscount takes the largest of the item, promo and referral discounts.
// Discounts never stack.
func EffectiveDiscount(item domain.CartItem, req Request) int {
	promo := 0
	if req.PromoProductID == "" || req.PromoProductID == item.ProductID {
		promo = req.PromoPercent
	}
	return money.ClampPercent(max(item.DiscountPercent, promo, req.ReferralPercent))
}

func (e *Engine) snapshotRate(ctx context.Context, currency string) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)
	if currency == e.baseCurrency {
		return one, false
	}

	var (
		rate decimal.Decimal
		err  = errNoRateSource
	)
	if e.rates != nil {
		rate, err = e.rates.Rate(ctx, e.baseCurrency, currency)
	}
	if err != nil || !rate.IsPositive() {
		// Known revenue risk: canonical amounts are misstated while the fallback is in effect.
		e.logger.Warn("exchange rate unavailable, falling back to 1.0", "currency", currency, "error", err)
		e.metrics.RateFallback(ctx, currency)
		return one, true
	}
	return rate, false
}
