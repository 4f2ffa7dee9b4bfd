package clients

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// RatesClient fetches exchange-rate snapshots.
type RatesClient struct {
	c *jsonClient
}

func NewRatesClient(baseURL string, client *http.Client, logger *slog.Logger) *RatesClient {
	return &RatesClient{c: newJSONClient("rates", baseURL, client, logger)}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

// Rate returns how many units of currency one unit of base buys.
func (r *RatesClient) Rate(ctx context.Context, base, currency string) (decimal.Decimal, error) {
	q := url.Values{"base": {base}, "currency": {currency}}
	var resp rateResponse
	if err := r.c.do(ctx, http.MethodGet, "/rates?"+q.Encode(), nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Rate, nil
}

type InvoiceRequest struct {
	Gateway  string          `json:"gateway"`
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type Invoice struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// InvoiceClient creates payment invoices at the external gateways.
type InvoiceClient struct {
	c *jsonClient
}

func NewInvoiceClient(baseURL string, client *http.Client, logger *slog.Logger) *InvoiceClient {
	return &InvoiceClient{c: newJSONClient("payments", baseURL, client, logger)}
}

func (i *InvoiceClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	var inv Invoice
	if err := i.c.do(ctx, http.MethodPost, "/invoices", req, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}
