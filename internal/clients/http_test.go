package clients

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRatesClient_Rate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rates" || r.URL.Query().Get("currency") != "RUB" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"rate":"92.5"}`))
	}))
	defer server.Close()

	rate, err := NewRatesClient(server.URL, NewHTTPClient(time.Second), discardLogger()).Rate(t.Context(), "USD", "RUB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(92.5)) {
		t.Errorf("expected rate 92.5, got %s", rate)
	}
}

func TestInvoiceClient_CreateInvoice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Gateway != "cryptobot" || req.OrderID != "o1" {
			t.Errorf("unexpected invoice request %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":"inv-1","url":"https://pay.example/inv-1"}`))
	}))
	defer server.Close()

	client := NewInvoiceClient(server.URL, NewHTTPClient(time.Second), discardLogger())
	inv, err := client.CreateInvoice(t.Context(), InvoiceRequest{Gateway: "cryptobot", OrderID: "o1", Amount: decimal.NewFromInt(5), Currency: "USD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.ID != "inv-1" {
		t.Errorf("expected invoice inv-1, got %s", inv.ID)
	}
}

func TestJSONClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewNotifier(server.URL, NewHTTPClient(time.Second), discardLogger())
	order := &domain.Order{ID: "o1", UserID: "u1"}

	for range 5 {
		if err := notifier.NotifyPaymentConfirmed(t.Context(), order); err == nil {
			t.Fatal("expected error from failing collaborator")
		}
	}
	err := notifier.NotifyPaymentConfirmed(t.Context(), order)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if hits.Load() != 5 {
		t.Errorf("expected 5 requests to reach the server, got %d", hits.Load())
	}
}

func TestJSONClient_ClientErrorsDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	alerts := NewAdminAlerter(server.URL, NewHTTPClient(time.Second), discardLogger())
	for range 8 {
		if err := alerts.Alert(t.Context(), "order_paid", map[string]string{"order_id": "o1"}); err == nil {
			t.Fatal("expected error for 400 response")
		}
	}
	if hits.Load() != 8 {
		t.Errorf("expected every request to reach the server, got %d", hits.Load())
	}
}

func TestJSONClient_NotConfigured(t *testing.T) {
	err := NewNotifier("", NewHTTPClient(time.Second), discardLogger()).NotifyRefund(t.Context(), "u1", "o1", decimal.NewFromInt(1), false)
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
