package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joao-fontenele/orderengine/internal/delivery"
)

type stubDeliverer struct {
	result delivery.BatchResult
	err    error
	calls  int
}

func (s *stubDeliverer) DeliverBatch(context.Context) (delivery.BatchResult, error) {
	s.calls++
	return s.result, s.err
}

func newCronMux(secret string, deliverer *stubDeliverer) *http.ServeMux {
	store := newExpiryStore()
	refunder := NewRefunder(RefunderDeps{Repo: store, Ledger: store, Notifier: &recordingNotifier{}, Logger: discardLogger()})
	h := NewHandler(secret, NewExpirer(store, store, store, time.Hour, discardLogger()), refunder, deliverer, discardLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /cron/expire-orders", h.Authorized(h.HandleExpireOrders))
	mux.HandleFunc("POST /cron/deliver-backorders", h.Authorized(h.HandleDeliverBackorders))
	mux.HandleFunc("POST /cron/refund-overdue", h.Authorized(h.HandleRefundOverdue))
	return mux
}

func TestHandler_Authorized(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		wantStatus int
	}{
		{name: "valid secret", configured: "s3cret", sent: "s3cret", wantStatus: http.StatusOK},
		{name: "wrong secret", configured: "s3cret", sent: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing header", configured: "s3cret", wantStatus: http.StatusUnauthorized},
		{name: "unconfigured secret refuses all", configured: "", sent: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newCronMux(tt.configured, &stubDeliverer{})

			for _, path := range []string{"/cron/expire-orders", "/cron/deliver-backorders", "/cron/refund-overdue"} {
				req := httptest.NewRequest(http.MethodPost, path, nil)
				if tt.sent != "" {
					req.Header.Set("X-Cron-Secret", tt.sent)
				}
				rec := httptest.NewRecorder()
				mux.ServeHTTP(rec, req)

				if rec.Code != tt.wantStatus {
					t.Errorf("%s: expected status %d, got %d", path, tt.wantStatus, rec.Code)
				}
			}
		})
	}
}

func TestHandler_HandleDeliverBackorders(t *testing.T) {
	t.Run("reports batch result", func(t *testing.T) {
		deliverer := &stubDeliverer{result: delivery.BatchResult{Orders: 3, Delivered: 5}}
		mux := newCronMux("s3cret", deliverer)

		req := httptest.NewRequest(http.MethodPost, "/cron/deliver-backorders", nil)
		req.Header.Set("X-Cron-Secret", "s3cret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		var body map[string]int
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["orders"] != 3 || body["delivered"] != 5 {
			t.Errorf("unexpected body %v", body)
		}
	})

	t.Run("sweep failure", func(t *testing.T) {
		deliverer := &stubDeliverer{err: errors.New("db down")}
		mux := newCronMux("s3cret", deliverer)

		req := httptest.NewRequest(http.MethodPost, "/cron/deliver-backorders", nil)
		req.Header.Set("X-Cron-Secret", "s3cret")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
	})
}
