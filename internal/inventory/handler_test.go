package inventory

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/memstore"
)

type batchRecorder struct {
	calls int
}

func (b *batchRecorder) DispatchBatch(context.Context) { b.calls++ }

func newTestHandler() (*Handler, *batchRecorder) {
	store := memstore.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Streaming 1M", Price: decimal.NewFromInt(10)})
	batches := &batchRecorder{}
	return NewHandler(store, batches, slog.New(slog.NewTextHandler(io.Discard, nil))), batches
}

func TestHandler_HandleAddStock(t *testing.T) {
	t.Run("adds rows and triggers back-order sweep", func(t *testing.T) {
		handler, batches := newTestHandler()

		req := httptest.NewRequest(http.MethodPost, "/stock", strings.NewReader(`{"product_id":"p1","items":["a:1"," ","b:2"]}`))
		rec := httptest.NewRecorder()
		handler.HandleAddStock(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		var level domain.StockLevel
		if err := json.NewDecoder(rec.Body).Decode(&level); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if level.Available != 2 {
			t.Errorf("expected 2 available, got %d", level.Available)
		}
		if batches.calls != 1 {
			t.Errorf("expected one batch dispatch, got %d", batches.calls)
		}
	})

	t.Run("unknown product", func(t *testing.T) {
		handler, batches := newTestHandler()

		req := httptest.NewRequest(http.MethodPost, "/stock", strings.NewReader(`{"product_id":"nope","items":["a"]}`))
		rec := httptest.NewRecorder()
		handler.HandleAddStock(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rec.Code)
		}
		if batches.calls != 0 {
			t.Errorf("expected no dispatch, got %d", batches.calls)
		}
	})

	t.Run("empty items", func(t *testing.T) {
		handler, _ := newTestHandler()

		req := httptest.NewRequest(http.MethodPost, "/stock", strings.NewReader(`{"product_id":"p1","items":[]}`))
		rec := httptest.NewRecorder()
		handler.HandleAddStock(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestHandler_HandleGetStock(t *testing.T) {
	handler, _ := newTestHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock/{productID}", handler.HandleGetStock)

	req := httptest.NewRequest(http.MethodGet, "/stock/p1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"product_id":"p1"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
