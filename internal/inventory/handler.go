package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type stockRepository interface {
	AddStock(ctx context.Context, productID string, contents []string) ([]domain.StockItem, error)
	StockLevel(ctx context.Context, productID string) (*domain.StockLevel, error)
}

type batchDispatcher interface {
	DispatchBatch(ctx context.Context)
}

type Handler struct {
	repo       stockRepository
	dispatcher batchDispatcher
	logger     *slog.Logger
}

func NewHandler(repo stockRepository, dispatcher batchDispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	level, err := h.repo.StockLevel(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get stock level", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, level)
}

type addStockRequest struct {
	ProductID string   `json:"product_id"`
	Items     []string `json:"items"`
}

// HandleAddStock takes in new credentials and kicks off a back-order sweep.
func (h *Handler) HandleAddStock(w http.ResponseWriter, r *http.Request) {
	var req addStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	contents := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item = strings.TrimSpace(item); item != "" {
			contents = append(contents, item)
		}
	}
	if req.ProductID == "" || len(contents) == 0 {
		h.writeError(w, http.StatusBadRequest, "product_id and items are required")
		return
	}

	added, err := h.repo.AddStock(r.Context(), req.ProductID, contents)
	if errors.Is(err, domain.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to add stock", "error", err, "product_id", req.ProductID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock added", "product_id", req.ProductID, "count", len(added))
	h.dispatcher.DispatchBatch(r.Context())

	level, err := h.repo.StockLevel(r.Context(), req.ProductID)
	if err != nil {
		h.logger.Error("failed to get stock level", "error", err, "product_id", req.ProductID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusCreated, level)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
