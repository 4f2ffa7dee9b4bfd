package cart

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type productLookup interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type stockCounter interface {
	CountAvailable(ctx context.Context, productID string) (int, error)
}

type Handler struct {
	service  *Service
	products productLookup
	stock    stockCounter
	logger   *slog.Logger
}

func NewHandler(service *Service, products productLookup, stock stockCounter, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		products: products,
		stock:    stock,
		logger:   logger,
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.Get(r.Context(), r.PathValue("userID"))
	if err != nil {
		h.fail(w, err, "failed to get cart")
		return
	}
	h.writeJSON(w, http.StatusOK, cart)
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	product, err := h.products.GetProduct(r.Context(), req.ProductID)
	if err != nil {
		h.fail(w, err, "failed to get product")
		return
	}

	available, err := h.stock.CountAvailable(r.Context(), product.ID)
	if err != nil {
		h.fail(w, err, "failed to count stock")
		return
	}

	cart, err := h.service.AddItem(r.Context(), userID, *product, req.Quantity, available)
	if err != nil {
		h.fail(w, err, "failed to add cart item")
		return
	}

	h.logger.Info("cart item added", "user_id", userID, "product_id", product.ID, "quantity", req.Quantity)
	h.writeJSON(w, http.StatusOK, cart)
}

type updateQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	productID := r.PathValue("productID")

	var req updateQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	available, err := h.stock.CountAvailable(r.Context(), productID)
	if err != nil {
		h.fail(w, err, "failed to count stock")
		return
	}

	cart, err := h.service.UpdateQuantity(r.Context(), userID, productID, req.Quantity, available)
	if err != nil {
		h.fail(w, err, "failed to update cart item")
		return
	}
	h.writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	cart, err := h.service.RemoveItem(r.Context(), r.PathValue("userID"), r.PathValue("productID"))
	if err != nil {
		h.fail(w, err, "failed to remove cart item")
		return
	}
	h.writeJSON(w, http.StatusOK, cart)
}

type applyPromoRequest struct {
	Code string `json:"code"`
}

func (h *Handler) HandleApplyPromo(w http.ResponseWriter, r *http.Request) {
	var req applyPromoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cart, err := h.service.ApplyPromo(r.Context(), r.PathValue("userID"), req.Code)
	if err != nil {
		h.fail(w, err, "failed to apply promo")
		return
	}
	h.writeJSON(w, http.StatusOK, cart)
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.Context(), r.PathValue("userID")); err != nil {
		h.fail(w, err, "failed to clear cart")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrPromoInvalid),
		errors.Is(err, domain.ErrPromoNotApplicable):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(msg, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
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
