package reconcile

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/orderengine/internal/delivery"
)

const secretHeader = "X-Cron-Secret"

type backorderDeliverer interface {
	DeliverBatch(ctx context.Context) (delivery.BatchResult, error)
}

// Handler exposes the sweeps to an external scheduler.
type Handler struct {
	secret   string
	expirer  *Expirer
	refunder *Refunder
	deliver  backorderDeliverer
	logger   *slog.Logger
}

func NewHandler(secret string, expirer *Expirer, refunder *Refunder, deliver backorderDeliverer, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		expirer:  expirer,
		refunder: refunder,
		deliver:  deliver,
		logger:   logger,
	}
}

// Authorized wraps next with the shared-secret check.
func (h *Handler) Authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(secretHeader)
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *Handler) HandleExpireOrders(w http.ResponseWriter, r *http.Request) {
	res, err := h.expirer.ExpirePending(r.Context())
	if err != nil {
		h.logger.Error("expire sweep failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleDeliverBackorders(w http.ResponseWriter, r *http.Request) {
	res, err := h.deliver.DeliverBatch(r.Context())
	if err != nil {
		h.logger.Error("backorder sweep failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"orders": res.Orders, "delivered": res.Delivered})
}

func (h *Handler) HandleRefundOverdue(w http.ResponseWriter, r *http.Request) {
	res, err := h.refunder.RefundOverdue(r.Context())
	if err != nil {
		h.logger.Error("overdue refund sweep failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
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
