package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := r.PathValue("gateway")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := &Request{Header: r.Header, Body: body, Form: url.Values{}}
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/x-www-form-urlencoded" {
		if req.Form, err = url.ParseQuery(string(body)); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
	}

	resp, err := h.service.Ingest(r.Context(), gateway, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownGateway), errors.Is(err, domain.ErrNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrInvalidSignature):
			h.logger.Warn("webhook signature rejected", "gateway", gateway)
			h.writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrOrderMismatch):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to process webhook", "gateway", gateway, "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Error("failed to write webhook ack", "gateway", gateway, "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
