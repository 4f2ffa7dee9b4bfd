package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/orderengine/internal/delivery"
	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/messaging"
	"github.com/joao-fontenele/orderengine/internal/reconcile"
)

type deliverer interface {
	Deliver(ctx context.Context, orderID string, opts delivery.Options) (delivery.Result, error)
	DeliverBatch(ctx context.Context) (delivery.BatchResult, error)
}

type refunder interface {
	RefundOrder(ctx context.Context, orderID, reason string) (reconcile.RefundResult, error)
}

type replacer interface {
	ProcessReplacement(ctx context.Context, ticketID, itemID string) error
}

type referrals interface {
	ProcessReferral(ctx context.Context, orderID string) error
}

// Handler executes one job. It is used by the queue worker and by the
// dispatcher's inline fallback.
type Handler struct {
	deliverer deliverer
	refunder  refunder
	replacer  replacer
	referrals referrals
	logger    *slog.Logger
}

func NewHandler(d deliverer, rf refunder, rp replacer, ref referrals, logger *slog.Logger) *Handler {
	return &Handler{
		deliverer: d,
		refunder:  rf,
		replacer:  rp,
		referrals: ref,
		logger:    logger,
	}
}

func (h *Handler) Handle(ctx context.Context, job domain.Job) error {
	switch job.Type {
	case domain.JobDeliverGoods:
		var p domain.DeliverGoodsPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		_, err := h.deliverer.Deliver(ctx, p.OrderID, delivery.Options{FirstDeliveryOnly: p.FirstDeliveryOnly})
		return err

	case domain.JobDeliverBatch:
		res, err := h.deliverer.DeliverBatch(ctx)
		if err != nil {
			return err
		}
		h.logger.Info("batch delivery complete", "orders", res.Orders, "delivered", res.Delivered)
		return nil

	case domain.JobProcessRefund:
		var p domain.ProcessRefundPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		_, err := h.refunder.RefundOrder(ctx, p.OrderID, p.Reason)
		return err

	case domain.JobProcessReplacement:
		var p domain.ProcessReplacementPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		return h.replacer.ProcessReplacement(ctx, p.TicketID, p.ItemID)

	case domain.JobReferral:
		var p domain.ReferralPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		return h.referrals.ProcessReferral(ctx, p.OrderID)
	}

	return fmt.Errorf("unknown job type %q", job.Type)
}

// HandleMessage is the queue consumer entry point. Undecodable messages and
// missing orders are dropped instead of retried.
func (h *Handler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	job, err := messaging.DecodeJob(msg)
	if err != nil {
		h.logger.Error("dropping undecodable job", "key", string(msg.Key), "error", err)
		return nil
	}

	err = h.Handle(ctx, job)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.Warn("dropping job for missing record", "type", job.Type, "dedup_id", job.DedupID, "error", err)
		return nil
	}
	return err
}

func decode(job domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return nil
}
