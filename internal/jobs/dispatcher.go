// Package jobs routes guaranteed-delivery work between the queue and the
// engine components that execute it.
package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

type runner interface {
	Handle(ctx context.Context, job domain.Job) error
}

// Dispatcher enqueues jobs and, when the queue rejects them, runs them
// inline. Every job is idempotent, so the fallback may overlap a delivery the
// queue already accepted. A Dispatcher without a queue runs everything inline.
type Dispatcher struct {
	queue  enqueuer
	inline runner
	logger *slog.Logger
}

func NewDispatcher(queue enqueuer, inline runner, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, inline: inline, logger: logger}
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobType domain.JobType, dedupID string, payload any) {
	job, err := domain.NewJob(jobType, dedupID, payload)
	if err != nil {
		d.logger.Error("failed to build job", "type", jobType, "error", err)
		return
	}

	if d.queue == nil {
		d.runInline(ctx, job)
		return
	}

	err = d.queue.Enqueue(ctx, job)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrDuplicateJob) {
		d.logger.Info("job already queued", "type", jobType, "dedup_id", dedupID)
		return
	}

	d.logger.Warn("enqueue failed, running job inline", "type", jobType, "dedup_id", dedupID, "error", err)
	d.runInline(ctx, job)
}

func (d *Dispatcher) runInline(ctx context.Context, job domain.Job) {
	if err := d.inline.Handle(context.WithoutCancel(ctx), job); err != nil {
		d.logger.Error("inline job failed", "type", job.Type, "dedup_id", job.DedupID, "error", err)
	}
}

func (d *Dispatcher) DispatchDelivery(ctx context.Context, orderID string, firstDeliveryOnly bool) {
	d.Dispatch(ctx, domain.JobDeliverGoods, domain.DeliverDedupID(orderID),
		domain.DeliverGoodsPayload{OrderID: orderID, FirstDeliveryOnly: firstDeliveryOnly})
}

func (d *Dispatcher) DispatchReferral(ctx context.Context, orderID string) {
	d.Dispatch(ctx, domain.JobReferral, domain.ReferralDedupID(orderID), domain.ReferralPayload{OrderID: orderID})
}

func (d *Dispatcher) DispatchBatch(ctx context.Context) {
	d.Dispatch(ctx, domain.JobDeliverBatch, "", domain.DeliverBatchPayload{})
}

func (d *Dispatcher) DispatchRefund(ctx context.Context, orderID, reason string) {
	d.Dispatch(ctx, domain.JobProcessRefund, domain.RefundDedupID(orderID),
		domain.ProcessRefundPayload{OrderID: orderID, Reason: reason})
}

func (d *Dispatcher) DispatchReplacement(ctx context.Context, ticketID, itemID string) {
	d.Dispatch(ctx, domain.JobProcessReplacement, domain.ReplacementDedupID(ticketID),
		domain.ProcessReplacementPayload{TicketID: ticketID, ItemID: itemID})
}
