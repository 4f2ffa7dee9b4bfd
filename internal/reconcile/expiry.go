package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/ledger"
)

const ReasonExpired = "order_expired"

type expiryRepository interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
}

type debitReverser interface {
	Reverse(ctx context.Context, reference, reason string) (bool, error)
}

type reservations interface {
	ReleaseOrderReservations(ctx context.Context, orderID string) (int, error)
	ReleaseStaleReservations(ctx context.Context, before time.Time) (int, error)
}

// Expirer cancels pending orders whose payment window closed.
type Expirer struct {
	repo    expiryRepository
	stock   reservations
	ledger  debitReverser
	holdTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewExpirer builds an Expirer. Holds older than holdTTL are released even
// when their order is gone. Balance orders that never confirmed get their
// debit reversed before they are cancelled.
func NewExpirer(repo expiryRepository, stock reservations, balances debitReverser, holdTTL time.Duration, logger *slog.Logger) *Expirer {
	return &Expirer{
		repo:    repo,
		stock:   stock,
		ledger:  balances,
		holdTTL: holdTTL,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type ExpiryResult struct {
	Cancelled     int `json:"cancelled"`
	Reversed      int `json:"reversed"`
	Released      int `json:"released"`
	StaleReleased int `json:"stale_released"`
}

func (e *Expirer) ExpirePending(ctx context.Context) (ExpiryResult, error) {
	now := e.now()
	ids, err := e.repo.ListExpiredPending(ctx, now, sweepLimit)
	if err != nil {
		return ExpiryResult{}, err
	}

	var res ExpiryResult
	for _, id := range ids {
		reversed, err := e.reverseDebit(ctx, id)
		if err != nil {
			// Left pending so the next sweep retries the reversal.
			e.logger.Error("failed to reverse balance debit", "order_id", id, "error", err)
			continue
		}

		ok, err := e.repo.CancelOrder(ctx, id)
		if err != nil {
			e.logger.Error("failed to cancel expired order", "order_id", id, "error", err)
			continue
		}
		if !ok {
			// Paid or cancelled since it was listed.
			if reversed {
				e.logger.Error("order left pending after its debit was reversed", "order_id", id)
			}
			continue
		}
		res.Cancelled++
		if reversed {
			res.Reversed++
		}

		n, err := e.stock.ReleaseOrderReservations(ctx, id)
		if err != nil {
			e.logger.Error("failed to release order reservations", "order_id", id, "error", err)
			continue
		}
		res.Released += n
	}

	if res.StaleReleased, err = e.stock.ReleaseStaleReservations(ctx, now.Add(-e.holdTTL)); err != nil {
		e.logger.Error("failed to release stale reservations", "error", err)
	}

	if res.Cancelled > 0 || res.StaleReleased > 0 {
		e.logger.Info("expired orders swept", "cancelled", res.Cancelled, "reversed", res.Reversed,
			"released", res.Released, "stale_released", res.StaleReleased)
	}
	return res, nil
}

// reverseDebit returns the money of a balance order whose confirmation never
// landed. Gateway orders hold no balance debit.
func (e *Expirer) reverseDebit(ctx context.Context, id string) (bool, error) {
	order, err := e.repo.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if order.PaymentMethod != domain.PaymentMethodBalance || order.Status != domain.OrderStatusPending {
		return false, nil
	}

	reversed, err := e.ledger.Reverse(ctx, ledger.OrderDebitReference(id), ReasonExpired)
	if err != nil {
		return false, err
	}
	if reversed {
		e.logger.Warn("reversed debit of unconfirmed balance order", "order_id", id, "user_id", order.UserID,
			"amount", order.Amount.String())
	}
	return reversed, nil
}
