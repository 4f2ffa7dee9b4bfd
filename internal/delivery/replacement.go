package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type ticketRepository interface {
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	CloseTicket(ctx context.Context, id, resolution string) (bool, error)
	GetItem(ctx context.Context, id string) (*domain.OrderItem, error)
	ReplaceItemCredential(ctx context.Context, itemID, oldStockID, newStockID, content string, expiresAt *time.Time) (bool, error)
}

type replacementNotifier interface {
	NotifyReplacement(ctx context.Context, userID string, replaced domain.OrderItem) error
}

// Replacer swaps a faulty credential for a fresh one from stock.
type Replacer struct {
	repo      ticketRepository
	allocator allocator
	notifier  replacementNotifier
	logger    *slog.Logger
}

func NewReplacer(repo ticketRepository, alloc allocator, notifier replacementNotifier, logger *slog.Logger) *Replacer {
	return &Replacer{repo: repo, allocator: alloc, notifier: notifier, logger: logger}
}

// ProcessReplacement resolves a replacement ticket. A closed ticket is a
// no-op. With no stock the ticket stays open and domain.ErrInsufficientStock
// is returned so the job is retried.
func (r *Replacer) ProcessReplacement(ctx context.Context, ticketID, itemID string) error {
	ticket, err := r.repo.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status == domain.TicketStatusClosed {
		return nil
	}
	if ticket.Kind != domain.TicketKindReplacement {
		return fmt.Errorf("ticket %s is a %s ticket: %w", ticket.ID, ticket.Kind, domain.ErrTransitionNotAllowed)
	}
	if itemID == "" {
		itemID = ticket.ItemID
	}

	item, err := r.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.OrderID != ticket.OrderID {
		return fmt.Errorf("item %s not in order %s: %w", item.ID, ticket.OrderID, domain.ErrNotFound)
	}
	if item.Status != domain.ItemStatusDelivered {
		return fmt.Errorf("replace %s item: %w", item.Status, domain.ErrTransitionNotAllowed)
	}

	stock, err := r.allocator.Allocate(ctx, item.OrderID, item.ProductID, 1)
	if err != nil {
		return err
	}
	if len(stock) == 0 {
		r.logger.Info("no stock for replacement", "ticket_id", ticket.ID, "product_id", item.ProductID)
		return domain.ErrInsufficientStock
	}

	ok, err := r.repo.ReplaceItemCredential(ctx, item.ID, item.StockItemID, stock[0].ID, stock[0].Content, item.ExpiresAt)
	if err != nil || !ok {
		if rerr := r.allocator.Release(ctx, stock); rerr != nil {
			r.logger.Error("failed to release unused stock", "stock_item_id", stock[0].ID, "error", rerr)
		}
		if err != nil {
			return err
		}
		// A concurrent run already swapped the credential.
		_, err = r.repo.CloseTicket(ctx, ticket.ID, "replaced")
		return err
	}

	if _, err := r.repo.CloseTicket(ctx, ticket.ID, "replaced"); err != nil {
		r.logger.Error("failed to close replacement ticket", "ticket_id", ticket.ID, "error", err)
	}

	item.StockItemID = stock[0].ID
	item.DeliveryContent = stock[0].Content
	if err := r.notifier.NotifyReplacement(ctx, ticket.UserID, *item); err != nil {
		r.logger.Warn("failed to send replacement notification", "ticket_id", ticket.ID, "error", err)
	}

	r.logger.Info("credential replaced", "ticket_id", ticket.ID, "item_id", item.ID, "stock_item_id", stock[0].ID)
	return nil
}
