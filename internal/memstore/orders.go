package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem{}, o.Items...)
	return &c
}

func (s *Store) findItem(itemID string) *domain.OrderItem {
	for _, o := range s.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				return &o.Items[i]
			}
		}
	}
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.New().String()
		}
		order.Items[i].OrderID = order.ID
		order.Items[i].CreatedAt = now
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Store) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok && o.Status == domain.OrderStatusPending {
		delete(s.orders, id)
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *Store) GetOrderByPaymentID(_ context.Context, paymentID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PaymentID != "" && o.PaymentID == paymentID {
			return cloneOrder(o), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListUserOrders(_ context.Context, userID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CompareAndSetStatus(_ context.Context, id string, from, to domain.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) CancelOrder(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != domain.OrderStatusPending {
		return false, nil
	}
	o.Status = domain.OrderStatusCancelled
	for i := range o.Items {
		if o.Items[i].Status.IsWaiting() {
			o.Items[i].Status = domain.ItemStatusCancelled
		}
	}
	return true, nil
}

func (s *Store) ReopenCancelledOrder(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != domain.OrderStatusCancelled {
		return false, nil
	}
	o.Status = domain.OrderStatusPending
	o.ExpiresAt = expiresAt
	for i := range o.Items {
		if o.Items[i].Status == domain.ItemStatusCancelled {
			o.Items[i].Status = domain.ItemStatusPending
		}
	}
	return true, nil
}

func (s *Store) SetPaymentDetails(_ context.Context, id, paymentID, paymentURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	if paymentID != "" {
		o.PaymentID = paymentID
	}
	if paymentURL != "" {
		o.PaymentURL = paymentURL
	}
	return nil
}

func (s *Store) SetFulfillmentDeadline(_ context.Context, id string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.FulfillmentDeadline = &deadline
	}
	return nil
}

func (s *Store) MarkOrderNotified(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.DeliveredAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	o.DeliveredAt = &now
	return true, nil
}

func (s *Store) listOrders(match func(*domain.Order) bool, limit int) []string {
	var matched []*domain.Order
	for _, o := range s.orders {
		if match(o) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	ids := make([]string, 0, len(matched))
	for _, o := range matched {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids
}

func hasWaiting(o *domain.Order) bool {
	for _, item := range o.Items {
		if item.Status.IsWaiting() {
			return true
		}
	}
	return false
}

func openForDelivery(o *domain.Order) bool {
	return o.Status == domain.OrderStatusPaid || o.Status == domain.OrderStatusPrepaid || o.Status == domain.OrderStatusPartial
}

func (s *Store) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o *domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.ExpiresAt.Before(now)
	}, limit), nil
}

func (s *Store) ListOrdersWithWaitingItems(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o *domain.Order) bool {
		return openForDelivery(o) && hasWaiting(o)
	}, limit), nil
}

func (s *Store) ListOverdueOrders(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrders(func(o *domain.Order) bool {
		return openForDelivery(o) && hasWaiting(o) && o.FulfillmentDeadline != nil && o.FulfillmentDeadline.Before(now)
	}, limit), nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(id)
	if item == nil {
		return nil, domain.ErrNotFound
	}
	c := *item
	return &c, nil
}

func (s *Store) DeliverItem(_ context.Context, itemID, stockItemID, content string, deliveredAt time.Time, expiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(itemID)
	if item == nil || !item.Status.IsWaiting() {
		return false, nil
	}
	item.Status = domain.ItemStatusDelivered
	item.StockItemID = stockItemID
	item.DeliveryContent = content
	item.DeliveredAt = &deliveredAt
	item.ExpiresAt = expiresAt
	return true, nil
}

func (s *Store) CompareAndSetItemStatus(_ context.Context, itemID string, from, to domain.ItemStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(itemID)
	if item == nil || item.Status != from {
		return false, nil
	}
	item.Status = to
	return true, nil
}

func (s *Store) ReplaceItemCredential(_ context.Context, itemID, oldStockID, newStockID, content string, expiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(itemID)
	if item == nil || item.Status != domain.ItemStatusDelivered || item.StockItemID != oldStockID {
		return false, nil
	}
	now := time.Now().UTC()
	item.StockItemID = newStockID
	item.DeliveryContent = content
	item.DeliveredAt = &now
	item.ExpiresAt = expiresAt
	return true, nil
}

func (s *Store) CreateTicket(_ context.Context, ticket *domain.Ticket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.OrderID == ticket.OrderID && t.ItemID == ticket.ItemID && t.Kind == ticket.Kind && t.Status != domain.TicketStatusClosed {
			return false, nil
		}
	}
	if ticket.ID == "" {
		ticket.ID = uuid.New().String()
	}
	if ticket.Status == "" {
		ticket.Status = domain.TicketStatusOpen
	}
	ticket.CreatedAt = time.Now().UTC()
	c := *ticket
	s.tickets[c.ID] = &c
	return true, nil
}

func (s *Store) GetTicket(_ context.Context, id string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) CloseTicket(_ context.Context, id, resolution string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.Status == domain.TicketStatusClosed {
		return false, nil
	}
	t.Status = domain.TicketStatusClosed
	t.Resolution = resolution
	return true, nil
}

// Tickets returns a snapshot of every ticket.
func (s *Store) Tickets() []domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, *t)
	}
	return out
}
