// Package memstore is an in-memory stand-in for the Postgres repositories.
// Conditional updates behave as they do in SQL: each one checks and writes
// under a single lock.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type user struct {
	balance decimal.Decimal
	saved   decimal.Decimal
}

type Transaction struct {
	UserID    string
	Amount    decimal.Decimal
	Kind      string
	Reason    string
	Reference string
}

type Store struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	promos    map[string]domain.PromoCode
	stock     map[string]*domain.StockItem
	orders    map[string]*domain.Order
	tickets   map[string]*domain.Ticket
	users     map[string]*user
	txs       []Transaction
	refs      map[string]bool
	referrals map[string]int
	expenses  map[string]int
	seq       int
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		promos:    make(map[string]domain.PromoCode),
		stock:     make(map[string]*domain.StockItem),
		orders:    make(map[string]*domain.Order),
		tickets:   make(map[string]*domain.Ticket),
		users:     make(map[string]*user),
		refs:      make(map[string]bool),
		referrals: make(map[string]int),
		expenses:  make(map[string]int),
	}
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutPromo(p domain.PromoCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promos[p.Code] = p
}

func (s *Store) PutUser(id string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &user{balance: balance, saved: decimal.Zero}
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetPromo(_ context.Context, code string) (*domain.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (s *Store) IncrementPromoUsage(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[code]
	if !ok || (p.UsageLimit > 0 && p.UsageCount >= p.UsageLimit) {
		return domain.ErrPromoInvalid
	}
	p.UsageCount++
	s.promos[code] = p
	return nil
}

// stock

func (s *Store) sortedStock(match func(*domain.StockItem) bool, limit int) []domain.StockItem {
	var out []domain.StockItem
	for _, item := range s.stock {
		if match(item) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) AvailableStock(_ context.Context, productID string, limit int) ([]domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedStock(func(it *domain.StockItem) bool {
		return it.ProductID == productID && it.Status == domain.StockStatusAvailable
	}, limit), nil
}

func (s *Store) ReservedStock(_ context.Context, orderID, productID string, limit int) ([]domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedStock(func(it *domain.StockItem) bool {
		return it.ProductID == productID && it.Status == domain.StockStatusReserved && it.ReservedOrderID == orderID
	}, limit), nil
}

func (s *Store) ReserveStock(_ context.Context, stockID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.stock[stockID]
	if !ok || item.Status != domain.StockStatusAvailable {
		return false, nil
	}
	now := time.Now().UTC()
	item.Status = domain.StockStatusReserved
	item.ReservedOrderID = orderID
	item.ReservedAt = &now
	return true, nil
}

func (s *Store) MarkStockSold(_ context.Context, stockID string, from domain.StockStatus, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.stock[stockID]
	if !ok || item.Status != from {
		return false, nil
	}
	if from == domain.StockStatusReserved && item.ReservedOrderID != orderID {
		return false, nil
	}
	now := time.Now().UTC()
	item.Status = domain.StockStatusSold
	item.SoldAt = &now
	item.ReservedOrderID = orderID
	return true, nil
}

func (s *Store) ReleaseStock(_ context.Context, stockID string, from domain.StockStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.stock[stockID]
	if !ok || item.Status != from {
		return false, nil
	}
	item.Status = domain.StockStatusAvailable
	item.ReservedOrderID = ""
	item.ReservedAt = nil
	item.SoldAt = nil
	return true, nil
}

func (s *Store) ReleaseOrderReservations(_ context.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.stock {
		if item.Status == domain.StockStatusReserved && item.ReservedOrderID == orderID {
			item.Status = domain.StockStatusAvailable
			item.ReservedOrderID = ""
			item.ReservedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseStaleReservations(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.stock {
		if item.Status == domain.StockStatusReserved && item.ReservedAt != nil && item.ReservedAt.Before(before) {
			item.Status = domain.StockStatusAvailable
			item.ReservedOrderID = ""
			item.ReservedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) CountAvailable(_ context.Context, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.stock {
		if item.ProductID == productID && item.Status == domain.StockStatusAvailable {
			n++
		}
	}
	return n, nil
}

func (s *Store) HasStockFor(_ context.Context, orderID string, productIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.stock {
		if !slices.Contains(productIDs, item.ProductID) {
			continue
		}
		if item.Status == domain.StockStatusAvailable ||
			(item.Status == domain.StockStatusReserved && item.ReservedOrderID == orderID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) AddStock(_ context.Context, productID string, contents []string) ([]domain.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		return nil, domain.ErrNotFound
	}
	base := time.Now().UTC()
	items := make([]domain.StockItem, 0, len(contents))
	for _, content := range contents {
		s.seq++
		item := &domain.StockItem{
			ID:        uuid.New().String(),
			ProductID: productID,
			Content:   content,
			Status:    domain.StockStatusAvailable,
			CreatedAt: base.Add(time.Duration(s.seq) * time.Microsecond),
		}
		s.stock[item.ID] = item
		items = append(items, *item)
	}
	return items, nil
}

func (s *Store) StockLevel(_ context.Context, productID string) (*domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	level := &domain.StockLevel{ProductID: productID}
	for _, item := range s.stock {
		if item.ProductID != productID {
			continue
		}
		switch item.Status {
		case domain.StockStatusAvailable:
			level.Available++
		case domain.StockStatusReserved:
			level.Reserved++
		case domain.StockStatusSold:
			level.Sold++
		}
	}
	return level, nil
}

// StockItems returns a snapshot of every stock row.
func (s *Store) StockItems() []domain.StockItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedStock(func(*domain.StockItem) bool { return true }, 0)
}
