package memstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
	"github.com/joao-fontenele/orderengine/internal/ledger"
)

func (s *Store) apply(userID string, delta decimal.Decimal, kind, reason, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[reference] {
		return false, nil
	}
	u, ok := s.users[userID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if u.balance.Add(delta).IsNegative() {
		return false, domain.ErrInsufficientBalance
	}
	u.balance = u.balance.Add(delta)
	s.refs[reference] = true
	s.txs = append(s.txs, Transaction{UserID: userID, Amount: delta, Kind: kind, Reason: reason, Reference: reference})
	return true, nil
}

func (s *Store) Credit(_ context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error) {
	return s.apply(userID, amount, "credit", reason, reference)
}

func (s *Store) Debit(_ context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error) {
	return s.apply(userID, amount.Neg(), "debit", reason, reference)
}

func (s *Store) Reverse(_ context.Context, reference, reason string) (bool, error) {
	s.mu.Lock()
	var debit *Transaction
	for i := range s.txs {
		if s.txs[i].Reference == reference && s.txs[i].Kind == "debit" {
			debit = &s.txs[i]
			break
		}
	}
	var (
		userID string
		amount decimal.Decimal
	)
	if debit != nil {
		userID, amount = debit.UserID, debit.Amount.Neg()
	}
	s.mu.Unlock()

	if debit == nil {
		return false, nil
	}
	return s.apply(userID, amount, "credit", reason, ledger.ReversalReference(reference))
}

func (s *Store) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return u.balance, nil
}

func (s *Store) RecordPurchase(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "purchase-" + order.ID
	if s.refs[ref] {
		return nil
	}
	s.refs[ref] = true
	s.txs = append(s.txs, Transaction{UserID: order.UserID, Amount: order.Amount, Kind: "purchase", Reason: order.PaymentGateway, Reference: ref})
	return nil
}

func (s *Store) CreditSaved(_ context.Context, orderID, userID string, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.SavedCredited {
		return false, nil
	}
	o.SavedCredited = true
	if u, ok := s.users[userID]; ok && amount.IsPositive() {
		u.saved = u.saved.Add(amount)
	}
	return true, nil
}

func (s *Store) ProcessReferral(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[orderID]++
	return nil
}

func (s *Store) RecordExpenses(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenses[orderID]++
	return nil
}

// Transactions returns a snapshot of the ledger.
func (s *Store) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction{}, s.txs...)
}

func (s *Store) TotalSaved(userID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.saved
	}
	return decimal.Zero
}

func (s *Store) ReferralCalls(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.referrals[orderID]
}
