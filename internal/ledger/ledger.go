// Package ledger records balance movements. Every write carries a reference
// and replaying the same reference is a no-op.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Credit adds amount to the user's balance. It reports false when reference
// was already applied.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error) {
	return l.apply(ctx, userID, amount, "credit", reason, reference)
}

// Debit subtracts amount, failing with domain.ErrInsufficientBalance when the
// balance does not cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, reason, reference string) (bool, error) {
	return l.apply(ctx, userID, amount.Neg(), "debit", reason, reference)
}

// Reverse credits back the debit recorded under reference. It reports false
// when no such debit exists or it was already reversed.
func (l *Ledger) Reverse(ctx context.Context, reference, reason string) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		userID string
		delta  decimal.Decimal
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, amount FROM balance_transactions
		WHERE reference = $1 AND kind = 'debit'
	`, reference).Scan(&userID, &delta)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find debit: %w", err)
	}

	return applyTx(ctx, tx, userID, delta.Neg(), "credit", reason, ReversalReference(reference))
}

func (l *Ledger) apply(ctx context.Context, userID string, delta decimal.Decimal, kind, reason, reference string) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	return applyTx(ctx, tx, userID, delta, kind, reason, reference)
}

func applyTx(ctx context.Context, tx *sql.Tx, userID string, delta decimal.Decimal, kind, reason, reference string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO balance_transactions (user_id, amount, kind, reason, reference)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reference) DO NOTHING
	`, userID, delta, kind, reason, reference)
	if err != nil {
		return false, fmt.Errorf("insert balance transaction: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE users
		SET balance = balance + $2
		WHERE id = $1 AND balance + $2 >= 0
	`, userID, delta)
	if err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if delta.IsNegative() {
			return false, domain.ErrInsufficientBalance
		}
		return false, domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, domain.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// RecordPurchase writes an audit entry for money received through a gateway.
// The user's balance is not touched.
func (l *Ledger) RecordPurchase(ctx context.Context, order *domain.Order) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO balance_transactions (user_id, amount, kind, reason, reference)
		VALUES ($1, $2, 'purchase', $3, $4)
		ON CONFLICT (reference) DO NOTHING
	`, order.UserID, order.Amount, order.PaymentGateway, PurchaseReference(order.ID))
	if err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	return nil
}

// CreditSaved adds the order's discount to the buyer's saved total exactly once.
func (l *Ledger) CreditSaved(ctx context.Context, orderID, userID string, amount decimal.Decimal) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET saved_credited = TRUE
		WHERE id = $1 AND saved_credited = FALSE
	`, orderID)
	if err != nil {
		return false, fmt.Errorf("flag saved credited: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}

	if amount.IsPositive() {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET total_saved = total_saved + $2 WHERE id = $1
		`, userID, amount); err != nil {
			return false, fmt.Errorf("update total saved: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessReferral runs the database-side referral bonus procedure.
func (l *Ledger) ProcessReferral(ctx context.Context, orderID string) error {
	if _, err := l.db.ExecContext(ctx, `SELECT process_referral_bonus($1)`, orderID); err != nil {
		return fmt.Errorf("process referral bonus: %w", err)
	}
	return nil
}

func (l *Ledger) RecordExpenses(ctx context.Context, orderID string) error {
	if _, err := l.db.ExecContext(ctx, `SELECT calculate_order_expenses($1)`, orderID); err != nil {
		return fmt.Errorf("calculate order expenses: %w", err)
	}
	return nil
}

func OrderDebitReference(orderID string) string { return "order-" + orderID }
func PurchaseReference(orderID string) string   { return "purchase-" + orderID }
func RefundReference(itemID string) string      { return "refund-" + itemID }
func ReversalReference(ref string) string       { return "reversal-" + ref }
