package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderengine/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var fiat []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Price, &p.DiscountPercent, &p.DurationDays, &p.FulfillmentHours, &fiat); err != nil {
		return nil, err
	}
	if len(fiat) > 0 {
		var prices map[string]decimal.Decimal
		if err := json.Unmarshal(fiat, &prices); err != nil {
			return nil, fmt.Errorf("decode fiat prices for %s: %w", p.ID, err)
		}
		if len(prices) > 0 {
			p.FiatPrices = prices
		}
	}
	return &p, nil
}

const productColumns = `id, name, price, discount_percent, duration_days, fulfillment_hours, fiat_prices`

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// GetProducts returns the products found among ids, keyed by id.
func (r *Repository) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = *p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *Repository) GetPromo(ctx context.Context, code string) (*domain.PromoCode, error) {
	var promo domain.PromoCode
	var productID sql.NullString
	var expiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT code, discount_percent, product_id, expires_at, usage_limit, usage_count, active
		FROM promo_codes
		WHERE code = $1
	`, code).Scan(&promo.Code, &promo.DiscountPercent, &productID, &expiresAt,
		&promo.UsageLimit, &promo.UsageCount, &promo.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get promo: %w", err)
	}

	promo.ProductID = productID.String
	if expiresAt.Valid {
		promo.ExpiresAt = &expiresAt.Time
	}
	return &promo, nil
}

// IncrementPromoUsage consumes one use. Exhausted codes are left untouched.
func (r *Repository) IncrementPromoUsage(ctx context.Context, code string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE promo_codes
		SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit = 0 OR usage_count < usage_limit)
	`, code)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return domain.ErrPromoInvalid
	}
	return nil
}
