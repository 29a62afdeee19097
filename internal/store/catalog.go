package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"callbridge/internal/pricing"
)

func (p *Postgres) FindServicePrice(ctx context.Context, serviceType string) (pricing.ServicePrice, bool, error) {
	const q = `
SELECT service_type, COALESCE(currency, ''), base_minor
FROM service_prices
WHERE service_type = $1 AND is_active
`
	var s pricing.ServicePrice
	err := p.db.QueryRowContext(ctx, q, serviceType).Scan(&s.ServiceType, &s.Currency, &s.BaseMinor)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.ServicePrice{}, false, nil
	}
	if err != nil {
		return pricing.ServicePrice{}, false, err
	}
	return s, true, nil
}

func (p *Postgres) FindTier(ctx context.Context, name string) (pricing.Tier, bool, error) {
	const q = `SELECT name, percent_of_price FROM pricing_tiers WHERE name = $1`
	var t pricing.Tier
	err := p.db.QueryRowContext(ctx, q, name).Scan(&t.Name, &t.PercentOfPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Tier{}, false, nil
	}
	if err != nil {
		return pricing.Tier{}, false, err
	}
	return t, true, nil
}

// FindDiscount matches codes case-insensitively and ignores expired codes.
func (p *Postgres) FindDiscount(ctx context.Context, code string) (pricing.Discount, bool, error) {
	const q = `
SELECT code, percent_off
FROM discount_codes
WHERE upper(code) = $1 AND (expires_at IS NULL OR expires_at > now())
`
	var d pricing.Discount
	err := p.db.QueryRowContext(ctx, q, strings.ToUpper(code)).Scan(&d.Code, &d.PercentOff)
	if errors.Is(err, sql.ErrNoRows) {
		return pricing.Discount{}, false, nil
	}
	if err != nil {
		return pricing.Discount{}, false, err
	}
	return d, true, nil
}
