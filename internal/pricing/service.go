package pricing

import (
	"context"
	"errors"
	"math"
	"strings"
)

// CatalogRepository resolves list prices, tiers and discount codes.
type CatalogRepository interface {
	FindServicePrice(ctx context.Context, serviceType string) (ServicePrice, bool, error)
	FindTier(ctx context.Context, name string) (Tier, bool, error)
	FindDiscount(ctx context.Context, code string) (Discount, bool, error)
}

// Service quotes services for callers.
//
// Contract:
//   - Unknown service types are priced as DefaultServiceType.
//   - Unknown tiers and codes do not fail the quote; they grant no reduction.
//   - Pure calculation + repository lookups.
type Service struct {
	repo CatalogRepository
}

func NewService(repo CatalogRepository) *Service {
	if repo == nil {
		repo = NewDefaultRepo()
	}
	return &Service{repo: repo}
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

// Quote computes base * quantity, scaled by the tier and then by the
// discount code. Totals round half away from zero to the cent.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.ServiceType == "" || req.Quantity < 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return Quote{}, ErrInvalidPricingReq
	}
	qty := req.Quantity
	if qty == 0 {
		qty = 1
	}

	sp, ok, err := s.repo.FindServicePrice(ctx, req.ServiceType)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		sp, ok, err = s.repo.FindServicePrice(ctx, DefaultServiceType)
		if err != nil {
			return Quote{}, err
		}
		if !ok {
			return Quote{}, ErrPricingNotFound
		}
	}
	currency := sp.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	pct := 100
	if req.CustomerTier != "" {
		t, found, err := s.repo.FindTier(ctx, req.CustomerTier)
		if err != nil {
			return Quote{}, err
		}
		if found && t.PercentOfPrice > 0 && t.PercentOfPrice <= 100 {
			pct = t.PercentOfPrice
		}
	}

	codeOff := 0
	if code := strings.TrimSpace(req.DiscountCode); code != "" {
		d, found, err := s.repo.FindDiscount(ctx, code)
		if err != nil {
			return Quote{}, err
		}
		if found && d.PercentOff > 0 && d.PercentOff <= 100 {
			codeOff = d.PercentOff
		}
	}

	total := float64(sp.BaseMinor) * qty * float64(pct) / 100
	total = total * float64(100-codeOff) / 100

	return Quote{
		ServiceType:         req.ServiceType,
		Quantity:            req.Quantity,
		Currency:            currency,
		BaseMinor:           sp.BaseMinor,
		TotalMinor:          int64(math.Round(total)),
		TierDiscountPercent: 100 - pct,
		CodeDiscountPercent: codeOff,
	}, nil
}

// MinorToMajor converts cents to a decimal amount.
func MinorToMajor(minor int64) float64 {
	return float64(minor) / 100
}
