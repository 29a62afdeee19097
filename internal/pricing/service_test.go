package pricing

import (
	"context"
	"errors"
	"testing"
)

func TestQuote_TierAndCode(t *testing.T) {
	svc := NewService(NewDefaultRepo())

	q, err := svc.Quote(context.Background(), QuoteRequest{
		ServiceType:  "premium_service",
		Quantity:     2,
		CustomerTier: "standard",
		DiscountCode: "save10",
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 500 * 2 * 0.9 * 0.9 = 810
	if q.TotalMinor != 81000 {
		t.Fatalf("expected 81000, got %d", q.TotalMinor)
	}
	if q.BaseMinor != 50000 || q.TierDiscountPercent != 10 || q.CodeDiscountPercent != 10 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.Currency != "USD" {
		t.Fatalf("expected USD, got %s", q.Currency)
	}
}

func TestQuote_UnknownServiceFallsBack(t *testing.T) {
	svc := NewService(nil)
	q, err := svc.Quote(context.Background(), QuoteRequest{ServiceType: "gardening", Quantity: 3})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.BaseMinor != 10000 || q.TotalMinor != 30000 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.ServiceType != "gardening" {
		t.Fatalf("service type should be echoed, got %s", q.ServiceType)
	}
}

func TestQuote_UnknownTierAndCode(t *testing.T) {
	svc := NewService(nil)
	q, err := svc.Quote(context.Background(), QuoteRequest{
		ServiceType:  "consultation",
		Quantity:     1.5,
		CustomerTier: "gold",
		DiscountCode: "BOGUS",
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.TotalMinor != 15000 || q.TierDiscountPercent != 0 || q.CodeDiscountPercent != 0 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuote_Invalid(t *testing.T) {
	svc := NewService(nil)
	if _, err := svc.Quote(context.Background(), QuoteRequest{Quantity: 1}); !errors.Is(err, ErrInvalidPricingReq) {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
	if _, err := svc.Quote(context.Background(), QuoteRequest{ServiceType: "consultation", Quantity: -1}); !errors.Is(err, ErrInvalidPricingReq) {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
}

func TestQuote_EmptyCatalog(t *testing.T) {
	svc := NewService(NewMemoryRepo(nil, nil, nil))
	if _, err := svc.Quote(context.Background(), QuoteRequest{ServiceType: "consultation", Quantity: 1}); !errors.Is(err, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
}
