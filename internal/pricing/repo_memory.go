package pricing

import (
	"context"
	"strings"
	"sync"
)

// MemoryRepo is an in-memory catalog. It backs the built-in catalog and tests.
type MemoryRepo struct {
	mu        sync.RWMutex
	services  map[string]ServicePrice
	tiers     map[string]Tier
	discounts map[string]Discount
}

func NewMemoryRepo(services []ServicePrice, tiers []Tier, discounts []Discount) *MemoryRepo {
	r := &MemoryRepo{
		services:  make(map[string]ServicePrice, len(services)),
		tiers:     make(map[string]Tier, len(tiers)),
		discounts: make(map[string]Discount, len(discounts)),
	}
	for _, s := range services {
		r.services[s.ServiceType] = s
	}
	for _, t := range tiers {
		r.tiers[t.Name] = t
	}
	for _, d := range discounts {
		r.discounts[strings.ToUpper(d.Code)] = d
	}
	return r
}

// NewDefaultRepo returns a MemoryRepo loaded with DefaultCatalog.
func NewDefaultRepo() *MemoryRepo {
	return NewMemoryRepo(DefaultCatalog())
}

func (r *MemoryRepo) FindServicePrice(ctx context.Context, serviceType string) (ServicePrice, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[serviceType]
	return s, ok, nil
}

func (r *MemoryRepo) FindTier(ctx context.Context, name string) (Tier, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[name]
	return t, ok, nil
}

func (r *MemoryRepo) FindDiscount(ctx context.Context, code string) (Discount, bool, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.discounts[strings.ToUpper(code)]
	return d, ok, nil
}
