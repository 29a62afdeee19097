package pricing

// Quote amounts are expressed in minor units (cents) using int64.

// ServicePrice is the list price of one unit of a service.
type ServicePrice struct {
	ServiceType string `json:"service_type"`
	Currency    string `json:"currency"`
	BaseMinor   int64  `json:"base_minor"`
}

// Tier scales the list price for a customer tier, in percent of list.
type Tier struct {
	Name           string `json:"name"`
	PercentOfPrice int    `json:"percent_of_price"`
}

// Discount is a promotional code taking a percentage off the total.
type Discount struct {
	Code       string `json:"code"`
	PercentOff int    `json:"percent_off"`
}

type QuoteRequest struct {
	ServiceType  string
	Quantity     float64
	CustomerTier string
	DiscountCode string
}

type Quote struct {
	ServiceType string  `json:"service_type"`
	Quantity    float64 `json:"quantity"`
	Currency    string  `json:"currency"`

	BaseMinor  int64 `json:"base_minor"`
	TotalMinor int64 `json:"total_minor"`

	// TierDiscountPercent is the reduction granted by the customer tier.
	TierDiscountPercent int `json:"tier_discount"`
	// CodeDiscountPercent is the reduction granted by the discount code.
	CodeDiscountPercent int `json:"code_discount"`
}

// DefaultCurrency applies when a catalog row has none.
const DefaultCurrency = "USD"

// DefaultServiceType is priced when the requested service is unknown.
const DefaultServiceType = "consultation"

// DefaultCatalog is the built-in service catalog.
func DefaultCatalog() ([]ServicePrice, []Tier, []Discount) {
	services := []ServicePrice{
		{ServiceType: "consultation", Currency: DefaultCurrency, BaseMinor: 10000},
		{ServiceType: "basic_service", Currency: DefaultCurrency, BaseMinor: 20000},
		{ServiceType: "premium_service", Currency: DefaultCurrency, BaseMinor: 50000},
		{ServiceType: "enterprise_service", Currency: DefaultCurrency, BaseMinor: 100000},
	}
	tiers := []Tier{
		{Name: "basic", PercentOfPrice: 100},
		{Name: "standard", PercentOfPrice: 90},
		{Name: "premium", PercentOfPrice: 80},
	}
	discounts := []Discount{
		{Code: "SAVE10", PercentOff: 10},
	}
	return services, tiers, discounts
}
