package market

import "fmt"

// Family identifies a tracked metric category.
type Family string

const (
	SpotPrice          Family = "spot"
	FuturesPrice       Family = "futures"
	AtmMarkIV          Family = "mark_iv"
	PoolDepositedValue Family = "pool_dv"
	PoolSharePrice     Family = "pool_price"
)

// Families lists every family in reporting order.
var Families = []Family{SpotPrice, FuturesPrice, AtmMarkIV, PoolDepositedValue, PoolSharePrice}

// PriceFamilies are evaluated by the price/volatility pipeline.
var PriceFamilies = []Family{SpotPrice, FuturesPrice, AtmMarkIV}

// LiquidityFamilies are evaluated by the liquidity pipeline.
var LiquidityFamilies = []Family{PoolDepositedValue, PoolSharePrice}

// Rank returns the family's position in reporting order, or len(Families) when unknown.
func (f Family) Rank() int {
	for i, candidate := range Families {
		if candidate == f {
			return i
		}
	}
	return len(Families)
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f.Rank() < len(Families)
}

// Tag is the short label used in notification lines.
func (f Family) Tag() string {
	switch f {
	case SpotPrice:
		return "spot"
	case FuturesPrice:
		return "future"
	case AtmMarkIV:
		return "mark-iv"
	case PoolDepositedValue:
		return "olp-dv"
	case PoolSharePrice:
		return "olp-price"
	default:
		return string(f)
	}
}

// ParseFamily converts a configuration or CLI string into a Family.
func ParseFamily(v string) (Family, error) {
	f := Family(v)
	if !f.Valid() {
		return "", fmt.Errorf("unknown metric family %q", v)
	}
	return f, nil
}
