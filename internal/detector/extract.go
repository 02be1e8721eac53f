package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"market-change-alerts/internal/fetcher"
	"market-change-alerts/internal/market"
)

var (
	// ErrNoCandidateStrike means an asset has no strikes to pick an ATM from.
	ErrNoCandidateStrike = errors.New("no candidate strike")
	// ErrNoSpotPrice means an asset has no usable spot price to centre the ATM search on.
	ErrNoSpotPrice = errors.New("no spot price")
	// ErrNoATMQuote means the ATM strike is quoted without a mark IV.
	ErrNoATMQuote = errors.New("atm strike has no mark iv")
)

// Issue describes an upstream data defect that was dropped during extraction.
type Issue struct {
	Family market.Family
	Key    market.InstanceKey
	Reason string
}

// Extraction is the flattened output of one snapshot.
type Extraction struct {
	// Values holds everything to persist, keyed by family.
	Values map[market.Family]market.Values
	// Targets lists the instances to evaluate this run.
	Targets map[market.Family][]market.InstanceKey
	// ATM maps asset to the strike chosen for its IV instances.
	ATM map[string]float64
	// Skipped maps asset to the reason its IV instances were not evaluated.
	Skipped map[string]error
	Issues  []Issue
}

func newExtraction(families []market.Family) Extraction {
	ex := Extraction{
		Values:  make(map[market.Family]market.Values, len(families)),
		Targets: make(map[market.Family][]market.InstanceKey, len(families)),
		ATM:     make(map[string]float64),
		Skipped: make(map[string]error),
	}
	for _, f := range families {
		ex.Values[f] = make(market.Values)
	}
	return ex
}

func (ex *Extraction) put(family market.Family, key market.InstanceKey, value float64) bool {
	if !isFinite(value) {
		ex.Issues = append(ex.Issues, Issue{Family: family, Key: key, Reason: "non-finite value"})
		return false
	}
	ex.Values[family][key] = value
	return true
}

// ExtractMarket flattens a market snapshot for the tracked assets.
func ExtractMarket(snap market.MarketSnapshot, assets []string) Extraction {
	ex := newExtraction(market.PriceFamilies)

	for _, asset := range assets {
		extractPrice(&ex, market.SpotPrice, asset, snap.Spot)
		extractPrice(&ex, market.FuturesPrice, asset, snap.Futures)
	}

	for _, asset := range assets {
		byType := snap.Surface[asset]
		strikes := append([]float64(nil), snap.Strikes[asset]...)
		if len(byType) == 0 && len(strikes) == 0 {
			ex.Skipped[asset] = fmt.Errorf("%s: %w", asset, ErrNoCandidateStrike)
			continue
		}

		for optionType, byExpiry := range byType {
			for expiry, byStrike := range byExpiry {
				for strike, iv := range byStrike {
					if strike == 0 || !isFinite(strike) {
						continue
					}
					strikes = append(strikes, strike)
					ex.put(market.AtmMarkIV, market.OptionKey(asset, optionType, expiry, strike), iv)
				}
			}
		}

		spot, ok := snap.Spot[asset]
		if !ok || !isFinite(spot) {
			ex.Skipped[asset] = fmt.Errorf("%s: %w", asset, ErrNoSpotPrice)
			continue
		}
		atm, err := NearestStrike(strikes, spot)
		if err != nil {
			ex.Skipped[asset] = fmt.Errorf("%s: %w", asset, err)
			continue
		}
		ex.ATM[asset] = atm

		found := false
		for _, optionType := range market.OptionTypes {
			expiries := lo.Keys(byType[optionType])
			sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })
			for _, expiry := range expiries {
				key := market.OptionKey(asset, optionType, expiry, atm)
				if _, ok := ex.Values[market.AtmMarkIV][key]; ok {
					ex.Targets[market.AtmMarkIV] = append(ex.Targets[market.AtmMarkIV], key)
					found = true
				}
			}
		}
		if !found {
			ex.Skipped[asset] = fmt.Errorf("%s %v: %w", asset, atm, ErrNoATMQuote)
		}
	}

	return ex
}

func extractPrice(ex *Extraction, family market.Family, asset string, prices map[string]float64) {
	key := market.AssetKey(asset)
	value, ok := prices[asset]
	if !ok {
		ex.Issues = append(ex.Issues, Issue{Family: family, Key: key, Reason: "missing price"})
		return
	}
	if ex.put(family, key, value) {
		ex.Targets[family] = append(ex.Targets[family], key)
	}
}

// ExtractLiquidity flattens a pool snapshot into its two single-instance families.
func ExtractLiquidity(snap market.LiquiditySnapshot) Extraction {
	ex := newExtraction(market.LiquidityFamilies)
	if ex.put(market.PoolDepositedValue, market.PoolKey, snap.DepositedValue) {
		ex.Targets[market.PoolDepositedValue] = []market.InstanceKey{market.PoolKey}
	}
	if ex.put(market.PoolSharePrice, market.PoolKey, snap.SharePrice) {
		ex.Targets[market.PoolSharePrice] = []market.InstanceKey{market.PoolKey}
	}
	return ex
}

// NearestStrike picks the strike closest to spot. Candidates are
// deduplicated and scanned in ascending order; only a strictly smaller
// distance replaces the current pick, so ties keep the lower strike.
func NearestStrike(strikes []float64, spot float64) (float64, error) {
	if !isFinite(spot) {
		return 0, ErrNoSpotPrice
	}
	candidates := lo.Uniq(lo.Filter(strikes, func(s float64, _ int) bool { return isFinite(s) }))
	if len(candidates) == 0 {
		return 0, ErrNoCandidateStrike
	}
	sort.Float64s(candidates)

	nearest := candidates[0]
	for _, candidate := range candidates[1:] {
		if math.Abs(candidate-spot) < math.Abs(nearest-spot) {
			nearest = candidate
		}
	}
	return nearest, nil
}

// Collector produces the extraction for one pipeline.
type Collector interface {
	Families() []market.Family
	Collect(ctx context.Context) (Extraction, error)
}

// MarketCollector reads the market snapshot and extracts price/IV instances.
type MarketCollector struct {
	Source fetcher.MarketSource
	Assets []string
}

func (c MarketCollector) Families() []market.Family { return market.PriceFamilies }

func (c MarketCollector) Collect(ctx context.Context) (Extraction, error) {
	snap, err := c.Source.FetchMarket(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("fetch market snapshot: %w", err)
	}
	return ExtractMarket(snap, c.Assets), nil
}

// LiquidityCollector reads the pool snapshot.
type LiquidityCollector struct {
	Source fetcher.LiquiditySource
}

func (c LiquidityCollector) Families() []market.Family { return market.LiquidityFamilies }

func (c LiquidityCollector) Collect(ctx context.Context) (Extraction, error) {
	snap, err := c.Source.FetchLiquidity(ctx)
	if err != nil {
		return Extraction{}, fmt.Errorf("fetch liquidity snapshot: %w", err)
	}
	return ExtractLiquidity(snap), nil
}

var (
	_ Collector = MarketCollector{}
	_ Collector = LiquidityCollector{}
)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
