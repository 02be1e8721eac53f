package market

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Values maps every instance of a family to its reading.
type Values map[InstanceKey]float64

// Keys returns the instance keys in stable order.
func (v Values) Keys() []InstanceKey {
	keys := make([]InstanceKey, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// MarshalJSON encodes keys with InstanceKey.Encode.
func (v Values) MarshalJSON() ([]byte, error) {
	raw := make(map[string]float64, len(v))
	for k, value := range v {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("value for %s is not finite", k.Encode())
		}
		raw[k.Encode()] = value
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (v *Values) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for encoded, value := range raw {
		key, err := ParseInstanceKey(encoded)
		if err != nil {
			return err
		}
		out[key] = value
	}
	*v = out
	return nil
}

// Snapshot holds every instance of one family observed at one instant.
type Snapshot struct {
	Family    Family
	Timestamp time.Time
	Values    Values
}

// Millis returns the snapshot timestamp in epoch milliseconds.
func (s Snapshot) Millis() int64 {
	return s.Timestamp.UnixMilli()
}

// NotificationRecord remembers when an instance last fired.
type NotificationRecord struct {
	Family         Family
	Key            InstanceKey
	LastNotifiedAt time.Time
}

// RecordKey returns the address of the record.
func (r NotificationRecord) RecordKey() RecordKey {
	return RecordKey{Family: r.Family, Key: r.Key}
}

// Surface is asset -> option type -> expiry (unix s) -> strike -> mark IV.
type Surface map[string]map[OptionType]map[int64]map[float64]float64

// Set stores one mark IV, allocating intermediate levels as needed.
func (s Surface) Set(asset string, optionType OptionType, expiry int64, strike, markIV float64) {
	byType, ok := s[asset]
	if !ok {
		byType = make(map[OptionType]map[int64]map[float64]float64)
		s[asset] = byType
	}
	byExpiry, ok := byType[optionType]
	if !ok {
		byExpiry = make(map[int64]map[float64]float64)
		byType[optionType] = byExpiry
	}
	byStrike, ok := byExpiry[expiry]
	if !ok {
		byStrike = make(map[float64]float64)
		byExpiry[expiry] = byStrike
	}
	byStrike[strike] = markIV
}

// MarketSnapshot is the price/volatility input produced upstream.
type MarketSnapshot struct {
	Spot    map[string]float64
	Futures map[string]float64
	Surface Surface
	// Strikes lists every quoted strike per asset, including options that
	// carry no mark IV. They still compete for the ATM pick.
	Strikes map[string][]float64
}

// AddStrike records a quoted strike for asset.
func (m *MarketSnapshot) AddStrike(asset string, strike float64) {
	if m.Strikes == nil {
		m.Strikes = make(map[string][]float64)
	}
	m.Strikes[asset] = append(m.Strikes[asset], strike)
}

// LiquiditySnapshot is the pool input produced upstream.
type LiquiditySnapshot struct {
	SharePrice     float64
	DepositedValue float64
}
