package fetcher

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"market-change-alerts/internal/market"
)

// marketDocument mirrors the published market data file.
type marketDocument struct {
	Data *struct {
		Market         map[string]assetDocument `json:"market"`
		SpotIndices    map[string]float64       `json:"spotIndices"`
		FuturesIndices map[string]float64       `json:"futuresIndices"`
	} `json:"data"`
}

type assetDocument struct {
	// keyed by expiry in unix seconds
	Options map[string]map[string][]optionDocument `json:"options"`
}

type optionDocument struct {
	Instrument  string   `json:"instrument"`
	StrikePrice *float64 `json:"strikePrice"`
	MarkIV      *float64 `json:"markIv"`
}

// DecodeMarket parses a market data document. Malformed option entries are
// logged and dropped; missing top-level sections fail with ErrMissingField.
func DecodeMarket(r io.Reader, logger zerolog.Logger) (market.MarketSnapshot, error) {
	var doc marketDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return market.MarketSnapshot{}, fmt.Errorf("decode market document: %w", err)
	}
	if doc.Data == nil {
		return market.MarketSnapshot{}, fmt.Errorf("%w: data", ErrMissingField)
	}
	if doc.Data.SpotIndices == nil {
		return market.MarketSnapshot{}, fmt.Errorf("%w: data.spotIndices", ErrMissingField)
	}
	if doc.Data.FuturesIndices == nil {
		return market.MarketSnapshot{}, fmt.Errorf("%w: data.futuresIndices", ErrMissingField)
	}
	if doc.Data.Market == nil {
		return market.MarketSnapshot{}, fmt.Errorf("%w: data.market", ErrMissingField)
	}

	snap := market.MarketSnapshot{
		Spot:    doc.Data.SpotIndices,
		Futures: doc.Data.FuturesIndices,
		Surface: market.Surface{},
	}

	for asset, assetDoc := range doc.Data.Market {
		for expiryRaw, byType := range assetDoc.Options {
			expiry, err := strconv.ParseInt(expiryRaw, 10, 64)
			if err != nil {
				logger.Warn().Str("asset", asset).Str("expiry", expiryRaw).Msg("skip unparsable expiry")
				continue
			}
			for _, optionType := range market.OptionTypes {
				for _, opt := range byType[string(optionType)] {
					strike, ok := optionStrike(opt)
					if !ok {
						logger.Warn().Str("asset", asset).Str("instrument", opt.Instrument).Msg("skip option without strike")
						continue
					}
					snap.AddStrike(asset, strike)
					if opt.MarkIV == nil || math.IsNaN(*opt.MarkIV) || math.IsInf(*opt.MarkIV, 0) {
						logger.Warn().Str("asset", asset).Str("instrument", opt.Instrument).Msg("option without mark iv kept as strike only")
						continue
					}
					snap.Surface.Set(asset, optionType, expiry, strike, *opt.MarkIV)
				}
			}
		}
	}
	return snap, nil
}

// optionStrike prefers strikePrice and falls back to the instrument name
// (ASSET-EXPIRY-STRIKE-TYPE).
func optionStrike(opt optionDocument) (float64, bool) {
	if opt.StrikePrice != nil && *opt.StrikePrice > 0 {
		return *opt.StrikePrice, true
	}
	parts := strings.Split(opt.Instrument, "-")
	if len(parts) < 3 {
		return 0, false
	}
	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || strike <= 0 {
		return 0, false
	}
	return strike, true
}
