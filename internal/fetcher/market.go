package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-change-alerts/internal/market"
)

// HTTPMarketOptions parameterise the HTTP market data source.
type HTTPMarketOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTPMarket fetches the published market data document over HTTP.
type HTTPMarket struct {
	opts   HTTPMarketOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPMarket constructs a market source reading from a URL.
func NewHTTPMarket(opts HTTPMarketOptions, logger zerolog.Logger) *HTTPMarket {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMarket{
		opts:   opts,
		logger: logger.With().Str("component", "market_http").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchMarket downloads and decodes the market document.
func (m *HTTPMarket) FetchMarket(ctx context.Context) (market.MarketSnapshot, error) {
	if strings.TrimSpace(m.opts.URL) == "" {
		return market.MarketSnapshot{}, errors.New("market url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.URL, nil)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "changewatch/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.MarketSnapshot{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return market.MarketSnapshot{}, parseHTTPError(resp.StatusCode, payload)
	}

	return DecodeMarket(bytes.NewReader(payload), m.logger)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("market api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("market api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("market api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("market api error (%d)", status)
}

var _ MarketSource = (*HTTPMarket)(nil)
