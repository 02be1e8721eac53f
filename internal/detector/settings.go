package detector

import (
	"fmt"
	"time"

	"market-change-alerts/internal/market"
)

// Settings is the immutable detector configuration injected at construction.
type Settings struct {
	Window       time.Duration
	Retention    time.Duration
	Assets       []string
	Thresholds   Thresholds
	Broadcast    map[market.Family]bool
	PriceEnabled bool
	LockTTL      time.Duration
}

// Validate enforces the retention/window relationship the baseline lookups rely on.
func (s Settings) Validate() error {
	if s.Window <= 0 {
		return fmt.Errorf("window must be greater than zero")
	}
	if s.Retention <= s.Window {
		return fmt.Errorf("retention (%s) must be strictly larger than window (%s)", s.Retention, s.Window)
	}
	if len(s.Assets) == 0 {
		return fmt.Errorf("at least one tracked asset is required")
	}
	if s.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be greater than zero")
	}
	return s.Thresholds.Validate()
}
