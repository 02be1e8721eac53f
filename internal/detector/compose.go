package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"market-change-alerts/internal/market"
)

// Message is the combined notification body of one run.
type Message struct {
	Body         string
	HighPriority bool
	Lines        int
}

// Empty reports whether nothing alerted.
func (m Message) Empty() bool {
	return m.Body == ""
}

// Compose renders every alert of a run into one body ordered by family
// then instance. HighPriority is set when any alert belongs to a family in
// the broadcast set.
func Compose(alerts []Alert, broadcast map[market.Family]bool) Message {
	if len(alerts) == 0 {
		return Message{}
	}

	sorted := make([]Alert, len(alerts))
	copy(sorted, alerts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Family != sorted[j].Family {
			return sorted[i].Family.Rank() < sorted[j].Family.Rank()
		}
		return sorted[i].Key.Less(sorted[j].Key)
	})

	var (
		builder strings.Builder
		high    bool
	)
	for i, alert := range sorted {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(FormatLine(alert))
		if broadcast[alert.Family] {
			high = true
		}
	}

	return Message{Body: builder.String(), HighPriority: high, Lines: len(sorted)}
}

// FormatLine renders one alert, e.g. "[spot] BTC: +6.00% up (100.00 -> 106.00)".
func FormatLine(a Alert) string {
	name := "[" + a.Family.Tag() + "]"
	if label := a.Key.Label(); label != "" {
		name += " " + label
	}

	sign, direction := "+", "up"
	if a.Current < a.Previous {
		sign, direction = "-", "down"
	}
	pct := decimal.NewFromFloat(math.Abs(a.ChangePct)).StringFixed(2)

	line := fmt.Sprintf("%s: %s%s%% %s (%s -> %s)",
		name,
		sign,
		pct,
		direction,
		decimal.NewFromFloat(a.Previous).StringFixed(2),
		decimal.NewFromFloat(a.Current).StringFixed(2),
	)
	if a.Bucket == BucketZeroDTE {
		line += " [0DTE]"
	}
	return line
}
