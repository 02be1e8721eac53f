package detector

import (
	"fmt"
	"math"
	"time"

	"market-change-alerts/internal/market"
)

// Bucket splits IV instances by time to expiry.
type Bucket string

const (
	BucketNormal  Bucket = "normal"
	BucketZeroDTE Bucket = "0dte"
)

// SkipReason explains why an instance produced no verdict.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipNoBaseline         SkipReason = "no_baseline"
	SkipInvalidBaseline    SkipReason = "invalid_baseline"
	SkipInvalidCurrent     SkipReason = "invalid_current"
	SkipNonFiniteDiff      SkipReason = "non_finite_diff"
	SkipAtmUnavailable     SkipReason = "atm_unavailable"
	SkipCurrentUnavailable SkipReason = "current_unavailable"
)

// Thresholds holds the fixed per-family sensitivities.
type Thresholds struct {
	Generic    map[market.Family]float64
	MarkIV     float64
	MarkIV0DTE float64

	CutoverHour   int
	CutoverMinute int
	Location      *time.Location
}

// NextCutover returns the next daily cutover at or after now in the
// reference zone.
func (t Thresholds) NextCutover(now time.Time) time.Time {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cutover := time.Date(local.Year(), local.Month(), local.Day(), t.CutoverHour, t.CutoverMinute, 0, 0, loc)
	if local.After(cutover) {
		cutover = cutover.AddDate(0, 0, 1)
	}
	return cutover
}

// BucketFor classifies an instance; only IV instances can be 0DTE.
func (t Thresholds) BucketFor(key market.InstanceKey, now time.Time) Bucket {
	if !key.IsOption() {
		return BucketNormal
	}
	if !time.Unix(key.Expiry, 0).After(t.NextCutover(now)) {
		return BucketZeroDTE
	}
	return BucketNormal
}

// Sensitivity returns the drift rate an instance must exceed to alert.
func (t Thresholds) Sensitivity(family market.Family, bucket Bucket) float64 {
	if family == market.AtmMarkIV {
		if bucket == BucketZeroDTE {
			return t.MarkIV0DTE
		}
		return t.MarkIV
	}
	return t.Generic[family]
}

// Validate rejects negative or missing rates.
func (t Thresholds) Validate() error {
	for _, f := range []market.Family{market.SpotPrice, market.FuturesPrice, market.PoolDepositedValue, market.PoolSharePrice} {
		rate, ok := t.Generic[f]
		if !ok {
			return fmt.Errorf("sensitivity for %s not configured", f)
		}
		if rate < 0 || !isFinite(rate) {
			return fmt.Errorf("sensitivity for %s must be a non-negative number", f)
		}
	}
	if t.MarkIV < 0 || t.MarkIV0DTE < 0 {
		return fmt.Errorf("mark iv sensitivities must be non-negative")
	}
	if t.CutoverHour < 0 || t.CutoverHour > 23 || t.CutoverMinute < 0 || t.CutoverMinute > 59 {
		return fmt.Errorf("invalid 0DTE cutover %02d:%02d", t.CutoverHour, t.CutoverMinute)
	}
	return nil
}

// Alert is one instance that crossed its threshold.
type Alert struct {
	Family    market.Family
	Key       market.InstanceKey
	Previous  float64
	Current   float64
	ChangePct float64
	DiffRate  float64
	Bucket    Bucket
	State     State
}

// RecordKey returns the NotificationRecord address of the alert.
func (a Alert) RecordKey() market.RecordKey {
	return market.RecordKey{Family: a.Family, Key: a.Key}
}

// DiffRate computes |1 - current/baseline| with the guard conditions.
func DiffRate(current, baseline float64) (float64, SkipReason) {
	if baseline == 0 || !isFinite(baseline) {
		return 0, SkipInvalidBaseline
	}
	if current == 0 || !isFinite(current) {
		return 0, SkipInvalidCurrent
	}
	rate := math.Abs(1 - current/baseline)
	if !isFinite(rate) {
		return 0, SkipNonFiniteDiff
	}
	return rate, SkipNone
}

// Verdict is the evaluator output for one instance.
type Verdict struct {
	Alert  Alert
	Fire   bool
	Reason SkipReason
}

// Evaluate decides whether one instance alerts.
func Evaluate(rk market.RecordKey, current, baseline float64, hasBaseline bool, t Thresholds, now time.Time) Verdict {
	if !hasBaseline {
		return Verdict{Reason: SkipNoBaseline}
	}
	rate, reason := DiffRate(current, baseline)
	if reason != SkipNone {
		return Verdict{Reason: reason}
	}

	bucket := t.BucketFor(rk.Key, now)
	alert := Alert{
		Family:    rk.Family,
		Key:       rk.Key,
		Previous:  baseline,
		Current:   current,
		ChangePct: (current/baseline - 1) * 100,
		DiffRate:  rate,
		Bucket:    bucket,
	}
	return Verdict{Alert: alert, Fire: rate > t.Sensitivity(rk.Family, bucket)}
}
