package detector

import (
	"time"

	"market-change-alerts/internal/market"
	"market-change-alerts/internal/storage"
)

// State is the debounce state of one instance.
type State int

const (
	// Cold instances are compared against a snapshot at least one window old.
	Cold State = iota
	// Hot instances fired inside the current window and are compared
	// against the snapshot that triggered that alert.
	Hot
)

func (s State) String() string {
	if s == Hot {
		return "hot"
	}
	return "cold"
}

// BaselineQuery says which stored snapshot an instance is diffed against.
type BaselineQuery struct {
	State State
	At    time.Time
}

// SelectBaseline applies the debounce rule. A zero lastNotified means the
// instance has no NotificationRecord.
func SelectBaseline(lastNotified, now time.Time, window time.Duration) BaselineQuery {
	prev := now.Add(-window)
	if !lastNotified.IsZero() && lastNotified.After(prev) {
		return BaselineQuery{State: Hot, At: lastNotified}
	}
	return BaselineQuery{State: Cold, At: prev}
}

type queryID struct {
	family market.Family
	exact  bool
	at     int64
}

// Plan batches the baseline lookups of one pipeline run into a single
// store read: one "latest at or before now-W" query per family plus one
// exact query per distinct hot notification time.
type Plan struct {
	now     time.Time
	window  time.Duration
	records map[market.RecordKey]time.Time
	queries []storage.SnapshotQuery
	index   map[queryID]int
}

// PlanBaselines builds the lookup plan from the pipeline's NotificationRecords.
func PlanBaselines(families []market.Family, records []market.NotificationRecord, now time.Time, window time.Duration) *Plan {
	p := &Plan{
		now:     now,
		window:  window,
		records: make(map[market.RecordKey]time.Time, len(records)),
		index:   make(map[queryID]int),
	}

	wanted := make(map[market.Family]bool, len(families))
	for _, f := range families {
		wanted[f] = true
		p.add(f, SelectBaseline(time.Time{}, now, window))
	}

	for _, rec := range records {
		if !wanted[rec.Family] {
			continue
		}
		p.records[rec.RecordKey()] = rec.LastNotifiedAt
		if q := SelectBaseline(rec.LastNotifiedAt, now, window); q.State == Hot {
			p.add(rec.Family, q)
		}
	}
	return p
}

func (p *Plan) add(family market.Family, q BaselineQuery) {
	id := queryID{family: family, exact: q.State == Hot, at: q.At.UnixMilli()}
	if _, ok := p.index[id]; ok {
		return
	}
	p.index[id] = len(p.queries)
	p.queries = append(p.queries, storage.SnapshotQuery{Family: family, At: q.At, Exact: q.State == Hot})
}

// Queries returns the batched store queries in plan order.
func (p *Plan) Queries() []storage.SnapshotQuery {
	return p.queries
}

// State reports the debounce state of an instance for this run.
func (p *Plan) State(rk market.RecordKey) State {
	return SelectBaseline(p.records[rk], p.now, p.window).State
}

// Resolve binds the store results (aligned with Queries) to the plan.
func (p *Plan) Resolve(results []*market.Snapshot) Baselines {
	return Baselines{plan: p, results: results}
}

// Baselines answers per-instance baseline lookups after the batched read.
type Baselines struct {
	plan    *Plan
	results []*market.Snapshot
}

// Lookup returns the baseline value for an instance, or false when absent.
func (b Baselines) Lookup(rk market.RecordKey) (float64, bool) {
	if b.plan == nil {
		return 0, false
	}
	q := SelectBaseline(b.plan.records[rk], b.plan.now, b.plan.window)
	idx, ok := b.plan.index[queryID{family: rk.Family, exact: q.State == Hot, at: q.At.UnixMilli()}]
	if !ok || idx >= len(b.results) || b.results[idx] == nil {
		return 0, false
	}
	value, ok := b.results[idx].Values[rk.Key]
	return value, ok
}
