// Package usage aggregates request statistics and per-account quota
// for the management surfaces. Counters live in memory; daily rows can
// optionally be mirrored into sqlite so history survives restarts.
package usage

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one finished request as recorded by the request pipeline.
type Event struct {
	Timestamp    time.Time
	Protocol     string
	Model        string
	AccountID    string
	InputTokens  int64
	OutputTokens int64
	LatencyMs    int64
	Failed       bool
	// Estimated marks token counts synthesized locally because the
	// upstream reported none.
	Estimated bool
}

// Summary is the compact view served at /api/stats.
type Summary struct {
	TotalRequests  int64   `json:"total_requests"`
	SuccessCount   int64   `json:"success_count"`
	FailureCount   int64   `json:"failure_count"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	EstimatedCount int64   `json:"estimated_usage_count"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	MaxLatencyMs   int64   `json:"max_latency_ms"`
	CostAvoidedUSD float64 `json:"cost_avoided_usd"`
}

// BucketSnapshot summarizes one model, account, or protocol.
type BucketSnapshot struct {
	Requests       int64   `json:"requests"`
	Failures       int64   `json:"failures"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	CostAvoidedUSD float64 `json:"cost_avoided_usd,omitempty"`
}

// DailyRow is one day's aggregate, also the persisted sqlite row shape.
type DailyRow struct {
	Date         string `json:"date"`
	Requests     int64  `json:"requests"`
	Failures     int64  `json:"failures"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Detailed is the full view served at /api/stats/detailed.
type Detailed struct {
	Summary
	Models         map[string]BucketSnapshot `json:"models"`
	Accounts       map[string]BucketSnapshot `json:"accounts"`
	Protocols      map[string]BucketSnapshot `json:"protocols"`
	Daily          []DailyRow                `json:"daily"`
	RequestsByHour map[string]int64          `json:"requests_by_hour"`
}

type bucket struct {
	requests     int64
	failures     int64
	inputTokens  int64
	outputTokens int64
	latencySumMs int64
	costAvoided  float64
}

func (b *bucket) snapshot() BucketSnapshot {
	s := BucketSnapshot{
		Requests:       b.requests,
		Failures:       b.failures,
		InputTokens:    b.inputTokens,
		OutputTokens:   b.outputTokens,
		CostAvoidedUSD: b.costAvoided,
	}
	if b.requests > 0 {
		s.AvgLatencyMs = float64(b.latencySumMs) / float64(b.requests)
	}
	return s
}

// Tracker maintains the aggregated request metrics.
type Tracker struct {
	enabled atomic.Bool

	mu sync.RWMutex

	totalRequests  int64
	successCount   int64
	failureCount   int64
	inputTokens    int64
	outputTokens   int64
	estimatedCount int64
	latencySumMs   int64
	latencyMaxMs   int64
	costAvoided    float64

	models    map[string]*bucket
	accounts  map[string]*bucket
	protocols map[string]*bucket

	dailyRequests     map[string]int64
	dailyFailures     map[string]int64
	dailyInputTokens  map[string]int64
	dailyOutputTokens map[string]int64
	requestsByHour    map[int]int64
}

// NewTracker constructs an empty tracker with recording enabled.
func NewTracker() *Tracker {
	t := &Tracker{
		models:            make(map[string]*bucket),
		accounts:          make(map[string]*bucket),
		protocols:         make(map[string]*bucket),
		dailyRequests:     make(map[string]int64),
		dailyFailures:     make(map[string]int64),
		dailyInputTokens:  make(map[string]int64),
		dailyOutputTokens: make(map[string]int64),
		requestsByHour:    make(map[int]int64),
	}
	t.enabled.Store(true)
	return t
}

// SetEnabled toggles recording.
func (t *Tracker) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Enabled reports the current recording state.
func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Record ingests one event and updates every aggregate.
func (t *Tracker) Record(ev Event) {
	if !t.enabled.Load() {
		return
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	model := ev.Model
	if model == "" {
		model = "unknown"
	}
	dayKey := ts.Format("2006-01-02")
	cost := CostAvoided(model, ev.InputTokens, ev.OutputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalRequests++
	if ev.Failed {
		t.failureCount++
	} else {
		t.successCount++
	}
	t.inputTokens += ev.InputTokens
	t.outputTokens += ev.OutputTokens
	if ev.Estimated {
		t.estimatedCount++
	}
	t.latencySumMs += ev.LatencyMs
	if ev.LatencyMs > t.latencyMaxMs {
		t.latencyMaxMs = ev.LatencyMs
	}
	t.costAvoided += cost

	t.bump(t.models, model, ev, cost)
	if ev.AccountID != "" {
		t.bump(t.accounts, ev.AccountID, ev, 0)
	}
	if ev.Protocol != "" {
		t.bump(t.protocols, ev.Protocol, ev, 0)
	}

	t.dailyRequests[dayKey]++
	if ev.Failed {
		t.dailyFailures[dayKey]++
	}
	t.dailyInputTokens[dayKey] += ev.InputTokens
	t.dailyOutputTokens[dayKey] += ev.OutputTokens
	t.requestsByHour[ts.Hour()]++
}

func (t *Tracker) bump(m map[string]*bucket, key string, ev Event, cost float64) {
	b, ok := m[key]
	if !ok {
		b = &bucket{}
		m[key] = b
	}
	b.requests++
	if ev.Failed {
		b.failures++
	}
	b.inputTokens += ev.InputTokens
	b.outputTokens += ev.OutputTokens
	b.latencySumMs += ev.LatencyMs
	b.costAvoided += cost
}

// Snapshot returns the compact aggregate view.
func (t *Tracker) Snapshot() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked()
}

func (t *Tracker) summaryLocked() Summary {
	s := Summary{
		TotalRequests:  t.totalRequests,
		SuccessCount:   t.successCount,
		FailureCount:   t.failureCount,
		InputTokens:    t.inputTokens,
		OutputTokens:   t.outputTokens,
		TotalTokens:    t.inputTokens + t.outputTokens,
		EstimatedCount: t.estimatedCount,
		MaxLatencyMs:   t.latencyMaxMs,
		CostAvoidedUSD: t.costAvoided,
	}
	if t.totalRequests > 0 {
		s.AvgLatencyMs = float64(t.latencySumMs) / float64(t.totalRequests)
	}
	return s
}

// DetailedSnapshot returns the full aggregate view with per-model,
// per-account, and per-protocol breakdowns plus the last seven days.
func (t *Tracker) DetailedSnapshot() Detailed {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d := Detailed{
		Summary:        t.summaryLocked(),
		Models:         make(map[string]BucketSnapshot, len(t.models)),
		Accounts:       make(map[string]BucketSnapshot, len(t.accounts)),
		Protocols:      make(map[string]BucketSnapshot, len(t.protocols)),
		RequestsByHour: make(map[string]int64, len(t.requestsByHour)),
	}
	for k, b := range t.models {
		d.Models[k] = b.snapshot()
	}
	for k, b := range t.accounts {
		d.Accounts[k] = b.snapshot()
	}
	for k, b := range t.protocols {
		d.Protocols[k] = b.snapshot()
	}
	for hour, n := range t.requestsByHour {
		d.RequestsByHour[fmt.Sprintf("%02d", hour)] = n
	}

	now := time.Now()
	d.Daily = make([]DailyRow, 0, 7)
	for i := 6; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		d.Daily = append(d.Daily, DailyRow{
			Date:         day,
			Requests:     t.dailyRequests[day],
			Failures:     t.dailyFailures[day],
			InputTokens:  t.dailyInputTokens[day],
			OutputTokens: t.dailyOutputTokens[day],
		})
	}
	return d
}

// SeedDaily loads persisted day rows into the daily maps. Lifetime
// totals stay at zero; only the per-day history is durable.
func (t *Tracker) SeedDaily(rows []DailyRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		if row.Date == "" {
			continue
		}
		t.dailyRequests[row.Date] = row.Requests
		t.dailyFailures[row.Date] = row.Failures
		t.dailyInputTokens[row.Date] = row.InputTokens
		t.dailyOutputTokens[row.Date] = row.OutputTokens
	}
}

// allDaily returns every tracked day sorted ascending, for the
// persister.
func (t *Tracker) allDaily() []DailyRow {
	t.mu.RLock()
	defer t.mu.RUnlock()

	days := make([]string, 0, len(t.dailyRequests))
	for day := range t.dailyRequests {
		days = append(days, day)
	}
	sort.Strings(days)

	rows := make([]DailyRow, 0, len(days))
	for _, day := range days {
		rows = append(rows, DailyRow{
			Date:         day,
			Requests:     t.dailyRequests[day],
			Failures:     t.dailyFailures[day],
			InputTokens:  t.dailyInputTokens[day],
			OutputTokens: t.dailyOutputTokens[day],
		})
	}
	return rows
}
