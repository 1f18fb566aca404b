// Package flows keeps an in-memory ring of per-request trace records
// for the management API. Records are written by the request pipeline,
// never persisted, and age out of the ring.
package flows

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultCapacity bounds the ring.
const DefaultCapacity = 1000

// DefaultMaxAge evicts records older than a day.
const DefaultMaxAge = 24 * time.Hour

// Flow status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one request's trace as served by the management API.
type Record struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	ClientProtocol string    `json:"client_protocol"`
	ModelRequested string    `json:"model_requested"`
	ModelActual    string    `json:"model_actual,omitempty"`
	AccountID      string    `json:"account_id,omitempty"`
	Status         string    `json:"status"`
	DurationMs     int64     `json:"duration_ms"`
	BytesIn        int64     `json:"bytes_in"`
	BytesOut       int64     `json:"bytes_out"`
	FirstByteMs    int64     `json:"first_byte_ms,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Bookmarked     bool      `json:"bookmarked"`
	Notes          []string  `json:"notes,omitempty"`
}

func (r Record) clone() Record {
	cp := r
	if r.Notes != nil {
		cp.Notes = append([]string(nil), r.Notes...)
	}
	return cp
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	// Protocol matches the client protocol exactly.
	Protocol string
	// Model matches either the requested or the actual model.
	Model string
	// AccountID matches the serving account.
	AccountID string
	// Status matches the flow status exactly.
	Status string
	// Bookmarked keeps only bookmarked records when true.
	Bookmarked bool
	// ErrorsOnly keeps only failed records.
	ErrorsOnly bool
	// Limit caps the result count, newest first. Non-positive means all.
	Limit int
}

// Recorder is the bounded flow ring. Reads and writes go through one
// lock; live subscribers receive completed snapshots and drop rather
// than block the pipeline.
type Recorder struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	cap     int
	maxAge  time.Duration
	now     func() time.Time

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Record
}

// New builds a recorder. Non-positive capacity or age fall back to the
// defaults.
func New(capacity int, maxAge time.Duration) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Recorder{
		records: make(map[string]*Record),
		cap:     capacity,
		maxAge:  maxAge,
		now:     time.Now,
		subs:    make(map[int]chan Record),
	}
}

// Begin opens a new record in running state and returns the handle the
// pipeline writes through.
func (r *Recorder) Begin(protocol, modelRequested string) *Handle {
	now := r.now()
	rec := &Record{
		ID:             uuid.NewString(),
		StartedAt:      now,
		ClientProtocol: protocol,
		ModelRequested: modelRequested,
		Status:         StatusRunning,
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.order = append(r.order, rec.ID)
	for len(r.order) > r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.records, oldest)
	}
	snapshot := rec.clone()
	r.mu.Unlock()

	r.publish(snapshot)
	return &Handle{rec: r, id: rec.ID, start: now}
}

// Get returns a snapshot of one record.
func (r *Recorder) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns matching records, newest first.
func (r *Recorder) List(f Filter) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		rec, ok := r.records[r.order[i]]
		if !ok || !matches(rec, f) {
			continue
		}
		out = append(out, rec.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(rec *Record, f Filter) bool {
	if f.Protocol != "" && rec.ClientProtocol != f.Protocol {
		return false
	}
	if f.Model != "" && rec.ModelRequested != f.Model && rec.ModelActual != f.Model {
		return false
	}
	if f.AccountID != "" && rec.AccountID != f.AccountID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Bookmarked && !rec.Bookmarked {
		return false
	}
	if f.ErrorsOnly && rec.Status != StatusFailed {
		return false
	}
	return true
}

// Len reports the number of live records.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// ToggleBookmark flips the bookmark flag and returns the new value.
func (r *Recorder) ToggleBookmark(id string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false, false
	}
	rec.Bookmarked = !rec.Bookmarked
	return rec.Bookmarked, true
}

// Clear drops records and reports how many went. Bookmarked records
// survive unless all is set.
func (r *Recorder) Clear(all bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		rec := r.records[id]
		if rec != nil && rec.Bookmarked && !all {
			kept = append(kept, id)
			continue
		}
		delete(r.records, id)
		removed++
	}
	r.order = kept
	return removed
}

// Sweep evicts records older than the configured age. Bookmarked
// records are spared; the capacity bound still applies to them.
func (r *Recorder) Sweep() int {
	cutoff := r.now().Add(-r.maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		rec := r.records[id]
		if rec == nil {
			continue
		}
		if !rec.Bookmarked && rec.StartedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// EvictLoop runs the age sweep on a ticker until ctx is done. The
// service root owns the goroutine.
func (r *Recorder) EvictLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.WithField("evicted", n).Debug("Flow records aged out")
			}
		}
	}
}

// Subscribe registers a live feed of record snapshots. The cancel
// function must be called when the consumer goes away.
func (r *Recorder) Subscribe() (<-chan Record, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan Record, 64)
	r.subs[id] = ch
	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (r *Recorder) publish(rec Record) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// update applies fn to a record under the lock and returns a snapshot
// for publishing. Records evicted mid-flight drop their updates.
func (r *Recorder) update(id string, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	fn(rec)
	snapshot := rec.clone()
	r.mu.Unlock()
	return snapshot, true
}

// Handle is the pipeline's write surface for one record.
type Handle struct {
	rec   *Recorder
	id    string
	start time.Time

	mu        sync.Mutex
	firstByte bool
	done      bool
}

// ID returns the flow id, echoed to clients in error payloads.
func (h *Handle) ID() string { return h.id }

// SetModel records the resolved upstream model.
func (h *Handle) SetModel(actual string) {
	h.rec.update(h.id, func(r *Record) { r.ModelActual = actual })
}

// SetAccount records the serving account.
func (h *Handle) SetAccount(accountID string) {
	h.rec.update(h.id, func(r *Record) { r.AccountID = accountID })
}

// SetBytesIn records the request body size.
func (h *Handle) SetBytesIn(n int64) {
	h.rec.update(h.id, func(r *Record) { r.BytesIn = n })
}

// AddBytesOut accumulates response bytes as they stream out.
func (h *Handle) AddBytesOut(n int64) {
	h.rec.update(h.id, func(r *Record) { r.BytesOut += n })
}

// FirstByte stamps time-to-first-byte once; later calls are ignored.
func (h *Handle) FirstByte() {
	h.mu.Lock()
	if h.firstByte {
		h.mu.Unlock()
		return
	}
	h.firstByte = true
	h.mu.Unlock()

	ms := h.rec.now().Sub(h.start).Milliseconds()
	h.rec.update(h.id, func(r *Record) { r.FirstByteMs = ms })
}

// Note appends a formatted line to the record's notes.
func (h *Handle) Note(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	h.rec.update(h.id, func(r *Record) { r.Notes = append(r.Notes, line) })
}

// Finish closes the record. An empty errKind completes it, anything
// else fails it. Only the first call takes effect.
func (h *Handle) Finish(errKind string) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()

	duration := h.rec.now().Sub(h.start).Milliseconds()
	snapshot, ok := h.rec.update(h.id, func(r *Record) {
		r.DurationMs = duration
		r.ErrorKind = strings.TrimSpace(errKind)
		if r.ErrorKind == "" {
			r.Status = StatusCompleted
		} else {
			r.Status = StatusFailed
		}
	})
	if ok {
		h.rec.publish(snapshot)
	}
}
