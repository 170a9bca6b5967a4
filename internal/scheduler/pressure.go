package scheduler

import (
	"sync"
	"time"

	"genpool/internal/metrics"
)

// PressureEntry aggregates waiting demand for one model name. An entry
// exists iff at least one open request desires that model and no backend
// currently holds it eligible.
type PressureEntry struct {
	Model            string
	FirstRequestTime time.Time

	mu          sync.Mutex
	count       int
	isLoading   bool
	sessions    map[string]int
	requests    map[int64]*Request
	badBackends map[int64]struct{}

	// commitMu serializes the LoadHighestPressure commitment section
	// (spec.md §5): held while deciding to load, setting isLoading, and
	// mutating badBackends. Never held across the model load itself.
	commitMu sync.Mutex
}

func newPressureEntry(model string, now time.Time) *PressureEntry {
	return &PressureEntry{
		Model:            model,
		FirstRequestTime: now,
		sessions:         make(map[string]int),
		requests:         make(map[int64]*Request),
		badBackends:      make(map[int64]struct{}),
	}
}

// Score implements the heuristic of spec.md §3: count*10 plus elapsed
// seconds since the first request. Holding count fixed, an
// earlier-arriving entry never scores lower than a later one (monotonicity
// property required by §8).
func (p *PressureEntry) Score(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.count)*10 + now.Sub(p.FirstRequestTime).Seconds()
}

func (p *PressureEntry) addRequest(req *Request) {
	p.mu.Lock()
	p.requests[req.ID] = req
	p.count++
	if req.SessionID != "" {
		p.sessions[req.SessionID]++
	}
	count := p.count
	p.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(p.Model).Set(float64(count))
}

// removeRequest decrements demand for this entry. Returns true if the
// entry is now empty and should be dropped from the map.
func (p *PressureEntry) removeRequest(req *Request) bool {
	p.mu.Lock()
	if _, ok := p.requests[req.ID]; !ok {
		empty := p.count <= 0
		p.mu.Unlock()
		return empty
	}
	delete(p.requests, req.ID)
	p.count--
	if req.SessionID != "" {
		p.sessions[req.SessionID]--
		if p.sessions[req.SessionID] <= 0 {
			delete(p.sessions, req.SessionID)
		}
	}
	if p.count < 0 {
		p.count = 0
	}
	count := p.count
	p.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(p.Model).Set(float64(count))
	return count == 0
}

func (p *PressureEntry) isLoadingNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLoading
}

func (p *PressureEntry) setLoading(v bool) {
	p.mu.Lock()
	p.isLoading = v
	p.mu.Unlock()
}

func (p *PressureEntry) sessionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// PendingCount reports how many open requests are currently registered
// against this entry, for status reporting.
func (p *PressureEntry) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *PressureEntry) requestsSnapshot() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r)
	}
	return out
}

func (p *PressureEntry) isBad(backendID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.badBackends[backendID]
	return ok
}

func (p *PressureEntry) markBad(backendID int64) {
	p.mu.Lock()
	p.badBackends[backendID] = struct{}{}
	p.mu.Unlock()
}

// PressureMap keys pressure entries by model name.
type PressureMap struct {
	mu      sync.Mutex
	entries map[string]*PressureEntry
}

// NewPressureMap builds an empty map.
func NewPressureMap() *PressureMap {
	return &PressureMap{entries: make(map[string]*PressureEntry)}
}

// GetOrCreate returns the existing entry for model, or creates one with
// FirstRequestTime = now.
func (m *PressureMap) GetOrCreate(model string, now time.Time) *PressureEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[model]
	if !ok {
		e = newPressureEntry(model, now)
		m.entries[model] = e
	}
	return e
}

// Get returns the entry for model without creating one.
func (m *PressureMap) Get(model string) (*PressureEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[model]
	return e, ok
}

// RemoveIfEmpty drops the entry for model iff it is still empty at the time
// of the call (guards against a race with a concurrent addRequest).
func (m *PressureMap) RemoveIfEmpty(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[model]
	if !ok {
		return
	}
	e.mu.Lock()
	empty := e.count == 0
	e.mu.Unlock()
	if empty {
		delete(m.entries, model)
		metrics.QueueDepth.DeleteLabelValues(model)
	}
}

// Snapshot returns every entry currently tracked, for scoring iteration.
func (m *PressureMap) Snapshot() []*PressureEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PressureEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
