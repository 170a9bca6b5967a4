// Package scheduler implements the single coordinator that matches open
// requests to eligible backends and, failing that, decides which backend
// should evict its resident model to serve the highest-pressure demand.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"genpool/internal/metrics"
	"genpool/internal/registry"
	"genpool/pkg/types"
)

// modelLoadDeferWindow is how long a fresh pressure entry sits before the
// scheduler commits to a load, when more than one loader-capable backend is
// available — long enough that a backend freeing up naturally on its own
// preempts an unnecessary swap (spec.md §4.4.1 step 3).
const modelLoadDeferWindow = 1500 * time.Millisecond

// Config carries the scheduler's tunables.
type Config struct {
	// MaxTimeout is the registry-wide stagnation deadline: if no open
	// request completes for this long, the scheduler fails every open
	// request (see FailIndividualOnStagnation to switch that off).
	MaxTimeout time.Duration

	// FailIndividualOnStagnation is the switch spec.md §9's open question
	// asks for: when true, stagnation only fails requests whose own
	// deadline (tracked by the caller via context) has passed, rather than
	// the whole open set at once.
	FailIndividualOnStagnation bool
}

// Scheduler is the single coordinator thread described in spec.md §4.4.
type Scheduler struct {
	reg      *registry.Registry
	pressure *PressureMap
	sessions SessionManager
	log      zerolog.Logger
	cfg      Config

	mu   sync.Mutex
	open map[int64]*Request

	wakeCh  chan struct{}
	nextID  atomic.Int64

	progressMu   sync.Mutex
	lastProgress time.Time
}

// New builds a Scheduler. Call Run in its own goroutine to start ticking.
func New(reg *registry.Registry, pressure *PressureMap, sessions SessionManager, log zerolog.Logger, cfg Config) *Scheduler {
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 10 * time.Minute
	}
	return &Scheduler{
		reg:          reg,
		pressure:     pressure,
		sessions:     sessions,
		log:          log.With().Str("component", "scheduler").Logger(),
		cfg:          cfg,
		open:         make(map[int64]*Request),
		wakeCh:       make(chan struct{}, 1),
		lastProgress: time.Now(),
	}
}

// NextRequestID hands out the next value of the global BackendRequestsCounter.
func (s *Scheduler) NextRequestID() int64 { return s.nextID.Add(1) }

// Wake nudges the scheduler to run a tick sooner than its 1s poll.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Submit inserts req into the open set and wakes the scheduler.
func (s *Scheduler) Submit(req *Request) {
	s.mu.Lock()
	s.open[req.ID] = req
	s.mu.Unlock()
	s.Wake()
}

// Run drains ticks until ctx is canceled, at which point every open request
// is failed with cancellation (idempotent shutdown: calling Run's ctx
// cancellation twice, or racing it with a natural drain to empty, is safe).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cancelAllOpen()
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
		s.tick()
	}
}

func (s *Scheduler) cancelAllOpen() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finish(id, nil, nil)
	}
}

func (s *Scheduler) openIDsSorted() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Scheduler) lookup(id int64) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.open[id]
	return req, ok
}

func (s *Scheduler) finish(id int64, access *BackendAccess, err error) {
	s.mu.Lock()
	req, ok := s.open[id]
	if ok {
		delete(s.open, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	req.complete(access, err)
	if p := req.pressure(); p != nil {
		if empty := p.removeRequest(req); empty {
			s.pressure.RemoveIfEmpty(p.Model)
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now()

	// Step 1: drain cancellations and per-request deadline expiries. A caller
	// hanging up (context.Canceled) resolves silently as (nil, nil); a
	// request that simply outlived its own MaxWait (context.DeadlineExceeded)
	// is a Timeout, not a cancellation, and must surface as one.
	for _, id := range s.openIDsSorted() {
		req, ok := s.lookup(id)
		if !ok || req.Ctx == nil {
			continue
		}
		switch {
		case errors.Is(req.Ctx.Err(), context.DeadlineExceeded):
			s.finish(id, nil, timeoutError{model: req.DesiredModel, holdersOfModel: s.holdersOf(req.DesiredModel)})
		case req.Ctx.Err() != nil:
			s.finish(id, nil, nil)
		}
	}

	// Step 2: try-find per request, in stable (ascending id) order.
	progressed := false
	for _, id := range s.openIDsSorted() {
		req, ok := s.lookup(id)
		if !ok {
			continue
		}
		if s.tryFind(req, now) {
			progressed = true
		}
	}

	// Step 3: progress accounting / stagnation safety net.
	s.progressMu.Lock()
	if progressed {
		s.lastProgress = now
		s.progressMu.Unlock()
	} else {
		stagnantFor := now.Sub(s.lastProgress)
		s.progressMu.Unlock()
		remaining := s.openIDsSorted()
		if len(remaining) > 0 && stagnantFor > s.cfg.MaxTimeout {
			if s.cfg.FailIndividualOnStagnation {
				failed := s.failStagnantIndividually(remaining, now)
				s.log.Warn().Dur("stagnant_for", stagnantFor).Int("open", len(remaining)).Int("failed", failed).Msg("scheduler stagnation timeout (individual)")
			} else {
				s.log.Warn().Dur("stagnant_for", stagnantFor).Int("open", len(remaining)).Msg("scheduler stagnation timeout")
				for _, id := range remaining {
					req, ok := s.lookup(id)
					if !ok {
						continue
					}
					s.finish(id, nil, timeoutError{model: req.DesiredModel, holdersOfModel: s.holdersOf(req.DesiredModel)})
				}
			}
			s.progressMu.Lock()
			s.lastProgress = now
			s.progressMu.Unlock()
		}
	}
}

// failStagnantIndividually implements the FailIndividualOnStagnation branch:
// only requests whose own context deadline has already passed are failed.
// Requests still inside their own budget, or with no deadline at all, stay
// open for the next tick even though the registry as a whole made no
// progress this round. Step 1 of tick already resolves any request whose
// context reports an error the moment that happens, so by the time this
// runs the only candidates left are requests whose deadline lands exactly
// on this tick's boundary.
func (s *Scheduler) failStagnantIndividually(ids []int64, now time.Time) int {
	failed := 0
	for _, id := range ids {
		req, ok := s.lookup(id)
		if !ok {
			continue
		}
		if dl, ok := req.Ctx.Deadline(); ok && !now.Before(dl) {
			s.finish(id, nil, timeoutError{model: req.DesiredModel, holdersOfModel: s.holdersOf(req.DesiredModel)})
			failed++
		}
	}
	return failed
}

// holdersOf counts backends whose current resident model is model, for the
// diagnostic fields on timeoutError. Blank model names have no holders.
func (s *Scheduler) holdersOf(model string) int {
	if model == "" {
		return 0
	}
	n := 0
	for _, rec := range s.reg.Records() {
		if m, ok := rec.CurrentModel(); ok && m == model {
			n++
		}
	}
	return n
}

// tryFind implements spec.md §4.4 step 2. It returns true iff req left the
// open set this call (result, failure, or — handled by the caller —
// cancellation).
func (s *Scheduler) tryFind(req *Request, now time.Time) bool {
	all := s.reg.Records()

	anyBooting := false
	possible := make([]*registry.Record, 0, len(all))
	for _, rec := range all {
		st := rec.Status()
		if st == types.StatusLoading || st == types.StatusWaiting {
			anyBooting = true
		}
		if rec.Snapshot().Enabled && !rec.Reserved() && st == types.StatusRunning {
			possible = append(possible, rec)
		}
	}
	if len(possible) == 0 {
		if anyBooting {
			// Nothing is servable yet, but at least one backend is still
			// starting up (fresh registry load, or mid-EditByID/ReloadAll):
			// wait for it instead of declaring NoBackendsAvailable.
			return false
		}
		s.finish(req.ID, nil, noBackendsAvailableError{})
		return true
	}

	matched := make([]*registry.Record, 0, len(possible))
	for _, rec := range possible {
		if req.matches(rec.Snapshot()) {
			matched = append(matched, rec)
		}
	}
	if len(matched) == 0 {
		s.finish(req.ID, nil, noMatchingBackendError{})
		return true
	}

	available := make([]*registry.Record, 0, len(matched))
	for _, rec := range matched {
		if !rec.Snapshot().InUse() {
			available = append(available, rec)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Usages() < available[j].Usages() })

	if req.DesiredModel == "" {
		for _, rec := range available {
			if rec.TryAcquire() {
				s.finish(req.ID, newBackendAccess(rec, s.Wake), nil)
				return true
			}
		}
	} else {
		for _, rec := range available {
			if model, ok := rec.CurrentModel(); ok && model == req.DesiredModel {
				if rec.TryAcquire() {
					s.finish(req.ID, newBackendAccess(rec, s.Wake), nil)
					return true
				}
			}
		}
		// No ready backend already serves the desired model: register
		// pressure so LoadHighestPressure can see this demand.
		if req.pressure() == nil {
			entry := s.pressure.GetOrCreate(req.DesiredModel, now)
			entry.addRequest(req)
			req.setPressure(entry)
		}
	}

	if len(available) > 0 {
		s.loadHighestPressure(available, now)
	}
	if p := req.pressure(); p != nil && p.isLoadingNow() {
		req.fireWillLoadOnce()
	}
	return false
}

// loadHighestPressure implements spec.md §4.4.1.
func (s *Scheduler) loadHighestPressure(available []*registry.Record, now time.Time) {
	var loaders []*registry.Record
	for _, rec := range available {
		if rec.CanLoadModels() {
			loaders = append(loaders, rec)
		}
	}
	if len(loaders) == 0 {
		return
	}

	candidates := s.pressure.Snapshot()
	pending := make([]*PressureEntry, 0, len(candidates))
	for _, e := range candidates {
		if !e.isLoadingNow() {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return
	}

	loaderSnapshots := make([]types.BackendSnapshot, len(loaders))
	for i, l := range loaders {
		loaderSnapshots[i] = l.Snapshot()
	}

	compatible := func(e *PressureEntry, requireAll bool) bool {
		reqs := e.requestsSnapshot()
		if len(reqs) == 0 {
			return false
		}
		for _, r := range reqs {
			ok := false
			for _, ls := range loaderSnapshots {
				if r.matches(ls) {
					ok = true
					break
				}
			}
			if requireAll && !ok {
				return false
			}
			if !requireAll && ok {
				return true
			}
		}
		return requireAll
	}

	strict := make([]*PressureEntry, 0, len(pending))
	loose := make([]*PressureEntry, 0, len(pending))
	for _, e := range pending {
		if compatible(e, true) {
			strict = append(strict, e)
		} else if compatible(e, false) {
			loose = append(loose, e)
		}
	}
	filtered := strict
	if len(filtered) == 0 {
		filtered = loose
	}
	if len(filtered) == 0 {
		return
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Score(now) > filtered[j].Score(now) })
	h := filtered[0]

	h.commitMu.Lock()
	if h.isLoadingNow() {
		h.commitMu.Unlock()
		return
	}

	wait := now.Sub(h.FirstRequestTime)
	if len(loaders) > 1 && wait < modelLoadDeferWindow {
		h.commitMu.Unlock()
		return
	}

	var candidatesForLoad []*registry.Record
	for _, l := range loaders {
		if !h.isBad(l.ID()) {
			candidatesForLoad = append(candidatesForLoad, l)
		}
	}
	if len(candidatesForLoad) == 0 {
		h.commitMu.Unlock()
		s.failAllInEntry(h, allBackendsFailedModelError{model: h.Model})
		s.pressure.RemoveIfEmpty(h.Model)
		return
	}

	var needLoad []*registry.Record
	for _, l := range candidatesForLoad {
		if model, ok := l.CurrentModel(); !ok || model != h.Model {
			needLoad = append(needLoad, l)
		}
	}
	if len(needLoad) == 0 {
		// Already resident on every eligible candidate; nothing to load.
		h.commitMu.Unlock()
		return
	}

	var idle []*registry.Record
	for _, l := range needLoad {
		if l.Usages() == 0 {
			idle = append(idle, l)
		}
	}
	pool := idle
	if len(pool) == 0 {
		pool = needLoad
	}
	chosen := pool[0]
	for _, l := range pool[1:] {
		if l.TimeLastRelease().Before(chosen.TimeLastRelease()) {
			chosen = l
		}
	}
	if model, ok := chosen.CurrentModel(); ok && model != "" {
		metrics.EvictionsTotal.WithLabelValues(strconv.FormatInt(chosen.ID(), 10)).Inc()
	}

	h.setLoading(true)
	chosen.BeginModelLoad()
	sessionIDs := h.sessionIDs()
	var claims []Claim
	if s.sessions != nil {
		for _, sid := range sessionIDs {
			claims = append(claims, s.sessions.Claim(sid, 0, 1, 0, 0))
		}
	}
	h.commitMu.Unlock()

	go s.runModelLoad(chosen, h, claims)
}

// runModelLoad performs the model swap outside the scheduler tick, per
// spec.md §5 ("loads run outside the scheduler tick; the scheduler does not
// block on them"). It always clears reserveModelLoad/isLoading and disposes
// the load claims, regardless of outcome.
func (s *Scheduler) runModelLoad(chosen *registry.Record, entry *PressureEntry, claims []Claim) {
	ctx := context.Background()
	chosen.WaitUsagesZero(ctx)

	start := time.Now()
	ok, err := chosen.Driver().LoadModel(ctx, entry.Model)
	result := "ok"
	if err != nil || !ok {
		result = "failed"
		s.log.Warn().Int64("backend_id", chosen.ID()).Str("model", entry.Model).Err(err).Msg("model load failed")
	}
	metrics.ModelLoadDuration.WithLabelValues(entry.Model, result).Observe(time.Since(start).Seconds())
	if ok {
		chosen.SetCurrentModel(entry.Model)
	}
	chosen.EndModelLoad()
	entry.setLoading(false)

	if !ok {
		entry.markBad(chosen.ID())
	}
	for _, c := range claims {
		c.Dispose()
	}
	s.Wake()
}

func (s *Scheduler) failAllInEntry(entry *PressureEntry, err error) {
	for _, req := range entry.requestsSnapshot() {
		s.finish(req.ID, nil, err)
	}
}
