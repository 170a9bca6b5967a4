// Package orchestrator wires the registry, scheduler, and session manager
// together behind the intake-facing contract described in spec.md §4.7: a
// single GetNextBackend call plus the admin operations intake needs.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genpool/internal/driverapi"
	"genpool/internal/metrics"
	"genpool/internal/registry"
	"genpool/internal/scheduler"
	"genpool/internal/session"
	"genpool/pkg/types"
)

// sessionAdapter satisfies scheduler.SessionManager by delegating to
// *session.Manager. It exists because scheduler.Claim is an interface and
// session.Claim is a concrete type: Go does not let a concrete method
// satisfy an interface method by covariant return, so the conversion has to
// happen at the call site, in whichever package imports both.
type sessionAdapter struct{ m *session.Manager }

func (a sessionAdapter) Claim(sessionID string, waiting, loadingModels, waitingBackends, live int) scheduler.Claim {
	return a.m.Claim(sessionID, waiting, loadingModels, waitingBackends, live)
}

// Orchestrator is the Intake API facade of spec.md §4.7.
type Orchestrator struct {
	log zerolog.Logger

	reg      *registry.Registry
	sched    *scheduler.Scheduler
	sessions *session.Manager
	pressure *scheduler.PressureMap

	mu           sync.RWMutex
	shuttingDown bool

	perRequestTimeout time.Duration
}

// Config carries the orchestrator's own tunables, layered on top of
// scheduler.Config.
type Config struct {
	Scheduler         scheduler.Config
	PerRequestTimeout time.Duration
	MaxInitAttempts   int
}

// New builds the registry, session manager, pressure map, and scheduler,
// and wires them together into an Orchestrator. Call Run in its own
// goroutine before serving traffic.
func New(log zerolog.Logger, cfg Config) *Orchestrator {
	reg := registry.New(log, cfg.MaxInitAttempts)
	sessions := session.NewManager()
	pressure := scheduler.NewPressureMap()
	sched := scheduler.New(reg, pressure, sessionAdapter{sessions}, log, cfg.Scheduler)
	reg.SetNotify(sched.Wake)
	if cfg.PerRequestTimeout <= 0 {
		cfg.PerRequestTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		log:               log.With().Str("component", "orchestrator").Logger(),
		reg:               reg,
		sched:             sched,
		sessions:          sessions,
		pressure:          pressure,
		perRequestTimeout: cfg.PerRequestTimeout,
	}
}

// Run starts the scheduler's tick loop. Blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) { o.sched.Run(ctx) }

// GetNextBackendOpts carries the optional parameters of getNextBackend.
type GetNextBackendOpts struct {
	MaxWait        time.Duration
	DesiredModel   string
	Filter         scheduler.Filter
	SessionID      string
	NotifyWillLoad func()
	Ctx            context.Context
}

// GetNextBackend implements spec.md §4.7. It refuses immediately if the
// orchestrator is shutting down, otherwise blocks up to opts.MaxWait for a
// scheduler decision, honoring cancellation.
func (o *Orchestrator) GetNextBackend(opts GetNextBackendOpts) (*scheduler.BackendAccess, error) {
	o.mu.RLock()
	down := o.shuttingDown
	o.mu.RUnlock()
	if down {
		return nil, errShuttingDown{}
	}

	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = o.perRequestTimeout
	}
	deadline := time.Now().Add(opts.MaxWait)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	return o.awaitOne(reqCtx, opts)
}

// GenerateLive acquires a backend, runs the generation, and honors the
// driver's one-shot PleaseRedirect escape hatch (spec.md §4.1, §7): a
// RedirectError releases the current backend and re-acquires exactly once
// before surfacing further failures normally.
func (o *Orchestrator) GenerateLive(opts GetNextBackendOpts, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error {
	ctx := opts.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	redirectsLeft := 1
	for {
		access, err := o.GetNextBackend(opts)
		if err != nil {
			return err
		}
		if access == nil {
			return nil // cancellation
		}
		var liveClaim *session.Claim
		if opts.SessionID != "" {
			liveClaim = o.sessions.Claim(opts.SessionID, 0, 0, 0, 1)
		}
		err = access.GenerateLive(ctx, input, batchID, onEvent)
		if liveClaim != nil {
			liveClaim.Dispose()
		}
		access.Release()
		if err == nil {
			return nil
		}
		if driverapi.IsRedirect(err) && redirectsLeft > 0 {
			redirectsLeft--
			metrics.RedirectsTotal.WithLabelValues(opts.DesiredModel).Inc()
			continue
		}
		return err
	}
}

func (o *Orchestrator) awaitOne(ctx context.Context, opts GetNextBackendOpts) (*scheduler.BackendAccess, error) {
	// Claim waiting=1 for the lifetime of the open request, so the status
	// surface reflects requests genuinely queued for a backend, not just
	// ones already mid-load (loadingModels, claimed separately by the
	// scheduler) or mid-generation (live, claimed by GenerateLive). Joining
	// the session's own cancellation token means an InterruptSession call
	// fans out to this request too (spec.md §4.6), not just to requests that
	// happen to carry their caller's own context cancellation.
	if opts.SessionID != "" {
		waitClaim := o.sessions.Claim(opts.SessionID, 1, 0, 0, 0)
		defer waitClaim.Dispose()

		joined, cancel := joinContexts(ctx, o.sessions.Ctx(opts.SessionID))
		defer cancel()
		ctx = joined
	}

	id := o.sched.NextRequestID()
	req := scheduler.NewRequest(id, ctx, opts.DesiredModel, opts.Filter, opts.SessionID, opts.NotifyWillLoad)
	o.sched.Submit(req)

	select {
	case <-req.Done():
		return req.Result()
	case <-ctx.Done():
		o.sched.Wake()
		<-req.Done()
		_, err := req.Result()
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// joinContexts returns a child of a that is also canceled when b is done.
// Deriving from a (rather than a fresh background context) matters: if a
// carries a deadline, its own timerCtx machinery cancels this child with
// context.DeadlineExceeded when it fires, exactly as if b didn't exist —
// only a cancellation originating from b collapses the result to a plain
// context.Canceled. The returned cancel func must be called to release the
// watcher goroutine once the caller is done with it.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.Done():
			cancel()
		}
	}()
	return ctx, cancel
}

// InterruptSession fans a cancellation out to every outstanding claim on a
// session (spec.md §4.6): open requests observing the session's context via
// awaitOne resolve as canceled, and the session's token is replaced so
// future requests are unaffected.
func (o *Orchestrator) InterruptSession(sessionID string) bool {
	return o.sessions.Interrupt(sessionID)
}

// StatusSnapshot returns the per-session counters plus every backend's
// public projection, for the status surface of spec.md §6.
func (o *Orchestrator) StatusSnapshot() types.StatusResponse {
	sessions := o.sessions.StatusSnapshot()
	sc := make(map[string]types.SessionCounters, len(sessions))
	for id, c := range sessions {
		sc[id] = c
	}

	backends := o.ListBackendViews()

	pending := make(map[string]int)
	for _, entry := range o.pressure.Snapshot() {
		pending[entry.Model] = entry.PendingCount()
	}

	return types.StatusResponse{Backends: backends, Sessions: sc, PendingByModel: pending}
}

// Ready reports whether the orchestrator is accepting new requests.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return !o.shuttingDown
}

// RegisterType exposes registry type registration to callers that build the
// orchestrator before drivers are wired.
func (o *Orchestrator) RegisterType(t *driverapi.Type) { o.reg.RegisterType(t) }

// Types returns every registered backend type descriptor.
func (o *Orchestrator) Types() []*driverapi.Type { return o.reg.Types() }

// StartWorker launches the init worker after every type has been
// registered.
func (o *Orchestrator) StartWorker(ctx context.Context) { o.reg.StartWorker(ctx) }

// Load restores the persisted registry file, if any.
func (o *Orchestrator) Load(path string) error { return o.reg.Load(path) }

// AddBackend creates a new real, persisted backend.
func (o *Orchestrator) AddBackend(typeID, title string, settings json.RawMessage, enabled bool) (*registry.Record, error) {
	return o.reg.Add(typeID, title, settings, enabled)
}

// EditBackend replaces a backend's settings/title after a clean shutdown.
func (o *Orchestrator) EditBackend(ctx context.Context, id int64, settings json.RawMessage, title *string) (*registry.Record, error) {
	return o.reg.EditByID(ctx, id, settings, title)
}

// DeleteBackend removes a backend after a clean shutdown.
func (o *Orchestrator) DeleteBackend(ctx context.Context, id int64) bool {
	return o.reg.DeleteByID(ctx, id)
}

// ByID looks up one backend record.
func (o *Orchestrator) ByID(id int64) (*registry.Record, bool) { return o.reg.ByID(id) }

// ListBackends returns every backend record.
func (o *Orchestrator) ListBackends() []*registry.Record { return o.reg.Records() }

// viewOf projects a registry record into its public wire shape.
func viewOf(rec *registry.Record) types.BackendStatusView {
	s := rec.Snapshot()
	return types.BackendStatusView{
		ID:            s.ID,
		Title:         s.Title,
		TypeID:        s.TypeID,
		Status:        s.Status,
		Enabled:       s.Enabled,
		Usages:        s.Usages,
		MaxUsages:     s.MaxUsages,
		CurrentModel:  s.CurrentModel,
		CanLoadModels: s.CanLoadModels,
	}
}

// ListBackendViews returns the public projection of every backend, for the
// HTTP layer.
func (o *Orchestrator) ListBackendViews() []types.BackendStatusView {
	recs := o.reg.Records()
	out := make([]types.BackendStatusView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	return out
}

// BackendSettings returns the raw settings blob currently persisted for a
// backend, for callers (the HTTP layer's partial-patch merge) that need to
// apply a partial update on top of the existing configuration.
func (o *Orchestrator) BackendSettings(id int64) (json.RawMessage, bool) {
	rec, ok := o.reg.ByID(id)
	if !ok {
		return nil, false
	}
	return rec.Persisted().Settings, true
}

// BackendView returns the public projection of one backend.
func (o *Orchestrator) BackendView(id int64) (types.BackendStatusView, bool) {
	rec, ok := o.reg.ByID(id)
	if !ok {
		return types.BackendStatusView{}, false
	}
	return viewOf(rec), true
}

// AddBackendView creates a backend and returns its public projection.
func (o *Orchestrator) AddBackendView(typeID, title string, settings json.RawMessage, enabled bool) (types.BackendStatusView, error) {
	rec, err := o.reg.Add(typeID, title, settings, enabled)
	if err != nil {
		return types.BackendStatusView{}, err
	}
	return viewOf(rec), nil
}

// EditBackendView replaces a backend's settings/title and returns its
// public projection.
func (o *Orchestrator) EditBackendView(ctx context.Context, id int64, settings json.RawMessage, title *string) (types.BackendStatusView, error) {
	rec, err := o.reg.EditByID(ctx, id, settings, title)
	if err != nil {
		return types.BackendStatusView{}, err
	}
	return viewOf(rec), nil
}

// TypeViews returns the public projection of every registered backend type.
func (o *Orchestrator) TypeViews() []types.BackendTypeView {
	ts := o.reg.Types()
	out := make([]types.BackendTypeView, 0, len(ts))
	for _, t := range ts {
		out = append(out, types.BackendTypeView{
			ID:          t.ID,
			DisplayName: t.DisplayName,
			Schema:      t.Schema,
			CanLoadFast: t.CanLoadFast,
		})
	}
	return out
}

// ReloadAll re-initializes every backend.
func (o *Orchestrator) ReloadAll(ctx context.Context) { o.reg.ReloadAll(ctx) }

// Shutdown marks the orchestrator as refusing new requests, then drains
// every backend. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()
	o.reg.Shutdown(ctx)
}

// errShuttingDown is returned by GetNextBackend once Shutdown has been
// called.
type errShuttingDown struct{}

func (errShuttingDown) Error() string { return "registry is shutting down" }

// IsShuttingDown reports whether err is errShuttingDown.
func IsShuttingDown(err error) bool {
	_, ok := err.(errShuttingDown)
	return ok
}
