// Package registry owns the set of backend records: assigning ids,
// persisting and restoring configuration, and running the clean-shutdown
// drain used by delete/edit/reload.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"genpool/internal/driverapi"
	"genpool/internal/initqueue"
	"genpool/pkg/types"
)

// Registry owns every backend record. Structural changes (insert/remove)
// hold mu only long enough to touch the map; nothing that might block runs
// under it.
type Registry struct {
	mu      sync.RWMutex
	records map[int64]*Record
	nextID  int64
	nextNonrealID int64

	types map[string]*driverapi.Type

	log    zerolog.Logger
	worker *initqueue.Worker

	saveMu sync.Mutex
	path   string

	notify func() // wakes the scheduler / signals a refresh
}

// New builds an empty registry. Register backend types with RegisterType
// before calling Load or Add. maxInitAttempts <= 0 falls back to
// initqueue.DefaultMaxAttempts. Call SetNotify before StartWorker if the
// caller needs to be woken on backend state changes (typically the
// scheduler wiring itself in after construction).
func New(log zerolog.Logger, maxInitAttempts int) *Registry {
	r := &Registry{
		records:       make(map[int64]*Record),
		types:         make(map[string]*driverapi.Type),
		nextNonrealID: -1,
		log:           log.With().Str("component", "registry").Logger(),
		notify:        func() {},
	}
	r.worker = initqueue.NewWorker(r.log, maxInitAttempts, func(b initqueue.Backend) {
		r.notify()
	})
	return r
}

// SetNotify installs the callback invoked whenever a backend's state
// changes in a way the scheduler should react to (init success, deletion).
// Call it once during wiring, before StartWorker or any Add/Load call.
func (r *Registry) SetNotify(notify func()) {
	if notify == nil {
		notify = func() {}
	}
	r.notify = notify
}

// RegisterType makes a backend type available to Add/AddNonreal/Load.
func (r *Registry) RegisterType(t *driverapi.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

// StartWorker launches the init worker's goroutine. Call once after
// RegisterType has been used for every known type.
func (r *Registry) StartWorker(ctx context.Context) { go r.worker.Run(ctx) }

// Types returns every registered backend type descriptor, in no particular
// order.
func (r *Registry) Types() []*driverapi.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*driverapi.Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out
}

func (r *Registry) enqueueOrInline(rec *Record) {
	if rec.backType.CanLoadFast {
		// Fast-load types bypass the queue and initialize inline on the
		// adding goroutine.
		if !rec.Enabled() {
			rec.MarkDisabled()
			return
		}
		rec.MarkLoading()
		rec.BumpAttempts()
		if err := rec.RunInit(context.Background()); err != nil {
			rec.MarkErrored(err)
			return
		}
		r.notify()
		return
	}
	r.worker.Enqueue(rec)
}

// Add creates a fresh real backend record with a monotonically increasing
// id, enqueues its initialization, and returns it.
func (r *Registry) Add(typeID string, title string, settings json.RawMessage, enabled bool) (*Record, error) {
	t, err := r.lookupType(typeID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	rec := newRecord(id, true, t, title, settings, enabled)
	r.records[id] = rec
	r.mu.Unlock()

	r.enqueueOrInline(rec)
	return rec, nil
}

// AddNonreal creates an ephemeral, never-persisted backend with a negative
// id, for transient or test-only drivers.
func (r *Registry) AddNonreal(typeID string, title string, settings json.RawMessage, enabled bool) (*Record, error) {
	t, err := r.lookupType(typeID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	id := r.nextNonrealID
	r.nextNonrealID--
	rec := newRecord(id, false, t, title, settings, enabled)
	r.records[id] = rec
	r.mu.Unlock()

	r.enqueueOrInline(rec)
	return rec, nil
}

func (r *Registry) lookupType(typeID string) (*driverapi.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[typeID]
	if !ok {
		return nil, fmt.Errorf("unknown backend type %q", typeID)
	}
	return t, nil
}

// ByID returns the record for id, if present.
func (r *Registry) ByID(id int64) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Records returns a stable-ordered snapshot of every record pointer.
// Callers may safely call methods on the returned records concurrently.
func (r *Registry) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RunningBackendsOf returns records of the given type that are RUNNING and
// not reserved.
func (r *Registry) RunningBackendsOf(typeID string) []*Record {
	var out []*Record
	for _, rec := range r.Records() {
		if rec.TypeID() == typeID && rec.Status() == types.StatusRunning && !rec.Reserved() {
			out = append(out, rec)
		}
	}
	return out
}

// DeleteByID clean-shuts-down the record then removes it from the set.
func (r *Registry) DeleteByID(ctx context.Context, id int64) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	rec.ShutdownClean(ctx)
	r.markDirty()
	r.notify()
	return true
}

// EditByID clean-shuts-down the record, replaces its settings, and
// re-enqueues initialization.
func (r *Registry) EditByID(ctx context.Context, id int64, settings json.RawMessage, title *string) (*Record, error) {
	rec, ok := r.ByID(id)
	if !ok {
		return nil, fmt.Errorf("backend %d not found", id)
	}
	rec.ShutdownClean(ctx)
	rec.replaceSettings(settings, title)
	rec.MarkWaiting()
	rec.reserved.Store(false)
	r.enqueueOrInline(rec)
	r.markDirty()
	return rec, nil
}

// ReloadAll clean-shuts-down and re-initializes every record, in the
// teacher's "reloadAll" sense: used after a systemic config or driver
// change.
func (r *Registry) ReloadAll(ctx context.Context) {
	for _, rec := range r.Records() {
		rec.ShutdownClean(ctx)
		rec.MarkWaiting()
		rec.reserved.Store(false)
		r.enqueueOrInline(rec)
	}
}

// Shutdown clean-shuts-down every record. Idempotent: calling it twice is
// equivalent to calling it once, since ShutdownClean itself is idempotent
// per backend.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, rec := range r.Records() {
		rec.ShutdownClean(ctx)
	}
}

// markDirty persists the current record set if a save path was configured.
// Save() itself serializes concurrent writers under saveMu.
func (r *Registry) markDirty() {
	if r.path == "" {
		return
	}
	if err := r.Save(); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist registry")
	}
}
