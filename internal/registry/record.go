package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"genpool/internal/driverapi"
	"genpool/internal/metrics"
	"genpool/pkg/types"
)

// Record is a single backend's mutable state: identity, status, current
// model, usage count, reservation flags, and the driver instance backing
// it. All mutation goes through its methods, which hold mu only for the
// duration of the field access — never across driver I/O.
type Record struct {
	id     int64
	isReal bool

	backType *driverapi.Type
	driver   driverapi.Driver

	mu           sync.RWMutex
	title        string
	settingsRaw  json.RawMessage
	enabled      bool
	status       types.BackendStatus
	currentModel string
	initAttempts int
	catalog      types.ModelCatalog
	features     []string
	lastErr      error

	usages           atomic.Int32
	maxUsages        int32
	reserved         atomic.Bool
	reserveModelLoad atomic.Bool
	modCount         atomic.Int64
	timeLastRelease  atomic.Int64 // UnixNano
}

func newRecord(id int64, isReal bool, t *driverapi.Type, title string, settings json.RawMessage, enabled bool) *Record {
	r := &Record{
		id:          id,
		isReal:      isReal,
		backType:    t,
		title:       title,
		settingsRaw: settings,
		enabled:     enabled,
		maxUsages:   1,
	}
	if enabled {
		r.status = types.StatusWaiting
	} else {
		r.status = types.StatusDisabled
	}
	r.timeLastRelease.Store(time.Now().UnixNano())
	return r
}

func (r *Record) ID() int64             { return r.id }
func (r *Record) IsReal() bool          { return r.isReal }
func (r *Record) TypeID() string        { return r.backType.ID }
func (r *Record) BackendType() *driverapi.Type { return r.backType }
func (r *Record) CanLoadModels() bool {
	if r.driver == nil {
		return false
	}
	return r.driver.CanLoadModels()
}
func (r *Record) MaxUsages() int32 { return r.maxUsages }

// Enabled reports the configured on/off flag (initqueue.Backend).
func (r *Record) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

func (r *Record) Attempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initAttempts
}

func (r *Record) BumpAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initAttempts++
	return r.initAttempts
}

func (r *Record) MarkDisabled() { r.setStatus(types.StatusDisabled) }
func (r *Record) MarkLoading()  { r.setStatus(types.StatusLoading) }
func (r *Record) MarkWaiting()  { r.setStatus(types.StatusWaiting) }

func (r *Record) MarkErrored(err error) {
	r.mu.Lock()
	r.status = types.StatusErrored
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Record) setStatus(s types.BackendStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Record) Status() types.BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// RunInit calls the driver's Init and records the outcome. It never holds
// mu across the call.
func (r *Record) RunInit(ctx context.Context) error {
	if r.driver == nil {
		d, err := r.backType.New(r.settingsRaw)
		if err != nil {
			return driverapi.NewRefused(err)
		}
		r.driver = d
	}
	res, err := r.driver.Init(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.status = types.StatusRunning
	r.catalog = res.Catalog
	r.features = res.Features
	r.lastErr = nil
	r.mu.Unlock()
	return nil
}

// ShutdownClean sets reserved so no new acquisition starts, waits for
// usages to drain (or ctx to be canceled), then tears the driver down. This
// implements the registry's "clean-shutdown" primitive used by delete/edit.
func (r *Record) ShutdownClean(ctx context.Context) {
	r.reserved.Store(true)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for r.usages.Load() != 0 {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
		}
	}
shutdown:
	if r.driver != nil {
		r.driver.ShutdownNow(ctx)
	}
	r.mu.Lock()
	r.currentModel = ""
	r.mu.Unlock()
}

// TryAcquire attempts to reserve one usage slot. Returns false if the
// backend is reserved, mid-load, not running, or already at its ceiling.
func (r *Record) TryAcquire() bool {
	if r.reserved.Load() || r.reserveModelLoad.Load() {
		return false
	}
	if r.Status() != types.StatusRunning {
		return false
	}
	for {
		cur := r.usages.Load()
		if cur >= r.maxUsages {
			return false
		}
		if r.usages.CompareAndSwap(cur, cur+1) {
			r.timeLastRelease.Store(time.Now().UnixNano())
			r.reportUsage(cur + 1)
			return true
		}
	}
}

// Release gives back one usage slot. Double-release beyond zero is
// prevented by callers only ever releasing what they acquired; this method
// still floors at zero defensively.
func (r *Record) Release() {
	for {
		cur := r.usages.Load()
		if cur <= 0 {
			return
		}
		if r.usages.CompareAndSwap(cur, cur-1) {
			r.timeLastRelease.Store(time.Now().UnixNano())
			r.reportUsage(cur - 1)
			return
		}
	}
}

func (r *Record) Usages() int32 { return r.usages.Load() }

func (r *Record) reportUsage(usages int32) {
	metrics.BackendUsage.WithLabelValues(strconv.FormatInt(r.id, 10), r.backType.ID).Set(float64(usages))
}

// BeginModelLoad commits this backend to an imminent model load. It only
// blocks new acquisitions (invariant 3); the caller must still wait for
// Usages() to drain to zero before actually swapping the model (invariant
// 4). Returns false if a load is already committed.
func (r *Record) BeginModelLoad() bool {
	return r.reserveModelLoad.CompareAndSwap(false, true)
}

func (r *Record) EndModelLoad() { r.reserveModelLoad.Store(false) }

func (r *Record) ReserveModelLoad() bool { return r.reserveModelLoad.Load() }
func (r *Record) Reserved() bool         { return r.reserved.Load() }

// WaitUsagesZero polls at 100ms for usages to reach zero, honoring ctx.
func (r *Record) WaitUsagesZero(ctx context.Context) {
	if r.usages.Load() == 0 {
		return
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	waitStart := time.Now()
	for r.usages.Load() != 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(waitStart) > 2*time.Second {
				// slow-wait: surfaced via caller's logger, not logged here to
				// keep Record free of a logging dependency.
			}
		}
	}
}

// SetCurrentModel changes the resident model. Callers must only invoke this
// while ReserveModelLoad() is true and Usages() == 0 (invariant 4).
func (r *Record) SetCurrentModel(name string) {
	r.mu.Lock()
	r.currentModel = name
	r.mu.Unlock()
	r.modCount.Add(1)
}

func (r *Record) CurrentModel() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentModel, r.currentModel != ""
}

func (r *Record) Driver() driverapi.Driver { return r.driver }

func (r *Record) TimeLastRelease() time.Time {
	return time.Unix(0, r.timeLastRelease.Load())
}

// Snapshot copies the record's fields under lock into a race-free value.
func (r *Record) Snapshot() types.BackendSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, has := r.currentModel, r.currentModel != ""
	return types.BackendSnapshot{
		ID:               r.id,
		Title:            r.title,
		TypeID:           r.backType.ID,
		Status:           r.status,
		Enabled:          r.enabled,
		Reserved:         r.reserved.Load(),
		ReserveModelLoad: r.reserveModelLoad.Load(),
		Usages:           int(r.usages.Load()),
		MaxUsages:        int(r.maxUsages),
		CurrentModel:     model,
		HasModel:         has,
		CanLoadModels:    r.CanLoadModels(),
		InitAttempts:     r.initAttempts,
		ModCount:         r.modCount.Load(),
		TimeLastRelease:  r.timeLastRelease.Load(),
	}
}

// Persisted returns the on-disk shape for real records.
func (r *Record) Persisted() types.PersistedBackendEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return types.PersistedBackendEntry{
		Type:     r.backType.ID,
		Title:    r.title,
		Enabled:  r.enabled,
		Settings: r.settingsRaw,
	}
}

// replaceSettings swaps in new settings/title, invalidating the driver so
// the next init picks them up. Caller must have already clean-shut-down.
func (r *Record) replaceSettings(settings json.RawMessage, title *string) {
	r.mu.Lock()
	r.settingsRaw = settings
	if title != nil {
		r.title = *title
	}
	r.mu.Unlock()
	r.driver = nil
	r.modCount.Add(1)
}
