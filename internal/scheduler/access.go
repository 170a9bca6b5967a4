package scheduler

import (
	"context"
	"sync"

	"genpool/internal/driverapi"
	"genpool/internal/registry"
	"genpool/pkg/types"
)

// BackendAccess is a scoped handle representing one reserved usage slot on
// a backend. Acquisition happens before the handle is constructed (via
// Record.TryAcquire); Release is guaranteed on every exit path and is
// idempotent.
type BackendAccess struct {
	rec    *registry.Record
	driver driverapi.Driver
	wake   func()

	once sync.Once
}

func newBackendAccess(rec *registry.Record, wake func()) *BackendAccess {
	return &BackendAccess{rec: rec, driver: rec.Driver(), wake: wake}
}

// BackendID reports which backend this handle is pinned to.
func (a *BackendAccess) BackendID() int64 { return a.rec.ID() }

// GenerateLive runs one generation against the acquired backend.
func (a *BackendAccess) GenerateLive(ctx context.Context, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error {
	return a.driver.GenerateLive(ctx, input, batchID, onEvent)
}

// Release gives back the usage slot and wakes the scheduler. Safe to call
// more than once or under defer alongside an explicit call.
func (a *BackendAccess) Release() {
	a.once.Do(func() {
		a.rec.Release()
		if a.wake != nil {
			a.wake()
		}
	})
}
