// Package driverapi defines the contract between the scheduler core and a
// backend driver. The core never imports a concrete driver; it only ever
// sees this interface, so it stays opaque to whatever process model or wire
// protocol a given backend kind uses.
package driverapi

import (
	"context"
	"encoding/json"

	"genpool/pkg/types"
)

// Driver is the capability set a backend type's implementation must
// provide. Observable side effects (spawning a process, opening sockets)
// are confined behind it.
type Driver interface {
	// Init blocks until the driver is ready to serve, or fails with an
	// InitError. On success it reports the feature set and model catalog
	// the backend currently supports.
	Init(ctx context.Context) (InitResult, error)

	// ShutdownNow tears the driver down cooperatively. Must be callable at
	// any status and must be idempotent.
	ShutdownNow(ctx context.Context)

	// LoadModel swaps the resident model. Must not be called while the
	// backend has any usages outstanding. Returns whether the load
	// actually landed on the requested model.
	LoadModel(ctx context.Context, model string) (bool, error)

	// GenerateLive runs one generation, delivering progress and result
	// events in production order. Returns when all outputs have been
	// delivered or an error (possibly *RedirectError) is raised.
	GenerateLive(ctx context.Context, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error

	// CanLoadModels reports whether LoadModel is meaningful for this
	// driver; drivers fronting a fixed external endpoint return false.
	CanLoadModels() bool
}

// InitResult is what a successful Init reports back to the registry.
type InitResult struct {
	Features []string
	Catalog  types.ModelCatalog
}

// Factory builds a Driver instance from a backend type's raw settings blob.
type Factory func(settings json.RawMessage) (Driver, error)

// Type is the immutable descriptor for one backend kind.
type Type struct {
	ID           string
	DisplayName  string
	Schema       []types.SettingsField
	CanLoadFast  bool // true => Init is cheap enough to run inline
	New          Factory
}
