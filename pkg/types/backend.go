// Package types holds the value types shared across the backend pool: the
// wire shape of backend configuration, generation requests, and the
// snapshots the scheduler exposes to callers.
package types

import "encoding/json"

// BackendStatus is the lifecycle state of a single backend record.
type BackendStatus string

const (
	StatusDisabled BackendStatus = "DISABLED"
	StatusWaiting  BackendStatus = "WAITING"
	StatusLoading  BackendStatus = "LOADING"
	StatusIdle     BackendStatus = "IDLE"
	StatusRunning  BackendStatus = "RUNNING"
	StatusErrored  BackendStatus = "ERRORED"
)

// SettingsFieldType enumerates the primitive types a backend type's
// settings schema may declare.
type SettingsFieldType string

const (
	FieldText    SettingsFieldType = "text"
	FieldInteger SettingsFieldType = "integer"
	FieldDecimal SettingsFieldType = "decimal"
	FieldBool    SettingsFieldType = "bool"
)

// SettingsField describes one entry in a backend type's settings schema.
type SettingsField struct {
	Name     string            `json:"name"`
	Type     SettingsFieldType `json:"type"`
	Required bool              `json:"required,omitempty"`
	Default  any               `json:"default,omitempty"`
}

// ModelCategory groups catalog entries reported by a driver's init().
type ModelCategory string

const (
	CategoryMain        ModelCategory = "main"
	CategoryVAE         ModelCategory = "vae"
	CategoryLoRA        ModelCategory = "lora"
	CategoryControlNet  ModelCategory = "controlnet"
	CategoryEmbedding   ModelCategory = "embedding"
)

// ModelCatalog maps a category to the model names a driver reports as
// loadable after a successful init().
type ModelCatalog map[ModelCategory][]string

// PersistedBackendEntry is the on-disk shape of one registry record, keyed
// by decimal id in the registry file. Nonreal (negative id) records are
// never written to this shape.
type PersistedBackendEntry struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Enabled  bool            `json:"enabled"`
	Settings json.RawMessage `json:"settings"`
}

// BackendSnapshot is a read-only, race-free copy of a backend record's
// fields, taken under the record's own lock, for use by the scheduler and by
// status reporting. Mutating it has no effect on the underlying record.
type BackendSnapshot struct {
	ID               int64
	Title            string
	TypeID           string
	Status           BackendStatus
	Enabled          bool
	Reserved         bool
	ReserveModelLoad bool
	Usages           int
	MaxUsages        int
	CurrentModel     string
	HasModel         bool
	CanLoadModels    bool
	InitAttempts     int
	ModCount         int64
	TimeLastRelease  int64 // UnixNano, monotonic-ish wall clock
}

// InUse reports invariant 2 of the backend record: a backend is in use iff
// it has committed to a model load or is at its concurrency ceiling, and is
// actually running.
func (s BackendSnapshot) InUse() bool {
	if s.Status != StatusRunning {
		return false
	}
	return s.ReserveModelLoad || s.Usages >= s.MaxUsages
}
