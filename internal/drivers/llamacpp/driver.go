// Package llamacpp implements an in-process driverapi.Driver backed
// directly by github.com/go-skynet/go-llama.cpp: the model lives in this
// process's address space, so loads and generations pay no IPC cost but the
// binary must be built with the "llama" build tag and linked against
// libllama.
package llamacpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"genpool/internal/driverapi"
	"genpool/pkg/types"
)

// Settings is the settings schema for the llamacpp backend type.
type Settings struct {
	CtxSize int `json:"ctx_size"`
	Threads int `json:"threads"`
}

// Schema describes Settings for the admin API (spec.md §3 SettingsField).
var Schema = []types.SettingsField{
	{Name: "ctx_size", Type: types.FieldInteger, Required: false, Default: 4096},
	{Name: "threads", Type: types.FieldInteger, Required: false, Default: 4},
}

// TypeID is this driver's backend type identifier.
const TypeID = "llamacpp"

// NewType builds the driverapi.Type descriptor for registration.
func NewType() *driverapi.Type {
	return &driverapi.Type{
		ID:          TypeID,
		DisplayName: "In-process llama.cpp",
		Schema:      Schema,
		CanLoadFast: false,
		New:         newDriver,
	}
}

func newDriver(raw json.RawMessage) (driverapi.Driver, error) {
	s := Settings{CtxSize: 4096, Threads: 4}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid llamacpp settings: %w", err)
		}
	}
	if s.CtxSize <= 0 || s.Threads <= 0 {
		return nil, fmt.Errorf("llamacpp settings must have positive ctx_size and threads")
	}
	return &Driver{settings: s}, nil
}

// Driver wraps a single in-process model instance. Only one model is
// resident at a time; loading a new one frees the old one first.
type Driver struct {
	settings Settings

	mu      sync.Mutex
	model   *llamaModel
	current string
}

// Init performs no model load; the backend reports RUNNING immediately and
// waits for the scheduler to pick a model via LoadModel.
func (d *Driver) Init(ctx context.Context) (driverapi.InitResult, error) {
	return driverapi.InitResult{
		Features: []string{"in-process"},
		Catalog:  types.ModelCatalog{},
	}, nil
}

func (d *Driver) ShutdownNow(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != nil {
		d.model.Free()
		d.model = nil
		d.current = ""
	}
}

// CanLoadModels reports true: this driver swaps its resident model on
// command.
func (d *Driver) CanLoadModels() bool { return true }

// LoadModel frees any resident model and loads modelPath in its place.
func (d *Driver) LoadModel(ctx context.Context, modelPath string) (bool, error) {
	m, err := newLlamaModel(modelPath, d.settings.CtxSize)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	if d.model != nil {
		d.model.Free()
	}
	d.model = m
	d.current = modelPath
	d.mu.Unlock()
	return true, nil
}

// GenerateLive runs one generation against the resident model, streaming
// per-token progress and a single final image event. input.Graph is
// expected to resolve to a text prompt; the core treats it as opaque and
// never inspects it beyond this driver boundary.
func (d *Driver) GenerateLive(ctx context.Context, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error {
	d.mu.Lock()
	m := d.model
	d.mu.Unlock()
	if m == nil {
		return fmt.Errorf("llamacpp: no model loaded")
	}
	prompt := promptFromGraph(input.Graph)

	step := 0
	out, err := m.Predict(ctx, prompt, d.settings.Threads, func(tok string) bool {
		step++
		select {
		case <-ctx.Done():
			return false
		default:
		}
		onEvent(types.GenerationEvent{Progress: &types.ProgressEvent{
			BatchID:    batchID,
			Step:       step,
			TotalSteps: 0,
		}})
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	onEvent(types.GenerationEvent{Image: &types.ResultImage{
		BatchID:  batchID,
		Data:     []byte(out),
		Metadata: map[string]string{"model": d.current},
	}})
	return nil
}

func promptFromGraph(graph any) string {
	if s, ok := graph.(string); ok {
		return s
	}
	return fmt.Sprint(graph)
}
