// Package remote implements a driverapi.Driver for a fixed external
// endpoint: a peer that already has a model resident and cannot be told to
// swap it. It generalizes the tiny Load/Unload/Warmup split of
// internal/llm.Adapter to a network peer instead of an in-process object.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"genpool/internal/driverapi"
	"genpool/pkg/types"
)

// Settings is the settings schema for the remote backend type.
type Settings struct {
	BaseURL      string `json:"base_url"`
	ResidentModel string `json:"resident_model"`
}

// Schema describes Settings for the admin API.
var Schema = []types.SettingsField{
	{Name: "base_url", Type: types.FieldText, Required: true},
	{Name: "resident_model", Type: types.FieldText, Required: true},
}

// TypeID is this driver's backend type identifier.
const TypeID = "remote"

// NewType builds the driverapi.Type descriptor for registration.
func NewType() *driverapi.Type {
	return &driverapi.Type{
		ID:          TypeID,
		DisplayName: "Remote endpoint",
		Schema:      Schema,
		CanLoadFast: true,
		New:         newDriver,
	}
}

func newDriver(raw json.RawMessage) (driverapi.Driver, error) {
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid remote settings: %w", err)
	}
	if strings.TrimSpace(s.BaseURL) == "" || strings.TrimSpace(s.ResidentModel) == "" {
		return nil, fmt.Errorf("remote settings require base_url and resident_model")
	}
	return &Driver{settings: s, httpClient: &http.Client{Timeout: 0}}, nil
}

// Driver represents a peer that is warmed and ready before the backend is
// ever added: Init just health-checks it, and LoadModel is never called
// because CanLoadModels is false.
type Driver struct {
	settings   Settings
	httpClient *http.Client
}

// Init warms up the peer with a health probe.
func (d *Driver) Init(ctx context.Context) (driverapi.InitResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.settings.BaseURL+"/health", nil)
	if err != nil {
		return driverapi.InitResult{}, driverapi.NewRefused(err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return driverapi.InitResult{}, driverapi.NewTransient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return driverapi.InitResult{}, driverapi.NewTransient(fmt.Errorf("remote health status %d", resp.StatusCode))
	}
	return driverapi.InitResult{
		Features: []string{"remote"},
		Catalog:  types.ModelCatalog{types.CategoryMain: {d.settings.ResidentModel}},
	}, nil
}

func (d *Driver) ShutdownNow(ctx context.Context) {}

// CanLoadModels reports false: this backend's model is fixed by
// configuration, not chosen by the scheduler.
func (d *Driver) CanLoadModels() bool { return false }

// LoadModel is never invoked by the scheduler for a CanLoadModels()==false
// driver, but is implemented defensively for direct callers/tests.
func (d *Driver) LoadModel(ctx context.Context, model string) (bool, error) {
	if model != d.settings.ResidentModel {
		return false, fmt.Errorf("remote: %q is fixed, cannot load %q", d.settings.ResidentModel, model)
	}
	return true, nil
}

// GenerateLive proxies the opaque graph payload to the peer as JSON and
// streams back newline-delimited events.
func (d *Driver) GenerateLive(ctx context.Context, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error {
	body, err := json.Marshal(struct {
		Model string `json:"model"`
		Graph any    `json:"graph"`
	}{Model: d.settings.ResidentModel, Graph: input.Graph})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.settings.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &driverapi.RedirectError{Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &driverapi.RedirectError{Reason: fmt.Sprintf("remote generate status %d", resp.StatusCode)}
	}

	dec := json.NewDecoder(resp.Body)
	step := 0
	for dec.More() {
		var evt struct {
			Done bool   `json:"done"`
			Data []byte `json:"data"`
		}
		if err := dec.Decode(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if evt.Done {
			onEvent(types.GenerationEvent{Image: &types.ResultImage{
				BatchID:  batchID,
				Data:     evt.Data,
				Metadata: map[string]string{"model": d.settings.ResidentModel},
			}})
			return nil
		}
		step++
		onEvent(types.GenerationEvent{Progress: &types.ProgressEvent{BatchID: batchID, Step: step, PreviewData: evt.Data}})
	}
	return nil
}
