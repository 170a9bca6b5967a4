package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"genpool/internal/driverapi"
	"genpool/pkg/types"
)

func settingsJSON(t *testing.T, baseURL, model string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(Settings{BaseURL: baseURL, ResidentModel: model})
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	return b
}

func TestNewDriver_RejectsMissingFields(t *testing.T) {
	if _, err := newDriver(json.RawMessage(`{"base_url":"http://x"}`)); err == nil {
		t.Fatal("expected an error for a missing resident_model")
	}
	if _, err := newDriver(json.RawMessage(`{"resident_model":"m1"}`)); err == nil {
		t.Fatal("expected an error for a missing base_url")
	}
}

func TestInit_HealthProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := newDriver(settingsJSON(t, srv.URL, "sdxl"))
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	res, err := d.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(res.Catalog[types.CategoryMain]) != 1 || res.Catalog[types.CategoryMain][0] != "sdxl" {
		t.Fatalf("unexpected catalog: %+v", res.Catalog)
	}
}

func TestInit_NonTwoXXIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := newDriver(settingsJSON(t, srv.URL, "sdxl"))
	_, err := d.Init(context.Background())
	ierr, ok := err.(*driverapi.InitError)
	if !ok {
		t.Fatalf("expected *driverapi.InitError, got %T (%v)", err, err)
	}
	if ierr.Kind != driverapi.Transient {
		t.Fatalf("expected Transient, got %v", ierr.Kind)
	}
}

func TestInit_UnreachablePeerIsTransient(t *testing.T) {
	d, _ := newDriver(settingsJSON(t, "http://127.0.0.1:1", "sdxl"))
	_, err := d.Init(context.Background())
	if !ok(err) {
		t.Fatalf("expected an InitError, got %v", err)
	}
}

func ok(err error) bool {
	_, is := err.(*driverapi.InitError)
	return is
}

func TestLoadModel_OnlyAcceptsTheFixedResidentModel(t *testing.T) {
	d, _ := newDriver(settingsJSON(t, "http://unused", "sdxl"))
	ok, err := d.LoadModel(context.Background(), "sdxl")
	if err != nil || !ok {
		t.Fatalf("expected the resident model to load, got ok=%v err=%v", ok, err)
	}
	if _, err := d.LoadModel(context.Background(), "other"); err == nil {
		t.Fatal("expected an error for a non-resident model")
	}
}

func TestCanLoadModels_IsFalse(t *testing.T) {
	d, _ := newDriver(settingsJSON(t, "http://unused", "sdxl"))
	if d.CanLoadModels() {
		t.Fatal("remote backends must report CanLoadModels() == false")
	}
}

func TestGenerateLive_StreamsProgressThenImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"done": false, "data": []byte("preview")})
		_ = enc.Encode(map[string]any{"done": true, "data": []byte("final")})
	}))
	defer srv.Close()

	d, _ := newDriver(settingsJSON(t, srv.URL, "sdxl"))
	var events []types.GenerationEvent
	err := d.GenerateLive(context.Background(), types.GenerationInput{Model: "sdxl"}, "batch-1", func(e types.GenerationEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("GenerateLive: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Progress == nil || events[0].Image != nil {
		t.Fatalf("expected the first event to be progress, got %+v", events[0])
	}
	if events[1].Image == nil {
		t.Fatalf("expected the second event to be the final image, got %+v", events[1])
	}
	if string(events[1].Image.Data) != "final" {
		t.Fatalf("image data=%q, want final", string(events[1].Image.Data))
	}
}

func TestGenerateLive_UpstreamErrorRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _ := newDriver(settingsJSON(t, srv.URL, "sdxl"))
	err := d.GenerateLive(context.Background(), types.GenerationInput{Model: "sdxl"}, "batch-1", func(types.GenerationEvent) {})
	if !driverapi.IsRedirect(err) {
		t.Fatalf("expected a redirect error, got %v", err)
	}
}
