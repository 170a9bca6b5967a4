package llamacpp

import (
	"context"
	"encoding/json"
	"testing"

	"genpool/pkg/types"
)

func TestNewDriver_AppliesDefaultsAndValidates(t *testing.T) {
	d, err := newDriver(nil)
	if err != nil {
		t.Fatalf("newDriver(nil): %v", err)
	}
	drv := d.(*Driver)
	if drv.settings.CtxSize != 4096 || drv.settings.Threads != 4 {
		t.Fatalf("unexpected defaults: %+v", drv.settings)
	}

	if _, err := newDriver(json.RawMessage(`{"ctx_size":0,"threads":4}`)); err == nil {
		t.Fatal("expected an error for a non-positive ctx_size")
	}
	if _, err := newDriver(json.RawMessage(`{"ctx_size":4096,"threads":0}`)); err == nil {
		t.Fatal("expected an error for a non-positive threads")
	}
}

func TestInit_ReportsRunningWithEmptyCatalog(t *testing.T) {
	d, _ := newDriver(nil)
	res, err := d.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(res.Catalog) != 0 {
		t.Fatalf("expected an empty catalog before any LoadModel, got %+v", res.Catalog)
	}
}

func TestCanLoadModels_IsTrue(t *testing.T) {
	d, _ := newDriver(nil)
	if !d.CanLoadModels() {
		t.Fatal("expected llamacpp driver to report CanLoadModels() == true")
	}
}

func TestGenerateLive_FailsWithoutALoadedModel(t *testing.T) {
	d, _ := newDriver(nil)
	err := d.GenerateLive(context.Background(), types.GenerationInput{}, "batch-1", func(types.GenerationEvent) {})
	if err == nil {
		t.Fatal("expected an error when no model is resident")
	}
}

func TestLoadModel_WithoutTheLlamaBuildTagReportsUnbuilt(t *testing.T) {
	d, _ := newDriver(nil)
	_, err := d.LoadModel(context.Background(), "/models/does-not-matter.gguf")
	if err == nil {
		t.Fatal("expected an error: the default build carries the no-cgo stub")
	}
}

func TestPromptFromGraph_AcceptsStringOrFallsBackToFormat(t *testing.T) {
	if got := promptFromGraph("a cat"); got != "a cat" {
		t.Fatalf("got %q, want %q", got, "a cat")
	}
	if got := promptFromGraph(map[string]int{"steps": 1}); got == "" {
		t.Fatal("expected a non-empty fallback for a non-string graph")
	}
}
