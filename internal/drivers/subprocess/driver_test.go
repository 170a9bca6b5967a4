package subprocess

import (
	"context"
	"encoding/json"
	"testing"

	"genpool/pkg/types"
)

func TestNewDriver_RequiresBinary(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	if _, err := newDriver(json.RawMessage(`{"host":"127.0.0.1"}`), pm); err == nil {
		t.Fatal("expected an error for a missing binary path")
	}
}

func TestNewDriver_AppliesDefaults(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, err := newDriver(json.RawMessage(`{"binary":"/usr/bin/llama-server"}`), pm)
	if err != nil {
		t.Fatalf("newDriver: %v", err)
	}
	drv := d.(*Driver)
	if drv.settings.Host != "127.0.0.1" || drv.settings.CtxSize != 4096 || drv.settings.Threads != 4 {
		t.Fatalf("unexpected defaults: %+v", drv.settings)
	}
}

func TestInit_ReportsRunningWithEmptyCatalog(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, _ := newDriver(json.RawMessage(`{"binary":"/usr/bin/llama-server"}`), pm)
	res, err := d.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(res.Catalog) != 0 {
		t.Fatalf("expected an empty catalog before the worker is spawned, got %+v", res.Catalog)
	}
}

func TestCanLoadModels_IsTrue(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, _ := newDriver(json.RawMessage(`{"binary":"/usr/bin/llama-server"}`), pm)
	if !d.CanLoadModels() {
		t.Fatal("expected subprocess driver to report CanLoadModels() == true")
	}
}

func TestGenerateLive_FailsWithoutARunningWorker(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, _ := newDriver(json.RawMessage(`{"binary":"/usr/bin/llama-server"}`), pm)
	err := d.GenerateLive(context.Background(), types.GenerationInput{}, "batch-1", func(types.GenerationEvent) {})
	if err == nil {
		t.Fatal("expected an error when no worker has been spawned yet")
	}
}

func TestLoadModel_MissingBinaryFailsWithoutLeakingThePort(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, _ := newDriver(json.RawMessage(`{"binary":"/definitely/not/a/real/binary"}`), pm)
	drv := d.(*Driver)

	ok, err := drv.LoadModel(context.Background(), "/models/whatever.gguf")
	if ok || err == nil {
		t.Fatalf("expected LoadModel to fail for a nonexistent binary, got ok=%v err=%v", ok, err)
	}

	// The reserved port must have been released on the start failure, so a
	// fresh reservation should not immediately collide with tracked state.
	if len(pm.reserved) != 0 {
		t.Fatalf("expected no ports to remain reserved after a failed spawn, got %v", pm.reserved)
	}
}

func TestShutdownNow_IsIdempotentWithoutAnyProcess(t *testing.T) {
	pm := NewPortManager("127.0.0.1")
	d, _ := newDriver(json.RawMessage(`{"binary":"/usr/bin/llama-server"}`), pm)
	d.ShutdownNow(context.Background())
	d.ShutdownNow(context.Background())
}
