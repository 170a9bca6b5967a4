package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"genpool/internal/orchestrator"
	"genpool/pkg/types"
)

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	svc := &mockService{ready: true}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestGenerateLogsWithZerologInfo(t *testing.T) {
	SetLogger(zerolog.Nop())
	defer SetLogger(zerolog.Logger{})

	svc := &mockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/generate?log=info", bytes.NewBufferString(`{"model":"sdxl"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", rec.Code)
	}
}

func TestGenerateStreamsWithDebugLogging(t *testing.T) {
	svc := &mockService{events: []types.GenerationEvent{
		{Progress: &types.ProgressEvent{BatchID: "b1", Step: 1}},
	}}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/generate?log=debug", bytes.NewBufferString(`{"model":"sdxl"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with debug logging, got %d", rec.Code)
	}
}

func TestGenerateGenericErrorMaps500(t *testing.T) {
	svc := &mockService{generateErr: errors.New("boom")}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"model":"sdxl"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestErrorToStatus_OrchestratorShutdown(t *testing.T) {
	// The orchestrator package's own error is unexported; exercise the
	// mapping indirectly through a real GetNextBackend call against a
	// shut-down orchestrator instead of constructing the type directly.
	o := orchestrator.New(zerolog.Nop(), orchestrator.Config{})
	o.Shutdown(context.Background())
	_, err := o.GetNextBackend(orchestrator.GetNextBackendOpts{})
	if err == nil {
		t.Fatal("expected error from shut-down orchestrator")
	}
	if !orchestrator.IsShuttingDown(err) {
		t.Fatalf("expected shutting-down error, got %v", err)
	}
	if got := errorToStatus(err); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
}
