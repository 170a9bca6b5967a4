package initqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genpool/internal/driverapi"
)

type fakeBackend struct {
	id       int64
	enabled  bool
	initFunc func(attempt int) error

	mu       sync.Mutex
	attempts int
	status   string
	lastErr  error
}

func (b *fakeBackend) ID() int64      { return b.id }
func (b *fakeBackend) Enabled() bool  { return b.enabled }
func (b *fakeBackend) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
func (b *fakeBackend) BumpAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.attempts
}
func (b *fakeBackend) MarkDisabled() { b.setStatus("DISABLED") }
func (b *fakeBackend) MarkLoading()  { b.setStatus("LOADING") }
func (b *fakeBackend) MarkWaiting()  { b.setStatus("WAITING") }
func (b *fakeBackend) MarkErrored(err error) {
	b.mu.Lock()
	b.status = "ERRORED"
	b.lastErr = err
	b.mu.Unlock()
}
func (b *fakeBackend) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}
func (b *fakeBackend) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}
func (b *fakeBackend) LastErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}
func (b *fakeBackend) RunInit(ctx context.Context) error {
	attempt := b.Attempts()
	if b.initFunc == nil {
		return nil
	}
	return b.initFunc(attempt)
}

func TestWorker_DisabledBackendNeverInits(t *testing.T) {
	w := NewWorker(zerolog.Nop(), 3, nil)
	ran := false
	b := &fakeBackend{id: 1, enabled: false, initFunc: func(int) error { ran = true; return nil }}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	w.Enqueue(b)

	waitForStatus(t, b, "DISABLED")
	cancel()
	if ran {
		t.Fatal("expected RunInit never to be called for a disabled backend")
	}
}

func TestWorker_SuccessInvokesOnSuccessCallback(t *testing.T) {
	var called atomic.Bool
	w := NewWorker(zerolog.Nop(), 3, func(b Backend) { called.Store(true) })
	b := &fakeBackend{id: 1, enabled: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Enqueue(b)

	deadline := time.Now().Add(2 * time.Second)
	for !called.Load() {
		if time.Now().After(deadline) {
			t.Fatal("onSuccess was never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker_TransientFailureRetriesThenSucceeds(t *testing.T) {
	w := NewWorker(zerolog.Nop(), 5, nil)
	b := &fakeBackend{id: 1, enabled: true, initFunc: func(attempt int) error {
		if attempt < 3 {
			return driverapi.NewTransient(errors.New("not ready yet"))
		}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Enqueue(b)

	waitForAttempts(t, b, 3)
	if b.Status() == "ERRORED" {
		t.Fatalf("expected the backend to recover, got errored: %v", b.LastErr())
	}
}

func TestWorker_RefusedFailureIsTerminalOnFirstAttempt(t *testing.T) {
	w := NewWorker(zerolog.Nop(), 5, nil)
	b := &fakeBackend{id: 1, enabled: true, initFunc: func(attempt int) error {
		return driverapi.NewRefused(errors.New("bad settings"))
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Enqueue(b)

	waitForStatus(t, b, "ERRORED")
	if b.Attempts() != 1 {
		t.Fatalf("expected exactly one attempt for a refused init, got %d", b.Attempts())
	}
}

func TestWorker_TransientFailureExhaustsMaxAttempts(t *testing.T) {
	w := NewWorker(zerolog.Nop(), 2, nil)
	b := &fakeBackend{id: 1, enabled: true, initFunc: func(attempt int) error {
		return driverapi.NewTransient(errors.New("connection refused"))
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Enqueue(b)

	waitForStatus(t, b, "ERRORED")
	if b.Attempts() != 2 {
		t.Fatalf("expected exactly maxAttempts=2 attempts, got %d", b.Attempts())
	}
	if b.LastErr() == nil {
		t.Fatal("expected a recorded error")
	}
}

func TestRootCause_AddsHintForConnectionRefused(t *testing.T) {
	err := rootCause(errors.New("dial tcp: connection refused"))
	if !containsHint(err.Error()) {
		t.Fatalf("expected a hint appended, got %q", err.Error())
	}
}

func containsHint(s string) bool {
	return len(s) > len("connection refused") && s[len(s)-1] == ')'
}

func waitForStatus(t *testing.T, b *fakeBackend, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if b.Status() == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never reached %q, last was %q", want, b.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForAttempts(t *testing.T, b *fakeBackend, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if b.Attempts() >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempts never reached %d, last was %d", want, b.Attempts())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
