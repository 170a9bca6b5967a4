package session

import "testing"

func TestManager_ClaimCreatesSessionOnDemand(t *testing.T) {
	m := NewManager()
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected no session before first claim")
	}
	c := m.Claim("s1", 1, 0, 0, 0)
	defer c.Dispose()

	s, ok := m.Get("s1")
	if !ok {
		t.Fatal("expected session to exist after claim")
	}
	if got := s.Snapshot().Waiting; got != 1 {
		t.Fatalf("waiting=%d, want 1", got)
	}
}

func TestClaim_ExtendAndComplete(t *testing.T) {
	m := NewManager()
	c := m.Claim("s1", 1, 0, 0, 0)
	c.Extend(0, 1, 0, 0)

	s, _ := m.Get("s1")
	snap := s.Snapshot()
	if snap.Waiting != 1 || snap.LoadingModels != 1 {
		t.Fatalf("unexpected counters after extend: %+v", snap)
	}

	c.Complete(1, 0, 0, 0)
	snap = s.Snapshot()
	if snap.Waiting != 0 || snap.LoadingModels != 1 {
		t.Fatalf("unexpected counters after partial complete: %+v", snap)
	}

	c.Dispose()
	snap = s.Snapshot()
	if snap.Waiting != 0 || snap.LoadingModels != 0 || snap.WaitingBackends != 0 || snap.Live != 0 {
		t.Fatalf("expected zeroed counters after dispose, got %+v", snap)
	}
}

func TestClaim_DisposeIsIdempotent(t *testing.T) {
	m := NewManager()
	c := m.Claim("s1", 0, 0, 0, 1)
	c.Dispose()
	c.Dispose() // must not double-subtract

	s, _ := m.Get("s1")
	if got := s.Snapshot().Live; got != 0 {
		t.Fatalf("live=%d, want 0", got)
	}
}

func TestClaim_ExtendAfterDisposeIsNoop(t *testing.T) {
	m := NewManager()
	c := m.Claim("s1", 1, 0, 0, 0)
	c.Dispose()
	c.Extend(5, 5, 5, 5)

	s, _ := m.Get("s1")
	snap := s.Snapshot()
	if snap.Waiting != 0 || snap.LoadingModels != 0 || snap.WaitingBackends != 0 || snap.Live != 0 {
		t.Fatalf("expected extend after dispose to be a no-op, got %+v", snap)
	}
}

func TestSession_InterruptCancelsAndReplacesContext(t *testing.T) {
	m := NewManager()
	m.Claim("s1", 0, 0, 0, 0)
	s, _ := m.Get("s1")

	oldCtx := s.Ctx()
	s.Interrupt()

	select {
	case <-oldCtx.Done():
	default:
		t.Fatal("expected old context to be canceled after Interrupt")
	}

	newCtx := s.Ctx()
	select {
	case <-newCtx.Done():
		t.Fatal("expected new context to still be live")
	default:
	}
}

func TestManager_RemoveInterruptsAndDrops(t *testing.T) {
	m := NewManager()
	m.Claim("s1", 0, 0, 0, 0)
	s, _ := m.Get("s1")
	ctx := s.Ctx()

	m.Remove("s1")

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected session's context to be canceled on Remove")
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected session to be gone after Remove")
	}
}

func TestManager_InterruptCancelsWithoutDroppingTheSession(t *testing.T) {
	m := NewManager()
	m.Claim("s1", 1, 0, 0, 0)
	s, _ := m.Get("s1")
	oldCtx := s.Ctx()

	if !m.Interrupt("s1") {
		t.Fatal("expected Interrupt to find s1")
	}
	select {
	case <-oldCtx.Done():
	default:
		t.Fatal("expected s1's outstanding context to be canceled")
	}
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("expected s1 to still exist after Interrupt (unlike Remove)")
	}
	if snap := s.Snapshot(); snap.Waiting != 1 {
		t.Fatalf("expected Interrupt to leave counters untouched, got %+v", snap)
	}

	if m.Interrupt("no-such-session") {
		t.Fatal("expected Interrupt to report false for an unknown session")
	}
}

func TestManager_CtxCreatesSessionOnDemand(t *testing.T) {
	m := NewManager()
	ctx := m.Ctx("s2")
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	if _, ok := m.Get("s2"); !ok {
		t.Fatal("expected Ctx to create the session if it didn't exist")
	}
}

func TestManager_StatusSnapshotCoversEverySession(t *testing.T) {
	m := NewManager()
	m.Claim("s1", 1, 0, 0, 0)
	m.Claim("s2", 0, 0, 0, 2)

	snap := m.StatusSnapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(snap))
	}
	if snap["s1"].Waiting != 1 {
		t.Fatalf("s1 waiting=%d, want 1", snap["s1"].Waiting)
	}
	if snap["s2"].Live != 2 {
		t.Fatalf("s2 live=%d, want 2", snap["s2"].Live)
	}
}
