package registry

import "testing"

func TestCreateGetDelete(t *testing.T) {
	r := New()

	rec := r.Create("s1")
	if rec.State != "connected" {
		t.Errorf("new record state = %q, want connected", rec.State)
	}

	got, ok := r.Get("s1")
	if !ok || got != rec {
		t.Fatalf("Get should return the created record")
	}

	r.Delete("s1")
	if _, ok := r.Get("s1"); ok {
		t.Fatalf("record should be gone after Delete")
	}
}

func TestSetStateAndIncrementTurnCount(t *testing.T) {
	r := New()
	r.Create("s1")

	r.SetState("s1", "speaking")
	r.IncrementTurnCount("s1")
	r.IncrementTurnCount("s1")

	rec, _ := r.Get("s1")
	if rec.State != "speaking" {
		t.Errorf("state = %q, want speaking", rec.State)
	}
	if rec.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", rec.TurnCount)
	}
}

func TestUnknownSessionOpsAreNoops(t *testing.T) {
	r := New()
	r.SetState("missing", "x")
	r.IncrementTurnCount("missing")
	if r.Len() != 0 {
		t.Errorf("registry should remain empty for unknown session ops")
	}
}

func TestLenTracksActiveSessions(t *testing.T) {
	r := New()
	r.Create("a")
	r.Create("b")
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	r.Delete("a")
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
