package circuitbreaker

import (
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	b := New(Config{})

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
}

func TestClosedToOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Second})

	// First 2 failures: still closed
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("expected closed after 2 failures, got %s", b.State())
	}

	// 3rd failure: transitions to open
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected open after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected open breaker to reject")
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	b := New(Config{FailureThreshold: 2, ResetTimeout: time.Second})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestOpenToHalfOpenProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond})

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected rejection while open")
	}

	time.Sleep(60 * time.Millisecond)

	// First attempt after the reset interval is the probe.
	if !b.Allow() {
		t.Fatal("expected probe allowed after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half_open, got %s", b.State())
	}
}

func TestHalfOpenCollapsesOnSuccess(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("expected closed after probe success, got %s", b.State())
	}
}

func TestHalfOpenCollapsesOnFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.Allow()

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected open after probe failure, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected rejection after re-open")
	}
}

func TestRegistryCreatesPerProvider(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second})

	r.Get("anthropic").RecordFailure()

	if r.Get("anthropic").State() != StateOpen {
		t.Error("expected anthropic open")
	}
	if r.Get("openai").State() != StateClosed {
		t.Error("expected openai unaffected")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Errorf("expected 2 breakers, got %d", len(snaps))
	}
}
