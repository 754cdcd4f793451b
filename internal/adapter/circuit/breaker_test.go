package circuit

import (
	"testing"
	"time"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	return b, &fake
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute, RecoveryTime: 30 * time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("should stay closed below threshold")
	}
	if !b.CanExecute() {
		t.Error("closed breaker must allow execution")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("should open at threshold")
	}
	if b.CanExecute() {
		t.Error("open breaker must block execution")
	}
}

func TestBreaker_SlidingWindowExpiry(t *testing.T) {
	b, fake := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute, RecoveryTime: 30 * time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	b.RecordFailure()

	// Old failures fall out of the window; a third failure alone is not enough.
	*fake = fake.Add(2 * time.Minute)
	b.RecordFailure()
	if b.State() != StateOpen && b.State() != StateClosed {
		t.Fatalf("unexpected state %v", b.State())
	}
	if b.State() != StateClosed {
		t.Error("expired failures should not count toward the threshold")
	}
}

func TestBreaker_RecoveryToHalfOpenAndClose(t *testing.T) {
	b, fake := newTestBreaker(Config{FailureThreshold: 1, Window: time.Minute, RecoveryTime: 10 * time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("should be open")
	}

	*fake = fake.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("should move to half_open after recovery time")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Error("one success below threshold should stay half_open")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Error("success threshold should close the breaker")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, fake := newTestBreaker(Config{FailureThreshold: 1, Window: time.Minute, RecoveryTime: 10 * time.Second, SuccessThreshold: 1})

	b.RecordFailure()
	*fake = fake.Add(11 * time.Second)
	if !b.CanExecute() {
		t.Fatal("should be half_open")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("half_open failure should reopen")
	}
	// Cooldown restarts from the reopen.
	*fake = fake.Add(5 * time.Second)
	if b.CanExecute() {
		t.Error("cooldown should restart after half_open failure")
	}
	*fake = fake.Add(6 * time.Second)
	if !b.CanExecute() {
		t.Error("recovery should elapse after the restarted cooldown")
	}
}

func TestBreaker_SnapshotIncludesRecovery(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Window: time.Minute, RecoveryTime: 10 * time.Second, SuccessThreshold: 1})

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed snapshot, got %s", snap.State)
	}

	b.RecordFailure()
	snap = b.Snapshot()
	if snap.State != "open" {
		t.Errorf("expected open snapshot, got %s", snap.State)
	}
	if snap.RecoveryRemaining <= 0 {
		t.Error("open snapshot should carry remaining recovery time")
	}
}
