package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_ConsumeToExhaustion(t *testing.T) {
	b := NewBucket(3, time.Second, 1)

	for i := 0; i < 3; i++ {
		if !b.TryConsume(1) {
			t.Fatalf("consume %d should succeed", i)
		}
	}
	if b.TryConsume(1) {
		t.Error("consume past capacity should fail")
	}
}

func TestBucket_NeverOverdraws(t *testing.T) {
	b := NewBucket(5, time.Second, 1)

	if b.TryConsume(6) {
		t.Error("consuming more than capacity should fail")
	}
	if got := b.Tokens(); got != 5 {
		t.Errorf("failed consume must not change tokens, got %v", got)
	}
}

func TestBucket_RefillOverTime(t *testing.T) {
	b := NewBucket(10, 100*time.Millisecond, 5)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.Reset()

	if !b.TryConsume(10) {
		t.Fatal("initial capacity consume should succeed")
	}
	if b.TryConsume(1) {
		t.Fatal("bucket should be empty")
	}

	// One interval refills tokensPerInterval.
	fake = fake.Add(100 * time.Millisecond)
	if !b.TryConsume(5) {
		t.Error("refilled tokens should be consumable")
	}
	if b.TryConsume(1) {
		t.Error("no tokens beyond the refilled amount")
	}
}

func TestBucket_RefillClampsToCapacity(t *testing.T) {
	b := NewBucket(4, 10*time.Millisecond, 100)
	fake := time.Now()
	b.now = func() time.Time { return fake }
	b.Reset()

	fake = fake.Add(time.Hour)
	if got := b.Tokens(); got != 4 {
		t.Errorf("tokens should clamp to capacity, got %v", got)
	}
}

func TestBucket_Reset(t *testing.T) {
	b := NewBucket(2, time.Second, 1)
	b.TryConsume(2)
	b.Reset()
	if !b.TryConsume(2) {
		t.Error("reset should restore full capacity")
	}
}
