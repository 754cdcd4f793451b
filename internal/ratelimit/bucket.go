// Package ratelimit provides the per-consumer token bucket applied to
// inbound WebSocket frames.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket. Refill happens lazily on TryConsume based on
// elapsed wall time, so an idle bucket costs nothing.
type Bucket struct {
	mu                sync.Mutex
	capacity          float64
	refillInterval    time.Duration
	tokensPerInterval float64

	tokens     float64
	lastRefill time.Time

	now func() time.Time // test hook
}

func NewBucket(capacity float64, refillInterval time.Duration, tokensPerInterval float64) *Bucket {
	b := &Bucket{
		capacity:          capacity,
		refillInterval:    refillInterval,
		tokensPerInterval: tokensPerInterval,
		tokens:            capacity,
		now:               time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// TryConsume refills the bucket for elapsed time, then atomically subtracts
// n tokens if available. Returns false without consuming otherwise.
func (b *Bucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Reset restores the bucket to capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.now()
}

// Tokens reports the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := float64(elapsed) / float64(b.refillInterval) * b.tokensPerInterval
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
