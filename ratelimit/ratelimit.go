// Package ratelimit implements the token-bucket limiter consumed by
// I/O-heavy devices. A device asks for budget before completing a
// guest-visible operation; on refusal it defers and reschedules the
// operation rather than dropping it.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is the contract devices consume.
type Limiter interface {
	// TryConsume requests cost units of budget. It returns ok=true when
	// the operation may complete now, or ok=false with the duration after
	// which a retry is expected to succeed.
	TryConsume(cost uint64) (ok bool, retryAfter time.Duration)
}

// unlimited never throttles.
type unlimited struct{}

func (unlimited) TryConsume(uint64) (bool, time.Duration) { return true, 0 }

// Unlimited returns a limiter that always allows.
func Unlimited() Limiter { return unlimited{} }

// TokenBucket refills at a fixed rate up to a burst capacity. It is safe
// for concurrent use; virtio devices may consume from worker threads.
type TokenBucket struct {
	mu       sync.Mutex
	capacity uint64
	tokens   uint64
	perSec   uint64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket returns a bucket holding capacity tokens, refilled at
// perSec tokens per second, starting full.
func NewTokenBucket(capacity, perSec uint64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		tokens:   capacity,
		perSec:   perSec,
		last:     time.Now(),
		now:      time.Now,
	}
}

func (b *TokenBucket) refill() {
	now := b.now()

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}

	added := uint64(elapsed) * b.perSec / uint64(time.Second)
	if added == 0 {
		return
	}

	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	b.last = now
}

// TryConsume implements Limiter.
func (b *TokenBucket) TryConsume(cost uint64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if cost <= b.tokens {
		b.tokens -= cost

		return true, 0
	}

	if b.perSec == 0 {
		// Never refills: report a delay the caller can back off with.
		return false, time.Second
	}

	missing := cost - b.tokens
	wait := time.Duration(missing * uint64(time.Second) / b.perSec)

	if wait < time.Millisecond {
		wait = time.Millisecond
	}

	return false, wait
}
