package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Bucket is a token bucket. Tokens refill continuously at refillRate per
// second up to maxTokens. Safe for concurrent use.
type Bucket struct {
	mu         sync.Mutex
	maxTokens  float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a full bucket.
func NewBucket(maxTokens int, refillRate float64) (*Bucket, error) {
	if maxTokens < 1 {
		return nil, fmt.Errorf("maxTokens must be >= 1, got %d", maxTokens)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("refillRate must be positive, got %v", refillRate)
	}
	return &Bucket{
		maxTokens:  float64(maxTokens),
		refillRate: refillRate,
		tokens:     float64(maxTokens),
		lastRefill: time.Now(),
	}, nil
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// Allow consumes one token if available and reports whether it did.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Wait blocks until a token is available or the context is done.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.refill(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		// Time until the next whole token.
		wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Tokens returns the current token count, for diagnostics.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	return b.tokens
}
