package util

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a token-bucket rate limiter over rate.Limiter. A caller
// that has to wait reserves its tokens first and sleeps without holding any
// lock, so later callers queue behind the reservation and TryAcquire never
// blocks.
type TokenBucket struct {
	capacity int
	limiter  *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a full bucket holding capacity tokens and refilling
// at refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(refillRate), capacity),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Acquire takes n tokens, blocking until they are available or ctx is done.
// It returns how long the caller waited. A cancelled wait gives its
// reservation back.
func (b *TokenBucket) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n > b.capacity {
		return 0, fmt.Errorf("acquire %d tokens: exceeds bucket capacity %d", n, b.capacity)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := b.now()
	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		return 0, fmt.Errorf("acquire %d tokens: exceeds bucket capacity %d", n, b.capacity)
	}
	wait := r.DelayFrom(now)
	if wait <= 0 {
		return 0, nil
	}
	if err := b.sleep(ctx, wait); err != nil {
		r.CancelAt(b.now())
		return 0, err
	}
	return wait, nil
}

// TryAcquire takes n tokens only if they are available right now.
func (b *TokenBucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(b.now(), n)
}

// Available returns the tokens a new caller could take right now. Tokens
// already reserved by waiters are not available, and the count never goes
// below zero.
func (b *TokenBucket) Available() float64 {
	return max(b.limiter.TokensAt(b.now()), 0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestType selects the bucket a call is charged against.
type RequestType string

const (
	RequestRead  RequestType = "read"
	RequestWrite RequestType = "write"
)

// RateLimiter bounds the call rate to the trading API with independent read
// and write buckets, so exhausting one never starves the other.
type RateLimiter struct {
	read  *TokenBucket
	write *TokenBucket
}

// NewRateLimiter creates a RateLimiter allowing readPerSec reads and
// writePerSec writes per second, with bursts up to the same amounts.
func NewRateLimiter(readPerSec, writePerSec int) *RateLimiter {
	return &RateLimiter{
		read:  NewTokenBucket(readPerSec, float64(readPerSec)),
		write: NewTokenBucket(writePerSec, float64(writePerSec)),
	}
}

// Acquire takes one slot of the given type.
func (rl *RateLimiter) Acquire(ctx context.Context, kind RequestType) (time.Duration, error) {
	if kind == RequestWrite {
		return rl.AcquireWrite(ctx)
	}
	return rl.AcquireRead(ctx)
}

// AcquireRead takes one read slot.
func (rl *RateLimiter) AcquireRead(ctx context.Context) (time.Duration, error) {
	return rl.read.Acquire(ctx, 1)
}

// AcquireWrite takes one write slot.
func (rl *RateLimiter) AcquireWrite(ctx context.Context) (time.Duration, error) {
	return rl.write.Acquire(ctx, 1)
}

// ReadAvailable returns the read tokens currently available.
func (rl *RateLimiter) ReadAvailable() float64 { return rl.read.Available() }

// WriteAvailable returns the write tokens currently available.
func (rl *RateLimiter) WriteAvailable() float64 { return rl.write.Available() }
