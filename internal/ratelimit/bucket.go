package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	attempts atomic.Int64
	lastSeen atomic.Int64 // unix nanos
}

// TokenBucketLimiter refills MaxAttempts tokens per Lockout period for each key. Unlike
// LockoutLimiter, rejected calls do not extend the wait.
type TokenBucketLimiter struct {
	buckets sync.Map // key -> *bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

var _ Limiter = (*TokenBucketLimiter)(nil)

func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	cfg = cfg.withDefaults()
	return &TokenBucketLimiter{
		limit: rate.Limit(float64(cfg.MaxAttempts) / cfg.Lockout.Seconds()),
		burst: cfg.MaxAttempts,
		idle:  cfg.Lockout,
		now:   cfg.Now,
	}
}

func (l *TokenBucketLimiter) bucket(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	v, _ := l.buckets.LoadOrStore(key, &bucket{limiter: rate.NewLimiter(l.limit, l.burst)})
	return v.(*bucket)
}

func (l *TokenBucketLimiter) take(key string) bool {
	now := l.now()
	b := l.bucket(key)
	b.attempts.Add(1)
	b.lastSeen.Store(now.UnixNano())
	return b.limiter.AllowN(now, 1)
}

func (l *TokenBucketLimiter) IsAllowed(key string) bool {
	return l.take(key)
}

func (l *TokenBucketLimiter) RecordFailedAttempt(key string) {
	l.take(key)
}

func (l *TokenBucketLimiter) ClearAttempts(key string) {
	l.buckets.Delete(key)
}

func (l *TokenBucketLimiter) ClearAll() {
	l.buckets.Clear()
}

func (l *TokenBucketLimiter) AttemptCount(key string) int64 {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0
	}
	return v.(*bucket).attempts.Load()
}

// RemainingLockoutMinutes is the wait until one token is available, rounded up.
func (l *TokenBucketLimiter) RemainingLockoutMinutes(key string) int64 {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0
	}
	lim := v.(*bucket).limiter
	now := l.now()
	if lim.TokensAt(now) >= 1 {
		return 0
	}
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return int64(math.Ceil(delay.Minutes()))
}

// Prune removes buckets idle long enough to have refilled completely.
func (l *TokenBucketLimiter) Prune(now time.Time) int {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		last := time.Unix(0, v.(*bucket).lastSeen.Load())
		if now.Sub(last) >= l.idle && l.buckets.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}
