package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

type attemptRecord struct {
	count       atomic.Int64
	lastAttempt atomic.Int64 // unix nanos
}

func newAttemptRecord(now time.Time) *attemptRecord {
	r := &attemptRecord{}
	r.lastAttempt.Store(now.UnixNano())
	return r
}

func (r *attemptRecord) increment(now time.Time) int64 {
	r.lastAttempt.Store(now.UnixNano())
	return r.count.Add(1)
}

func (r *attemptRecord) sinceLast(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, r.lastAttempt.Load()))
}

// LockoutLimiter counts attempts per key and only resets a key once it has been idle for
// a full lockout period. Every call, including rejected ones, refreshes the idle timer,
// so a client that keeps calling stays locked out.
type LockoutLimiter struct {
	records     sync.Map // key -> *attemptRecord
	maxAttempts int64
	lockout     time.Duration
	now         func() time.Time
}

var _ Limiter = (*LockoutLimiter)(nil)

func NewLockoutLimiter(cfg Config) *LockoutLimiter {
	cfg = cfg.withDefaults()
	return &LockoutLimiter{
		maxAttempts: int64(cfg.MaxAttempts),
		lockout:     cfg.Lockout,
		now:         cfg.Now,
	}
}

func (l *LockoutLimiter) record(key string, now time.Time) *attemptRecord {
	if v, ok := l.records.Load(key); ok {
		return v.(*attemptRecord)
	}
	v, _ := l.records.LoadOrStore(key, newAttemptRecord(now))
	return v.(*attemptRecord)
}

func (l *LockoutLimiter) IsAllowed(key string) bool {
	now := l.now()
	rec := l.record(key, now)

	if rec.sinceLast(now) >= l.lockout {
		fresh := newAttemptRecord(now)
		if l.records.CompareAndSwap(key, rec, fresh) {
			rec = fresh
		} else {
			// another caller reset or removed it first
			rec = l.record(key, now)
		}
	}

	return rec.increment(now) <= l.maxAttempts
}

func (l *LockoutLimiter) RecordFailedAttempt(key string) {
	now := l.now()
	l.record(key, now).increment(now)
}

func (l *LockoutLimiter) ClearAttempts(key string) {
	l.records.Delete(key)
}

func (l *LockoutLimiter) ClearAll() {
	l.records.Clear()
}

func (l *LockoutLimiter) AttemptCount(key string) int64 {
	v, ok := l.records.Load(key)
	if !ok {
		return 0
	}
	return v.(*attemptRecord).count.Load()
}

func (l *LockoutLimiter) RemainingLockoutMinutes(key string) int64 {
	v, ok := l.records.Load(key)
	if !ok {
		return 0
	}
	rec := v.(*attemptRecord)
	if rec.count.Load() < l.maxAttempts {
		return 0
	}
	elapsed := int64(rec.sinceLast(l.now()) / time.Minute)
	return max(0, int64(l.lockout/time.Minute)-elapsed)
}

// Prune removes keys idle for at least the lockout period. Their next call would reset
// them anyway.
func (l *LockoutLimiter) Prune(now time.Time) int {
	removed := 0
	l.records.Range(func(k, v any) bool {
		if v.(*attemptRecord).sinceLast(now) >= l.lockout && l.records.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}
