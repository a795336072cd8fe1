// Package ratelimit provides per-key request admission control. Keys are usually client
// IPs. State is in-process only.
package ratelimit

import (
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 60
	DefaultLockout     = 15 * time.Minute
)

// Limiter decides whether a key may proceed and tracks failed attempts against it.
type Limiter interface {
	// IsAllowed records an attempt for key and reports whether it is within the limit.
	IsAllowed(key string) bool
	// RecordFailedAttempt counts an attempt without making a decision.
	RecordFailedAttempt(key string)
	// ClearAttempts forgets key, typically after a successful authentication.
	ClearAttempts(key string)
	// RemainingLockoutMinutes is 0 while key is under the threshold.
	RemainingLockoutMinutes(key string) int64
	AttemptCount(key string) int64
	ClearAll()
	// Prune drops state that no longer influences any decision and returns how many
	// keys were removed.
	Prune(now time.Time) int
}

// Config sizes a Limiter. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int
	Lockout     time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Lockout <= 0 {
		c.Lockout = DefaultLockout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// New returns the limiter for strategy: "lockout" (default) or "token_bucket".
func New(strategy string, cfg Config) (Limiter, error) {
	switch strategy {
	case "", "lockout":
		return NewLockoutLimiter(cfg), nil
	case "token_bucket":
		return NewTokenBucketLimiter(cfg), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}
