// Package ratelimit implements per-subject token buckets guarding
// admission into the generation pipeline.
package ratelimit

import (
	"sync"
	"time"
)

// Config defines the bucket shape shared by every subject.
type Config struct {
	// MaxTokens is the bucket capacity. Buckets start full.
	MaxTokens float64
	// RefillRate is tokens added per second, capped at MaxTokens.
	RefillRate float64
}

// DefaultConfig matches the admission policy of the generation pipeline:
// small bursts, one sustained message per second.
func DefaultConfig() Config {
	return Config{MaxTokens: 5, RefillRate: 1}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter hands out tokens per subject. Access to a subject's bucket is
// serialized; distinct subjects do not contend beyond the bucket lookup.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a Limiter with the given bucket shape.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucketFor(subjectID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[subjectID]
	if !ok {
		b = &bucket{tokens: l.cfg.MaxTokens, lastRefill: l.now()}
		l.buckets[subjectID] = b
	}
	return b
}

// Consume refills the subject's bucket proportionally to elapsed time,
// then takes n tokens if available. It reports false, without taking
// anything, when fewer than n tokens remain.
func (l *Limiter) Consume(subjectID string, n float64) bool {
	b := l.bucketFor(subjectID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(l.cfg.MaxTokens, b.tokens+elapsed*l.cfg.RefillRate)
	b.lastRefill = now

	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}
