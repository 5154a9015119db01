package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultBase is the delay before the first retry
	DefaultBase = 1000 * time.Millisecond

	// DefaultCap is the largest delay the calculator returns before jitter
	DefaultCap = 60000 * time.Millisecond

	// DefaultJitter is the fraction of randomization applied to each delay
	DefaultJitter = 0.2
)

// Calculator computes jittered, capped exponential retry delays
type Calculator struct {
	base   time.Duration
	cap    time.Duration
	jitter float64
	rng    *rand.Rand
}

// New creates a calculator with the given base and cap
func New(base, cap time.Duration) *Calculator {
	return NewWithSource(base, cap, DefaultJitter, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates a calculator with an explicit random source.
// A fixed source makes the delay sequence reproducible.
func NewWithSource(base, cap time.Duration, jitter float64, src rand.Source) *Calculator {
	if base <= 0 {
		base = DefaultBase
	}
	if cap < base {
		cap = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = DefaultJitter
	}
	return &Calculator{
		base:   base,
		cap:    cap,
		jitter: jitter,
		rng:    rand.New(src),
	}
}

// Delay returns the delay before retry number attempt (0-based).
// The uncapped delay is base * 2^attempt, clamped to [base, cap], then
// randomized by ±jitter. The result is always positive.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	exp := float64(c.base) * math.Pow(2, float64(attempt))
	if exp > float64(c.cap) {
		exp = float64(c.cap)
	}

	// ±jitter around the clamped delay
	factor := 1 + c.jitter*(2*c.rng.Float64()-1)
	d := time.Duration(exp * factor)

	if d <= 0 {
		d = c.base
	}
	return d
}

// Base returns the configured base delay
func (c *Calculator) Base() time.Duration {
	return c.base
}

// Cap returns the configured maximum delay
func (c *Calculator) Cap() time.Duration {
	return c.cap
}
