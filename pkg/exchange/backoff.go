package exchange

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Inject a deterministic source for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Backoff computes retransmission intervals.
//
// The interval for a message that has already been sent n times is
//
//	base * MRP_BACKOFF_MARGIN * MRP_BACKOFF_BASE^max(0, n-MRP_BACKOFF_THRESHOLD)
//	     * (1.0 + random(0,1) * MRP_BACKOFF_JITTER)
//
// where base is the peer's retry-interval baseline. The first
// MRPBackoffThreshold retries back off roughly linearly for quick recovery
// from transient drops; later retries grow exponentially. Jitter spreads
// retransmissions from independent peers apart.
type Backoff struct {
	random RandomSource
}

// NewBackoff creates a backoff calculator.
// If random is nil, DefaultRandomSource is used.
func NewBackoff(random RandomSource) *Backoff {
	if random == nil {
		random = DefaultRandomSource
	}
	return &Backoff{random: random}
}

// Interval returns the time to wait before the next retransmission of a
// message that has been sent priorAttempts times already (0 for the initial
// transmission).
func (b *Backoff) Interval(base time.Duration, priorAttempts int) time.Duration {
	return interval(base, priorAttempts, b.random.Float64())
}

// MinInterval returns the interval with zero jitter.
func (b *Backoff) MinInterval(base time.Duration, priorAttempts int) time.Duration {
	return interval(base, priorAttempts, 0)
}

// MaxInterval returns the interval with full jitter.
func (b *Backoff) MaxInterval(base time.Duration, priorAttempts int) time.Duration {
	return interval(base, priorAttempts, 1)
}

func interval(base time.Duration, priorAttempts int, random float64) time.Duration {
	exponent := priorAttempts - MRPBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}

	scaled := float64(base) * MRPBackoffMargin * math.Pow(MRPBackoffBase, float64(exponent))

	return time.Duration(scaled * (1.0 + random*MRPBackoffJitter))
}
