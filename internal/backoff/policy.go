// Package backoff computes exponential reconnect delays with optional jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule.
//
// The delay for a given failure count n (starting at 1) is
// min(Max, Base*Factor^(n-1) + jitter), where jitter is a random fraction
// of the un-jittered delay.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps every computed delay, jitter included.
	Max time.Duration
	// Factor is the growth multiplier applied per failure. Values below 1 are treated as 1.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// ReconnectPolicy is the stream reconnect schedule: 1s, 2s, 4s ... capped at 30s.
func ReconnectPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}
}

// Delay returns the delay after the given number of consecutive failures.
func (p Policy) Delay(failures int) time.Duration {
	if p.Jitter <= 0 {
		return p.DelayWithRand(failures, 0)
	}
	return p.DelayWithRand(failures, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0.0, 1.0).
func (p Policy) DelayWithRand(failures int, randomValue float64) time.Duration {
	exp := math.Max(float64(failures-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(p.Base) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	if total < 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return p.Max
	}
	return time.Duration(total).Round(time.Millisecond)
}
