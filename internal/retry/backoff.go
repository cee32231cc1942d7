package retry

import (
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Ceiling returns the un-jittered delay before retry number attempt (0-based).
func (p Policy) Ceiling(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := float64(p.Base)
	for range attempt {
		delay *= multiplier
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	return time.Duration(delay)
}

// FullJitter returns a delay drawn uniformly from [0, Ceiling(attempt)].
func (p Policy) FullJitter(attempt int) time.Duration {
	return FullJitter(p.Ceiling(attempt))
}

// FullJitter returns a uniformly random duration in [0, ceiling].
func FullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
