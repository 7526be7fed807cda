package delivery

import (
	"math"
	"time"
)

// Backoff computes retry delays: min(Cap, Base × 2^attempt), perturbed by
// ±Jitter and never below Floor.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Floor  time.Duration
	Jitter float64
}

// DefaultBackoff starts at one second, caps at thirty, with 10% jitter and a
// 250ms floor.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Floor:  250 * time.Millisecond,
		Jitter: 0.1,
	}
}

// Delay returns the wait before retry number attempt (0-based). r is a
// uniform draw in [0, 1); 0.5 yields the unjittered delay.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	d *= 1 + b.Jitter*(2*r-1)
	if d < float64(b.Floor) {
		d = float64(b.Floor)
	}
	return time.Duration(d)
}
