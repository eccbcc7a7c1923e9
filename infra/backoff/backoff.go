// Package backoff computes capped exponential delays with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls the delay between attempts.
//
// Delay(n) = Base * Multiplier^(n-1), capped at Max, then reduced by up to
// Jitter of itself. Jitter only ever shortens a delay so Max is a hard bound.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before attempt n+1, for n >= 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	d := float64(p.Base) * math.Pow(mult, float64(n-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if j := clamp(p.Jitter); j > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d -= d * j * r()
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(n) or until ctx is done.
func (p Policy) Wait(ctx context.Context, n int) error {
	return Sleep(ctx, p.Delay(n))
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clamp(j float64) float64 {
	switch {
	case j < 0:
		return 0
	case j > 1:
		return 1
	default:
		return j
	}
}
