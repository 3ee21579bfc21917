package helpers

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pick returns a random element of a non-empty slice
func Pick[T any](items []T) T {
	return items[rand.IntN(len(items))]
}

// RandomInt returns a value in [lo, hi]
func RandomInt(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// RandomDuration returns a value in [lo, hi)
func RandomDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// Chance reports true with probability p
func Chance(p float64) bool {
	return rand.Float64() < p
}

// Sleep waits for d or until ctx is done
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
