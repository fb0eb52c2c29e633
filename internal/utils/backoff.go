package utils

import "time"

// Backoff returns the exponential delay for the given zero-based attempt,
// doubling from base and capped at max. Deterministic so retry schedules are
// reproducible in tests and decision logs.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// SleepContext waits for the duration unless the context is cancelled first.
// Reports false when the wait was interrupted.
func SleepContext(ctx interface{ Done() <-chan struct{} }, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
