package transfer

import "time"

// nextDelay computes the exponential backoff delay before retry attempt
// (0-based): base doubled per attempt, capped at max.
func nextDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
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
