package outbox

import "time"

// RetryDelay computes the exponential backoff delay for a given attempt
// number: min(base * 2^(attempt-1), max). Attempt 1 yields exactly base.
// Pure and deterministic so retry timing is reproducible.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
