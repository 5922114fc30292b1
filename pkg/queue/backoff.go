package queue

import (
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// Backoff computes the retry delay after the given number of concluded
// attempts (attempt >= 1). The result is capped at max when max is positive.
func Backoff(policy types.BackoffPolicy, base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch policy {
	case types.BackoffLinear:
		delay = base * time.Duration(attempt)
	case types.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
	default: // fixed
		delay = base
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
