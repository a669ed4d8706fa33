package pipeline

import (
	"math/rand"
	"time"
)

// backoffDelay returns the delay before retry number attempt (1-based):
// exponential doubling from base, capped, with 0.5-1.5x jitter so a burst of
// failing items does not retry in lockstep.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
