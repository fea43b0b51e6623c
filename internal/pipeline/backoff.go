package pipeline

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns min(base * 2^attempt, max): the deterministic floor
// of the retry delay before attempt+1.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// withJitter adds uniform random jitter in [0, d/2] so many batches whose
// timers were armed together do not all retry in the same instant.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + rand.N(d/2+1)
}
