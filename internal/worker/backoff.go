package worker

import "time"

// Backoff computes how long a failed task waits before it is due again.
// A zero Base retries immediately.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 30 * time.Minute}
}

// Delay returns Base * 2^failures, capped at Max. failures is the retry
// count before the attempt that just failed.
func (b Backoff) Delay(failures int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = b.Base
	}
	d := b.Base
	for i := 0; i < failures; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
