package transport

import "time"

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// with a fixed attempt ceiling. Zero-valued fields fall back to the defaults
// below so a manager constructed without explicit backoff still behaves.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

const (
	defaultBase        = time.Second
	defaultMax         = 30 * time.Second
	defaultMaxAttempts = 5
)

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBase
	}
	if b.Max <= 0 {
		b.Max = defaultMax
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	return b
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
