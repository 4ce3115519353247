package fabric

import (
	"runtime"
	"time"
)

// Defaults used by Wait and by pollers that do not configure their own
// backoff.
const (
	DefaultSpins    = 64
	DefaultMinSleep = time.Microsecond
	DefaultMaxSleep = 500 * time.Microsecond
)

// Backoff paces a polling loop: it yields the processor for a few rounds,
// then sleeps for exponentially growing intervals capped at MaxSleep.
// A Backoff is not safe for concurrent use.
type Backoff struct {
	Spins    int
	MinSleep time.Duration
	MaxSleep time.Duration

	spun  int
	sleep time.Duration
}

// NewBackoff creates a Backoff.
func NewBackoff(spins int, minSleep, maxSleep time.Duration) *Backoff {
	if minSleep <= 0 {
		minSleep = DefaultMinSleep
	}

	if maxSleep < minSleep {
		maxSleep = minSleep
	}

	return &Backoff{
		Spins:    spins,
		MinSleep: minSleep,
		MaxSleep: maxSleep,
	}
}

// Wait pauses the caller for the next interval.
func (b *Backoff) Wait() {
	if b.spun < b.Spins {
		b.spun++
		runtime.Gosched()

		return
	}

	switch {
	case b.sleep == 0:
		b.sleep = b.MinSleep
	case b.sleep < b.MaxSleep:
		b.sleep *= 2
		if b.sleep > b.MaxSleep {
			b.sleep = b.MaxSleep
		}
	}

	time.Sleep(b.sleep)
}

// Reset returns to the spinning phase. Call it whenever progress was made.
func (b *Backoff) Reset() {
	b.spun = 0
	b.sleep = 0
}

// Sleeping reports whether the backoff has moved past spinning.
func (b *Backoff) Sleeping() bool {
	return b.sleep > 0
}

// Interval returns the current sleep interval, zero while spinning.
func (b *Backoff) Interval() time.Duration {
	return b.sleep
}
