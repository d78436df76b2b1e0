package reasoning

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff is an exponential retry policy with deterministic jitter.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// Delay returns the wait before retry number attempt (0-based). The same
// (seed, attempt) pair always yields the same delay.
func (b Backoff) Delay(seed string, attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := b.Base * time.Duration(int64(1)<<shift)
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		delay = b.Max
	}
	return delay + b.jitter(seed, attempt)
}

func (b Backoff) jitter(seed string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(b.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// fits reports whether waiting d still leaves time before deadline.
func fits(d time.Duration, deadline time.Time, ok bool, now time.Time) bool {
	if !ok {
		return true
	}
	return now.Add(d).Before(deadline)
}
