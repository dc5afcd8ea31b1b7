package supervisor

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff yields jittered, doubling waits between Min and Max.
// The zero value uses 250ms..30s. Not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

func (b *Backoff) bounds() (time.Duration, time.Duration) {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = 250 * time.Millisecond
	}
	if hi <= 0 {
		hi = 30 * time.Second
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Next returns the wait for the current attempt and advances the window.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.bounds()
	if b.cur < lo {
		b.cur = lo
	}
	wait := b.cur
	// 20% jitter.
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	b.cur *= 2
	if b.cur > hi {
		b.cur = hi
	}
	return wait
}

func (b *Backoff) Reset() { b.cur = 0 }

// Sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
