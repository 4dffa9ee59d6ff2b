// Package retry runs an operation under jittered exponential backoff until
// it succeeds, fails permanently or runs out of attempts.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits order placement: three quick attempts that finish well
// inside one reconcile interval.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Do invokes fn, retrying while isTransient accepts the returned error.
// Permanent errors and the final attempt's error are returned as-is; a
// cancelled context interrupts the backoff sleep.
func Do(ctx context.Context, p Policy, isTransient func(error) bool, fn func() error) error {
	backoff := p.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= p.MaxAttempts {
			return err
		}

		// Jitter up to half the backoff spreads concurrent retries apart.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff = min(backoff*2, p.MaxBackoff)
	}
}
