package cdp

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/standardbeagle/webtap/internal/errs"
)

// Backoff computes exponential delays with jitter between dial attempts
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	MaxAttempts int

	attempt int
}

// NewBackoff returns the dial policy used while a browser is still starting
func NewBackoff() *Backoff {
	return &Backoff{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		MaxAttempts: 8,
	}
}

// NextDelay returns the delay before the next attempt and advances the counter
func (b *Backoff) NextDelay() time.Duration {
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(b.attempt)))
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	if b.Jitter {
		jitterRange := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
	}
	if delay < b.BaseDelay {
		delay = b.BaseDelay
	}

	b.attempt++
	return delay
}

// Attempts returns how many delays have been handed out
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts the sequence over
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx ends.
func (b *Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil || !errs.IsRetryable(err) {
			return err
		}
		if b.MaxAttempts > 0 && b.attempt+1 >= b.MaxAttempts {
			return err
		}

		delay := b.NextDelay()
		debugLog("attempt %d failed (%v), retrying in %v", b.attempt, err, delay)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

// DialWithRetry dials wsURL, retrying connection failures with b
func DialWithRetry(ctx context.Context, wsURL string, b *Backoff) (*Conn, error) {
	if b == nil {
		b = NewBackoff()
	}
	var conn *Conn
	err := b.Retry(ctx, func(ctx context.Context) error {
		c, err := Dial(ctx, wsURL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
