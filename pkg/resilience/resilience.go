// Package resilience holds retry helpers for connections that must come back
// after failures.
package resilience

import (
	"context"
	"strings"
	"time"
)

// Backoff produces doubling delays between attempts, capped at Max.
// It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempts int
}

// NewBackoff creates a backoff starting at initial and capped at max
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempts && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempts++
	return d
}

// Attempts is the number of delays handed out since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset starts over from Initial after a success
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Wait sleeps for d unless ctx is done first
func Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClassifyError buckets connection errors for metrics and logs
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "bad handshake"):
		return "handshake"
	case strings.Contains(errMsg, "close"):
		return "closed"
	default:
		return "unknown"
	}
}
