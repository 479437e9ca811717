// Package backoff holds the one bounded-retry policy shared by the router
// replayer, the sync worker cooldowns and the protocol reconnect loop.
package backoff

import (
	"context"
	"time"
)

type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Next returns min(max(prev*Multiplier, Initial), Max).
func (p Policy) Next(prev time.Duration) time.Duration {
	p = p.normalized()
	next := time.Duration(float64(prev) * p.Multiplier)
	if next < p.Initial {
		next = p.Initial
	}
	if next > p.Max {
		next = p.Max
	}
	return next
}

// Delay is the delay before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(0)
	for i := 0; i <= attempt; i++ {
		d = p.Next(d)
		if d == p.normalized().Max {
			break
		}
	}
	return d
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Backoff tracks the current delay for one retrying activity.
// It is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	current time.Duration
	attempt int
}

func New(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next advances and returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.current = b.policy.Next(b.current)
	b.attempt++
	return b.current
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.current = 0
	b.attempt = 0
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
