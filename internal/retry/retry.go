// Package retry implements the backoff loop cmd/tunnel-agent uses to
// keep reconnecting to tunneld. Generalized from the teacher's
// pkg/common.Retry (a fixed-attempt retry helper) to support
// unlimited attempts and a stop channel, since an agent's reconnect
// loop has no attempt ceiling of its own — only the operator stopping
// the process ends it.
package retry

import "time"

// Policy drives On's backoff. NextDelay returns the wait before retry
// number attempt (0-indexed); a negative return ends the loop.
type Policy struct {
	NextDelay func(attempt int) time.Duration
}

// Fixed returns a Policy that always waits d between attempts,
// forever — the policy cmd/tunnel-agent uses for reconnects.
func Fixed(d time.Duration) *Policy {
	return &Policy{NextDelay: func(int) time.Duration { return d }}
}

// Timed mirrors the teacher's common.Timed: at most total attempts,
// each separated by delay.
func Timed(total int, delay time.Duration) *Policy {
	return &Policy{NextDelay: func(attempt int) time.Duration {
		if attempt+1 >= total {
			return -1
		}
		return delay
	}}
}

// On runs method until it returns nil, the policy is exhausted, or
// stop is closed. It returns the last error seen, or nil on success or
// stop.
func (p *Policy) On(stop <-chan struct{}, method func() error) error {
	attempt := 0
	var lastErr error
	for {
		select {
		case <-stop:
			return lastErr
		default:
		}
		err := method()
		if err == nil {
			return nil
		}
		lastErr = err
		delay := p.NextDelay(attempt)
		if delay < 0 {
			return lastErr
		}
		select {
		case <-stop:
			return lastErr
		case <-time.After(delay):
		}
		attempt++
	}
}
