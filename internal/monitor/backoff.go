package monitor

import (
	"math"
	"time"
)

// ReconnectPolicy controls how the controller re-establishes the log
// stream after it drops. Attempts that exceed MaxAttempts leave the
// stream closed until Reconnect is called.
type ReconnectPolicy struct {
	// Enabled turns automatic reconnection on. When false the stream
	// stays closed after the first drop.
	// Default: true
	Enabled bool

	// MaxAttempts is the maximum number of consecutive dial attempts
	// before giving up.
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the delay before the first redial.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between redials.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// Multiplier is applied to the delay after each failed attempt.
	// Default: 2.0
	Multiplier float64

	// ResetWindow is how long a connection must stay up for the
	// attempt counter to reset when it next drops.
	// Default: 5 minutes
	ResetWindow time.Duration
}

// DefaultReconnectPolicy returns the default reconnect policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		ResetWindow:    5 * time.Minute,
	}
}

// CalculateBackoff calculates the redial delay for a given attempt.
// attempt=0 or attempt=1 returns initial, subsequent attempts use
// exponential growth capped at max.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
