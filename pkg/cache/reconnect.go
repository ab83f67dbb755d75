package cache

import (
	"sync"
	"time"
)

const (
	// DefaultReconnectErrorThreshold is how long errors must persist before a
	// forced reconnect is considered. Below this the client is given time to
	// recover on its own.
	DefaultReconnectErrorThreshold = 30 * time.Second

	// DefaultReconnectMinFrequency is the minimum interval between two forced
	// reconnects, limiting reconnect storms when many callers report errors.
	DefaultReconnectMinFrequency = 60 * time.Second
)

// ReconnectPolicy decides when a wedged cache connection should be
// force-reconnected. Connection errors are reported by every caller that sees
// one; the policy fires at most once per confirmed outage:
//   - errors must have persisted continuously for at least ErrorThreshold
//   - the most recent error must be within the ErrorThreshold window
//     (a gap in errors means the data is stale, start over)
//   - reconnects fire no more often than MinFrequency
//
// All state is owned by one policy instance and mutated under one mutex.
type ReconnectPolicy struct {
	ErrorThreshold time.Duration
	MinFrequency   time.Duration

	mu            sync.Mutex
	lastReconnect time.Time
	firstError    time.Time
	previousError time.Time
}

// NewReconnectPolicy creates a policy with the given thresholds. Zero values
// fall back to the defaults.
func NewReconnectPolicy(errorThreshold, minFrequency time.Duration) *ReconnectPolicy {
	if errorThreshold <= 0 {
		errorThreshold = DefaultReconnectErrorThreshold
	}
	if minFrequency <= 0 {
		minFrequency = DefaultReconnectMinFrequency
	}
	return &ReconnectPolicy{
		ErrorThreshold: errorThreshold,
		MinFrequency:   minFrequency,
	}
}

// ReportError records a connection error observed at now and reports whether
// the caller should reconnect. When it returns true the policy has already
// reset its error tracking and recorded the reconnect time; exactly one
// concurrent caller gets true per outage.
func (p *ReconnectPolicy) ReportError(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastReconnect.IsZero() && now.Sub(p.lastReconnect) < p.MinFrequency {
		return false
	}

	if p.firstError.IsZero() {
		// First error since the last reconnect, start tracking.
		p.firstError = now
		p.previousError = now
		return false
	}

	sinceFirst := now.Sub(p.firstError)
	sinceMostRecent := now.Sub(p.previousError)
	p.previousError = now

	if sinceFirst < p.ErrorThreshold {
		// Give the client time to recover on its own.
		return false
	}
	if sinceMostRecent > p.ErrorThreshold {
		// There was a gap in errors; the outage we were tracking is over.
		// Restart tracking from this error.
		p.firstError = now
		return false
	}

	p.firstError = time.Time{}
	p.previousError = time.Time{}
	p.lastReconnect = now
	return true
}
