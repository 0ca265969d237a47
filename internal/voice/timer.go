package voice

import "time"

// Timer is a monotonic fixed-rate deadline. Unlike sleeping for a period
// after each firing, the next deadline is always advanced by exactly one
// period from the previous one, so a late tick does not shift the whole
// schedule: the timer catches up with back-to-back firings instead of
// drifting.
type Timer struct {
	next time.Time
}

// NewTimer returns a timer whose first deadline is one period from now.
func NewTimer(period time.Duration) *Timer {
	return &Timer{next: time.Now().Add(period)}
}

// CheckAndAdd reports whether the current time has reached the timer's
// deadline, and if so advances the deadline by exactly one period.
func (t *Timer) CheckAndAdd(period time.Duration) bool {
	if time.Now().Before(t.next) {
		return false
	}
	t.next = t.next.Add(period)
	return true
}
