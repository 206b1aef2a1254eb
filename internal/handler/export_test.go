package handler

import "time"

// SetClock replaces the limiter's clock.
func (l *RateLimit) SetClock(now func() time.Time) { l.now = now }
