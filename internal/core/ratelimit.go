package core

import "time"

// Signals are the canonical rate-limit values a provider response carries.
// Zero values mean "not present".
type Signals struct {
	Limit        int           `json:"limit,omitempty"`
	Remaining    int           `json:"remaining,omitempty"`
	Reset        time.Time     `json:"reset,omitempty"`
	ResetAfter   time.Duration `json:"reset_after,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	Bucket       string        `json:"bucket,omitempty"`
	Global       bool          `json:"global,omitempty"`
	HasLimit     bool          `json:"-"`
	HasRemaining bool          `json:"-"`
}

// Fresh reports whether the response carried a full remaining/reset pair
// for its bucket.
func (s Signals) Fresh() bool {
	return s.HasRemaining && (!s.Reset.IsZero() || s.ResetAfter > 0)
}

// HasHint reports whether any explicit wait hint is present.
func (s Signals) HasHint() bool {
	return s.RetryAfter > 0 || s.ResetAfter > 0 || !s.Reset.IsZero()
}

// ResetAt resolves the absolute reset time relative to now.
func (s Signals) ResetAt(now time.Time) time.Time {
	if s.ResetAfter > 0 {
		return now.Add(s.ResetAfter)
	}
	if !s.Reset.IsZero() {
		return s.Reset
	}
	if s.RetryAfter > 0 {
		return now.Add(s.RetryAfter)
	}
	return time.Time{}
}

// RateLimit is a default quota window used when a provider has not yet
// reported its own limits.
type RateLimit struct {
	RequestsPerWindow int           `json:"requests_per_window" mapstructure:"requests_per_window"`
	WindowDuration    time.Duration `json:"window_duration" mapstructure:"window_duration"`
}
