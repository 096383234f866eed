package clock

import "time"

// DefaultSkew is the tolerance OpenID providers and relying parties conventionally
// allow between their clocks.
const DefaultSkew = 5 * time.Hour

// SkewPolicy supplies the current time and the symmetric clock-skew tolerance
// shared by the association and nonce stores.
type SkewPolicy struct {
	now  func() time.Time
	skew time.Duration
}

// NewSkewPolicy constructs a policy; a nil clock falls back to time.Now and a
// non-positive skew falls back to DefaultSkew.
func NewSkewPolicy(now func() time.Time, skew time.Duration) SkewPolicy {
	if now == nil {
		now = time.Now
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	return SkewPolicy{now: now, skew: skew}
}

// Now returns the current time in UTC.
func (p SkewPolicy) Now() time.Time {
	if p.now == nil {
		return time.Now().UTC()
	}
	return p.now().UTC()
}

// Skew returns the configured tolerance.
func (p SkewPolicy) Skew() time.Duration {
	if p.skew <= 0 {
		return DefaultSkew
	}
	return p.skew
}

// NowSeconds returns the current unix time in seconds.
func (p SkewPolicy) NowSeconds() int64 {
	return p.Now().Unix()
}

// CutoffSeconds is the unix second before which records can no longer be
// legitimately presented: now minus skew.
func (p SkewPolicy) CutoffSeconds() int64 {
	return p.NowSeconds() - int64(p.Skew()/time.Second)
}

// WithinSeconds reports whether the unix timestamp lies in [now-skew, now+skew].
func (p SkewPolicy) WithinSeconds(timestamp int64) bool {
	now := p.NowSeconds()
	skew := int64(p.Skew() / time.Second)
	return timestamp >= now-skew && timestamp <= now+skew
}
