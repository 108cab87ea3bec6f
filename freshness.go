package offline

import "time"

// Classification is the freshness of a cached read.
type Classification int

const (
	// Miss means no record exists.
	Miss Classification = iota

	// Stale means a record exists but its age is at or past the caller's
	// maximum.
	Stale

	// Hit means the record is within the caller's maximum age.
	Hit
)

// String returns the lowercase label used in logs and metric attributes.
func (c Classification) String() string {
	switch c {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// Classify reports whether a record captured at capturedAt is still fresh
// for a caller tolerating maxAge of staleness. A record exactly maxAge old
// is Stale, not Hit. A zero capturedAt is a Miss.
//
// Staleness is relative to each caller: the same record can be Stale to a
// 5-minute reader and a Hit to a 30-minute reader. Classify never consults
// the clock itself; callers pass now so reads are reproducible.
func Classify(capturedAt time.Time, maxAge time.Duration, now time.Time) Classification {
	if capturedAt.IsZero() {
		return Miss
	}
	if now.Sub(capturedAt) >= maxAge {
		return Stale
	}
	return Hit
}
