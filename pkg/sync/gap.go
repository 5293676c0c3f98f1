package sync

import (
	"time"
)

const DefaultGapMultiplier = 2.0

// GapDetector decides whether a TLD's observation continuity is trustworthy
// enough to read first_seen as genuine new registration. It is a pure
// function over metadata and the current time; the orchestrator persists its
// verdict.
type GapDetector struct {
	// Interval is the nominal time between scheduled syncs.
	Interval time.Duration
	// Multiplier scales Interval into the gap threshold.
	Multiplier float64
}

// Threshold is the maximum tolerated age of last_sync.
func (g GapDetector) Threshold() time.Duration {
	m := g.Multiplier
	if m <= 0 {
		m = DefaultGapMultiplier
	}
	return time.Duration(float64(g.Interval) * m)
}

// Detect reports whether the elapsed time since lastSync invalidates
// "newly registered" classification for the upcoming window. A TLD that has
// never synced successfully has no continuity at all, so it is flagged: names
// seen on the first pass are ambiguous between "just registered" and
// "existed all along".
func (g GapDetector) Detect(lastSync, now time.Time) bool {
	if g.Interval <= 0 {
		return false
	}
	if lastSync.IsZero() {
		return true
	}
	return now.Sub(lastSync) > g.Threshold()
}
