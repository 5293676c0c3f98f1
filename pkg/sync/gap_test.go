package sync

import (
	"testing"
	"time"
)

func TestGapDetector(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		interval   time.Duration
		multiplier float64
		lastSync   time.Time
		want       bool
	}{
		{
			name:     "recent sync within threshold",
			interval: 12 * time.Hour,
			lastSync: now.Add(-13 * time.Hour),
			want:     false,
		},
		{
			name:     "exactly at threshold",
			interval: 12 * time.Hour,
			lastSync: now.Add(-24 * time.Hour),
			want:     false,
		},
		{
			name:     "just past threshold",
			interval: 12 * time.Hour,
			lastSync: now.Add(-24*time.Hour - time.Second),
			want:     true,
		},
		{
			name:     "never synced",
			interval: 12 * time.Hour,
			lastSync: time.Time{},
			want:     true,
		},
		{
			name:       "custom multiplier",
			interval:   12 * time.Hour,
			multiplier: 3,
			lastSync:   now.Add(-30 * time.Hour),
			want:       false,
		},
		{
			name:     "detection disabled",
			interval: 0,
			lastSync: time.Time{},
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := GapDetector{Interval: tc.interval, Multiplier: tc.multiplier}
			if got := det.Detect(tc.lastSync, now); got != tc.want {
				t.Errorf("Detect(%v) = %v, want %v", tc.lastSync, got, tc.want)
			}
		})
	}
}

func TestGapThresholdDefaultsMultiplier(t *testing.T) {
	det := GapDetector{Interval: 12 * time.Hour}
	if got := det.Threshold(); got != 24*time.Hour {
		t.Errorf("Threshold() = %v, want 24h", got)
	}
}
