package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

func countBruteForce(events []event.Event) int {
	n := 0
	for _, e := range events {
		if e.Kind == event.KindSecurityEvent && e.SecurityEvent.Kind == event.SecurityBruteForceDetected {
			n++
		}
	}
	return n
}

// TestSecurityCollector_BruteForceWindow: four SSH failures from the same
// source within the window raise no detection,
// the fifth raises exactly one BruteForceDetected, and a sixth while the
// streak is still open raises nothing further.
func TestSecurityCollector_BruteForceWindow(t *testing.T) {
	s := NewSecurityCollector("/dev/null")
	tick := clock.Tick{Stream: clock.Slow, TimestampNs: 0}
	const line = "Failed password for invalid user root from 1.2.3.4 port 4444 ssh2"
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 4; i++ {
		now := base.Add(time.Duration(i*15) * time.Second)
		events := s.classifyLine(tick, line, now)
		require.Equal(t, 0, countBruteForce(events), "failure %d of 4 must not trigger detection", i+1)
	}

	fifth := s.classifyLine(tick, line, base.Add(61*time.Second))
	require.Equal(t, 1, countBruteForce(fifth), "5th failure must trigger exactly one BruteForceDetected")

	sixth := s.classifyLine(tick, line, base.Add(65*time.Second))
	require.Equal(t, 0, countBruteForce(sixth), "6th failure within the same streak must not re-fire")
}

// TestSecurityCollector_BruteForceRearmsAfterWindowRolls confirms the streak
// rearms once enough failures have aged out of bruteForceWindow that the
// count drops back below the threshold.
func TestSecurityCollector_BruteForceRearmsAfterWindowRolls(t *testing.T) {
	s := NewSecurityCollector("/dev/null")
	tick := clock.Tick{Stream: clock.Slow, TimestampNs: 0}
	const line = "Failed password for invalid user root from 9.9.9.9 port 22 ssh2"
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		s.classifyLine(tick, line, base.Add(time.Duration(i)*time.Second))
	}
	require.True(t, s.bruteFired["9.9.9.9"])

	// Past bruteForceWindow, enough of the original five have aged out that
	// the live count drops back below the threshold and the streak rearms.
	rearmCheck := s.classifyLine(tick, line, base.Add(bruteForceWindow+time.Second))
	require.Equal(t, 0, countBruteForce(rearmCheck))
	require.False(t, s.bruteFired["9.9.9.9"])

	// Driving the count back up to the threshold must fire exactly once more.
	fires := 0
	for i := 1; i <= 4; i++ {
		events := s.classifyLine(tick, line, base.Add(bruteForceWindow+time.Second+time.Duration(i)*time.Second))
		fires += countBruteForce(events)
	}
	require.Equal(t, 1, fires, "count crossing the threshold again after rearming must fire exactly once")
}

// TestSecurityCollector_DistinctSourcesTrackedIndependently ensures the
// per-IP failure/streak maps don't cross-contaminate between source IPs.
func TestSecurityCollector_DistinctSourcesTrackedIndependently(t *testing.T) {
	s := NewSecurityCollector("/dev/null")
	tick := clock.Tick{Stream: clock.Slow, TimestampNs: 0}
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		s.classifyLine(tick, "Failed password for invalid user root from 1.1.1.1 port 22 ssh2", now)
	}
	require.True(t, s.bruteFired["1.1.1.1"])
	require.False(t, s.bruteFired["2.2.2.2"])

	events := s.classifyLine(tick, "Failed password for invalid user root from 2.2.2.2 port 22 ssh2", base)
	require.Equal(t, 0, countBruteForce(events))
}
