package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_EmitsFastTicks(t *testing.T) {
	s := &Scheduler{fastInterval: 5 * time.Millisecond, slowInterval: time.Hour, hourlyInterval: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out := make(chan Tick, 16)
	s.Run(ctx, out)
	close(out)

	count := 0
	for tick := range out {
		require.Equal(t, Fast, tick.Stream)
		require.NotZero(t, tick.TimestampNs)
		count++
	}
	require.Greater(t, count, 0)
}

func TestScheduler_CoincidentTicksShareTimestampAndOrder(t *testing.T) {
	s := &Scheduler{fastInterval: 2 * time.Millisecond, slowInterval: 4 * time.Millisecond, hourlyInterval: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out := make(chan Tick, 64)
	s.Run(ctx, out)
	close(out)

	var ticks []Tick
	for tick := range out {
		ticks = append(ticks, tick)
	}

	var sawSlow bool
	var lastTS int64
	for i, tick := range ticks {
		require.GreaterOrEqual(t, tick.TimestampNs, lastTS, "timestamps must never decrease across streams")
		lastTS = tick.TimestampNs
		if tick.Stream == Slow {
			sawSlow = true
			require.Greater(t, i, 0)
			prev := ticks[i-1]
			require.Equal(t, Fast, prev.Stream, "a Slow tick rides the same base tick as a Fast one")
			require.Equal(t, prev.TimestampNs, tick.TimestampNs)
		}
	}
	require.True(t, sawSlow, "expected at least one Slow tick")
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, make(chan Tick))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
