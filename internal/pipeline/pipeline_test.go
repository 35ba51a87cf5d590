package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/collector"
)

func TestCollectorsFor_FixedOrder(t *testing.T) {
	procs := collector.NewProcessCollector()
	w := &Worker{
		metrics:    collector.NewMetricsCollector(),
		top:        collector.NewTopCollector(procs),
		security:   collector.NewSecurityCollector("/dev/null"),
		filesystem: nil,
		process:    procs,
		info:       collector.NewInfoCollector(),
	}

	fast := w.collectorsFor(clock.Tick{Stream: clock.Fast})
	require.Len(t, fast, 3)
	require.Equal(t, "metrics", fast[0].Name())
	require.Equal(t, "process", fast[2].Name())

	slow := w.collectorsFor(clock.Tick{Stream: clock.Slow})
	require.Len(t, slow, 2)
	require.Equal(t, "top", slow[0].Name())
	require.Equal(t, "security", slow[1].Name())

	hourly := w.collectorsFor(clock.Tick{Stream: clock.Hourly})
	require.Len(t, hourly, 1)
	require.Equal(t, "info", hourly[0].Name())
}
