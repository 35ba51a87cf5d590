package codec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/event"
)

func roundTrip(t *testing.T, e event.Event) event.Event {
	t.Helper()
	b, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	return got
}

func TestRoundTrip_SystemMetrics(t *testing.T) {
	e := event.Event{
		TimestampNs: 1_700_000_000_123_456_789,
		Kind:        event.KindSystemMetrics,
		SystemMetrics: &event.SystemMetrics{
			CPUTotalPct:   42.5,
			CPUPerCorePct: []float64{10, 20, 30, 40},
			MemUsedBytes:  123456,
			MemFreeBytes:  654321,
			MemUsedPct:    65.4,
			SwapUsedPct:   1.2,
			Load1:         0.5, Load5: 0.8, Load15: 1.1,
			Disks: []event.DiskMetrics{
				{Device: "sda1", MountPoint: "/", UsedPct: 55.5, ReadBytesSec: 100, WriteBytesSec: 200, QueueDepth: 1.5},
			},
			Net: []event.NetIfaceMetrics{
				{Name: "eth0", RxBytesSec: 1000, TxBytesSec: 2000, RxErrors: 1, TxDrops: 2},
			},
			TCPConnCounts:     event.TCPStateCounts{"ESTABLISHED": 12, "LISTEN": 4},
			CtxSwitchesPerSec: 9001,
			UptimeSeconds:     86400,
			TemperaturesC:     map[string]float64{"core0": 55.1, "core1": 57.3},
		},
	}

	got := roundTrip(t, e)
	require.Equal(t, e.TimestampNs, got.TimestampNs)
	require.Equal(t, e.Kind, got.Kind)
	require.Equal(t, e.SystemMetrics, got.SystemMetrics)
}

func TestRoundTrip_ProcessEvent(t *testing.T) {
	code := int32(137)
	e := event.Event{
		TimestampNs: 42,
		Kind:        event.KindProcessEvent,
		ProcessEvent: &event.ProcessEvent{
			Kind: event.ProcessExit, PID: 1234, PPID: 1,
			UID: 1000, User: "svc", Cmdline: "nginx -g daemon off;", Cwd: "/var/www",
			Threads: 4, RSSKb: 20480, CPUPct: 1.1, ExitCode: &code,
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.ProcessEvent, got.ProcessEvent)
}

func TestRoundTrip_ProcessEvent_NoExitCode(t *testing.T) {
	e := event.Event{
		Kind: event.KindProcessEvent,
		ProcessEvent: &event.ProcessEvent{
			Kind: event.ProcessStart, PID: 99, User: "root", Cmdline: "sshd",
		},
	}
	got := roundTrip(t, e)
	require.Nil(t, got.ProcessEvent.ExitCode)
	require.Equal(t, e.ProcessEvent.PID, got.ProcessEvent.PID)
}

func TestRoundTrip_ProcessTopSnapshot(t *testing.T) {
	e := event.Event{
		Kind: event.KindProcessTopSnapshot,
		ProcessTop: &event.ProcessTopSnapshot{
			TopByCPU: []event.ProcessSample{{PID: 1, User: "root", Cmdline: "init", CPUPct: 99.9, RSSKb: 512}},
			TopByRSS: []event.ProcessSample{{PID: 2, User: "root", Cmdline: "bash", CPUPct: 0.1, RSSKb: 99999}},
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.ProcessTop, got.ProcessTop)
}

func TestRoundTrip_SecurityEvent(t *testing.T) {
	e := event.Event{
		Kind: event.KindSecurityEvent,
		SecurityEvent: &event.SecurityEvent{
			Kind:    event.SecurityBruteForceDetected,
			Details: map[string]string{"ip": "10.0.0.5", "count": "12"},
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.SecurityEvent, got.SecurityEvent)
}

func TestRoundTrip_FileSystemEvent(t *testing.T) {
	size := uint64(4096)
	e := event.Event{
		Kind: event.KindFileSystemEvent,
		FileSystemEvent: &event.FileSystemEvent{
			Kind: event.FSModified, Path: "/etc/passwd", Size: &size,
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.FileSystemEvent, got.FileSystemEvent)
}

func TestRoundTrip_AnomalyEvent(t *testing.T) {
	e := event.Event{
		Kind: event.KindAnomalyEvent,
		AnomalyEvent: &event.AnomalyEvent{
			Kind: event.AnomalyCPUSpike, Severity: event.SeverityWarn,
			Value: 95.2, Threshold: 80,
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.AnomalyEvent, got.AnomalyEvent)
}

func TestRoundTrip_SystemInfo(t *testing.T) {
	e := event.Event{
		Kind: event.KindSystemInfo,
		SystemInfo: &event.SystemInfo{
			Kernel: "6.8.0-generic", CPUModel: "AMD EPYC", CPUCores: 16,
			MemTotalBytes: 64 << 30, Hostname: "forensics-01", Architecture: "amd64",
		},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.SystemInfo, got.SystemInfo)
}

func TestRoundTrip_CorruptionWarning(t *testing.T) {
	e := event.Event{
		Kind:              event.KindCorruptionWarning,
		CorruptionWarning: &event.CorruptionWarning{SegmentPath: "segment-123.bb", Offset: 4096},
	}
	got := roundTrip(t, e)
	require.Equal(t, e.CorruptionWarning, got.CorruptionWarning)
}

func TestDecode_Truncated(t *testing.T) {
	e := event.Event{Kind: event.KindSystemInfo, SystemInfo: &event.SystemInfo{Kernel: "x"}}
	b, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(b[:len(b)-2])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestEncode_Deterministic(t *testing.T) {
	e := event.Event{
		Kind: event.KindSystemMetrics,
		SystemMetrics: &event.SystemMetrics{
			TCPConnCounts: event.TCPStateCounts{"A": 1, "B": 2, "C": 3, "D": 4},
			TemperaturesC: map[string]float64{"z": 1, "a": 2, "m": 3},
		},
	}
	a, err := Encode(e)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := Encode(e)
		require.NoError(t, err)
		require.Equal(t, a, b, "encoding must be deterministic across repeated calls")
	}
}
