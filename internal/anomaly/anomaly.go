// Package anomaly implements the edge-triggered anomaly detector:
// a stateful transducer over the SystemMetrics stream that emits an
// AnomalyEvent only on a state transition (breach or clear), never on every
// sample while a condition persists.
package anomaly

import (
	"time"

	"github.com/blackbox-rec/blackboxd/internal/config"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

// leakWindowNs is the rolling baseline window ThreadLeak/ConnLeak compare
// against.
const leakWindowNs = int64(5 * time.Minute)

type leakSample struct {
	ts    int64
	value float64
}

// LeakWindow tracks a value's history over the trailing 5 minutes and
// reports the oldest retained sample as the comparison baseline. Callers
// feed it once per SystemMetrics tick and pass the result straight into
// ObserveProcessCounts.
type LeakWindow struct {
	samples []leakSample
}

// Observe records value at ts and returns the baseline value from
// approximately 5 minutes ago. ok is false until at least 5 minutes of
// history have been collected, matching baseline=0's "skip this rule" guard
// in ObserveProcessCounts.
func (w *LeakWindow) Observe(ts int64, value float64) (baseline float64, ok bool) {
	w.samples = append(w.samples, leakSample{ts: ts, value: value})

	cutoff := ts - leakWindowNs
	for len(w.samples) > 1 && w.samples[1].ts <= cutoff {
		w.samples = w.samples[1:]
	}

	oldest := w.samples[0]
	if oldest.ts > cutoff {
		return 0, false
	}
	return oldest.value, true
}

// Detector tracks, per AnomalyKind, whether that anomaly is currently active
// and emits an AnomalyEvent only when that state flips.
type Detector struct {
	thresholds config.Thresholds
	active     map[event.AnomalyKind]bool
	cpuStreak  int
}

// New builds a Detector seeded with t's threshold values.
func New(t config.Thresholds) *Detector {
	return &Detector{
		thresholds: t,
		active:     make(map[event.AnomalyKind]bool),
	}
}

// Observe runs one SystemMetrics sample through every threshold rule and
// returns the AnomalyEvents for any rule whose active/cleared state changed.
func (d *Detector) Observe(m event.SystemMetrics) []event.Event {
	var out []event.Event

	// CPU spike requires CPUSpikeSamples consecutive breaches before it
	// latches, to avoid flapping on a single hot tick.
	if m.CPUTotalPct > d.thresholds.CPUSpikePct {
		d.cpuStreak++
	} else {
		d.cpuStreak = 0
	}
	d.edge(&out, event.AnomalyCPUSpike, d.cpuStreak >= d.thresholds.CPUSpikeSamples,
		m.CPUTotalPct, d.thresholds.CPUSpikePct)

	d.edge(&out, event.AnomalyMemSpike, m.MemUsedPct > d.thresholds.MemSpikePct,
		m.MemUsedPct, d.thresholds.MemSpikePct)

	d.edge(&out, event.AnomalySwapHigh, m.SwapUsedPct > d.thresholds.SwapHighPct,
		m.SwapUsedPct, d.thresholds.SwapHighPct)

	maxDiskPct, maxQueue := 0.0, 0.0
	for _, disk := range m.Disks {
		if disk.UsedPct > maxDiskPct {
			maxDiskPct = disk.UsedPct
		}
		if q := disk.ReadBytesSec + disk.WriteBytesSec; q > maxQueue {
			maxQueue = q
		}
	}
	d.edge(&out, event.AnomalyDiskFull, maxDiskPct > d.thresholds.DiskFullPct,
		maxDiskPct, d.thresholds.DiskFullPct)
	d.edge(&out, event.AnomalyDiskIOSpike, maxQueue > d.thresholds.DiskIOSpikeBps,
		maxQueue, d.thresholds.DiskIOSpikeBps)

	maxNet := 0.0
	for _, iface := range m.Net {
		if s := iface.RxBytesSec + iface.TxBytesSec; s > maxNet {
			maxNet = s
		}
	}
	d.edge(&out, event.AnomalyNetSpike, maxNet > d.thresholds.NetSpikeBps,
		maxNet, d.thresholds.NetSpikeBps)

	d.edge(&out, event.AnomalyCtxSwitchSpike, m.CtxSwitchesPerSec > d.thresholds.CtxSwitchSpikeHz,
		m.CtxSwitchesPerSec, d.thresholds.CtxSwitchSpikeHz)

	return out
}

// ObserveProcessCounts evaluates the thread-leak and connection-leak rules,
// which are expressed as a ratio against a rolling baseline rather than a
// fixed threshold. baseline is the caller-maintained reference value (the
// pipeline passes LeakWindow's oldest sample from ~5 minutes earlier);
// current is this tick's count.
func (d *Detector) ObserveProcessCounts(threadBaseline, threadCurrent, connBaseline, connCurrent float64) []event.Event {
	var out []event.Event

	if threadBaseline > 0 {
		ratio := threadCurrent / threadBaseline
		d.edge(&out, event.AnomalyThreadLeak, ratio > d.thresholds.ThreadLeakRatio, ratio, d.thresholds.ThreadLeakRatio)
	}
	if connBaseline > 0 {
		ratio := connCurrent / connBaseline
		d.edge(&out, event.AnomalyConnLeak, ratio > d.thresholds.ConnLeakRatio, ratio, d.thresholds.ConnLeakRatio)
	}
	return out
}

// edge appends an AnomalyEvent to out only when breached differs from the
// kind's currently recorded active state; it then updates that state.
func (d *Detector) edge(out *[]event.Event, kind event.AnomalyKind, breached bool, value, threshold float64) {
	was := d.active[kind]
	if breached == was {
		return
	}
	d.active[kind] = breached

	severity := event.SeverityInfo
	if breached {
		severity = enterSeverity(kind)
	}

	*out = append(*out, event.Event{
		Kind: event.KindAnomalyEvent,
		AnomalyEvent: &event.AnomalyEvent{
			Kind:      kind,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
		},
	})
}

// enterSeverity returns the severity an AnomalyEvent carries on its enter
// transition. Resolve transitions are always SeverityInfo regardless of
// kind.
func enterSeverity(kind event.AnomalyKind) event.Severity {
	switch kind {
	case event.AnomalyDiskFull:
		return event.SeverityError
	case event.AnomalyDiskIOSpike, event.AnomalyNetSpike, event.AnomalyCtxSwitchSpike:
		return event.SeverityInfo
	default:
		return event.SeverityWarn
	}
}

// Active reports whether kind is currently in its breached state.
func (d *Detector) Active(kind event.AnomalyKind) bool {
	return d.active[kind]
}
