// Package pipeline runs the single synchronous sampling worker that ties
// clock, collector, anomaly, segment and broadcast together.
package pipeline

import (
	"context"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/anomaly"
	"github.com/blackbox-rec/blackboxd/internal/broadcast"
	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/collector"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/logger"
	"github.com/blackbox-rec/blackboxd/internal/segment"
)

// Worker is the fixed-order sampling loop. Each clock.Tick runs its
// stream's collectors in the relative order Metrics -> Top -> Security ->
// Filesystem -> Process. A base tick that also fires Slow arrives as a Fast
// tick followed by a Slow tick, so Metrics, Filesystem and Process run
// before Top and Security on that timestamp.
type Worker struct {
	scheduler *clock.Scheduler
	detector  *anomaly.Detector
	writer    *segment.Writer
	hub       *broadcast.Hub

	metrics    *collector.MetricsCollector
	top        *collector.TopCollector
	security   *collector.SecurityCollector
	filesystem *collector.FilesystemCollector
	process    *collector.ProcessCollector
	info       *collector.InfoCollector

	threadWindow anomaly.LeakWindow
	connWindow   anomaly.LeakWindow
}

// Config bundles the pre-built collectors and collaborators a Worker needs.
type Config struct {
	Scheduler  *clock.Scheduler
	Detector   *anomaly.Detector
	Writer     *segment.Writer
	Hub        *broadcast.Hub
	Metrics    *collector.MetricsCollector
	Top        *collector.TopCollector
	Security   *collector.SecurityCollector
	Filesystem *collector.FilesystemCollector
	Process    *collector.ProcessCollector
	Info       *collector.InfoCollector
}

// New constructs a Worker from cfg.
func New(cfg Config) *Worker {
	return &Worker{
		scheduler: cfg.Scheduler, detector: cfg.Detector, writer: cfg.Writer, hub: cfg.Hub,
		metrics: cfg.Metrics, top: cfg.Top, security: cfg.Security,
		filesystem: cfg.Filesystem, process: cfg.Process, info: cfg.Info,
	}
}

// EmitStartupInfo forces one SystemInfo sample through the normal
// append/publish path at process start, rather than waiting for the first
// hourly tick.
func (w *Worker) EmitStartupInfo() {
	log := logger.Component("pipeline")
	tick := clock.Tick{Stream: clock.Hourly, TimestampNs: time.Now().UnixNano()}
	events, err := w.info.Collect(tick)
	if err != nil {
		log.Warn("collector error", "collector", w.info.Name(), "err", err)
		return
	}
	for _, e := range events {
		w.handleEvent(e, log)
	}
}

// Run blocks, driving ticks through the pipeline until ctx is canceled.
// Each tick runs on this single goroutine; there is no per-collector
// goroutine, so collector order is the emission order.
func (w *Worker) Run(ctx context.Context) {
	log := logger.Component("pipeline")
	ticks := make(chan clock.Tick)
	go w.scheduler.Run(ctx, ticks)

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			w.handleTick(tick, log)
		}
	}
}

type tickLogger interface {
	Warn(msg string, args ...any)
}

func (w *Worker) handleTick(tick clock.Tick, log tickLogger) {
	// Fixed relative order within this stream's subset of
	// Metrics -> Top -> Security -> Filesystem -> Process.
	for _, c := range w.collectorsFor(tick) {
		events, err := c.Collect(tick)
		if err != nil {
			log.Warn("collector error", "collector", c.Name(), "err", err)
			continue
		}
		for _, e := range events {
			w.handleEvent(e, log)
		}
	}
}

// collectorsFor maps each tick stream to the collectors due to run on it,
// preserving the overall Metrics -> Top -> Security -> Filesystem -> Process
// ordering within whichever subset a given stream carries:
// Metrics/Filesystem/Process are 1 Hz (Fast), Top/Security are 0.2 Hz
// (Slow), and Info fires hourly (plus once explicitly on startup).
func (w *Worker) collectorsFor(tick clock.Tick) []collector.Collector {
	switch tick.Stream {
	case clock.Fast:
		return []collector.Collector{w.metrics, w.filesystem, w.process}
	case clock.Slow:
		return []collector.Collector{w.top, w.security}
	case clock.Hourly:
		return []collector.Collector{w.info}
	default:
		return nil
	}
}

func (w *Worker) handleEvent(e event.Event, log tickLogger) {
	if err := w.writer.Append(e); err != nil {
		log.Warn("segment append failed", "err", err)
	}
	w.hub.Publish(e)

	if e.Kind == event.KindSystemMetrics {
		anomalies := w.detector.Observe(*e.SystemMetrics)
		anomalies = append(anomalies, w.observeLeaks(e.TimestampNs, e.SystemMetrics)...)
		for _, anomalyEvt := range anomalies {
			anomalyEvt.TimestampNs = e.TimestampNs
			if err := w.writer.Append(anomalyEvt); err != nil {
				log.Warn("segment append failed", "err", err)
			}
			w.hub.Publish(anomalyEvt)
		}
	}
}

// observeLeaks feeds the current tick's total thread count and total TCP
// connection count through their respective 5-minute rolling windows and
// runs the ratio-based ThreadLeak/ConnLeak rules. The process
// collector is the system of record for thread counts; the metrics
// collector already tallies TCP connections by state for SystemMetrics.
func (w *Worker) observeLeaks(tickNs int64, m *event.SystemMetrics) []event.Event {
	threadCurrent := float64(w.process.TotalThreads())
	threadBaseline, _ := w.threadWindow.Observe(tickNs, threadCurrent)

	var connCurrent float64
	for _, n := range m.TCPConnCounts {
		connCurrent += float64(n)
	}
	connBaseline, _ := w.connWindow.Observe(tickNs, connCurrent)

	return w.detector.ObserveProcessCounts(threadBaseline, threadCurrent, connBaseline, connCurrent)
}
