// Package clock drives the sampling pipeline's tick streams.
// A Scheduler derives every stream from one base time.Ticker and fans ticks
// into a single ordered channel; no goroutine per collector, matching the
// single sampling-worker design.
package clock

import (
	"context"
	"time"
)

// Stream identifies which cadence produced a Tick.
type Stream int

const (
	Fast   Stream = iota // 1 Hz
	Slow                 // every 5s
	Hourly               // every hour
)

func (s Stream) String() string {
	switch s {
	case Fast:
		return "fast"
	case Slow:
		return "slow"
	case Hourly:
		return "hourly"
	default:
		return "unknown"
	}
}

const (
	FastInterval   = time.Second
	SlowInterval   = 5 * time.Second
	HourlyInterval = time.Hour
)

// Tick is one scheduled firing of a stream, stamped with the wall-clock
// nanosecond time it fired.
type Tick struct {
	Stream      Stream
	TimestampNs int64
}

// Scheduler derives all three streams from a single base ticker at the fast
// cadence: every Nth base tick also fires Slow (and every Mth, Hourly), so
// coincident ticks share one timestamp and always fire in Fast, Slow, Hourly
// order. Independent tickers would stamp coincident ticks with near-equal
// but distinct timestamps and deliver them in select order, which could
// hand a smaller timestamp to a later event. A slow consumer never backs up
// the ticker: an overrun base tick is dropped by time.Ticker itself, never
// queued.
type Scheduler struct {
	fastInterval   time.Duration
	slowInterval   time.Duration
	hourlyInterval time.Duration
}

// NewScheduler constructs a Scheduler using the default cadences.
func NewScheduler() *Scheduler {
	return &Scheduler{
		fastInterval:   FastInterval,
		slowInterval:   SlowInterval,
		hourlyInterval: HourlyInterval,
	}
}

// Run blocks until ctx is canceled, emitting Ticks on out in the order they
// fire. Run will block a tick's delivery until the consumer is ready; base
// ticks that fire while it waits are coalesced by the ticker, never queued.
func (s *Scheduler) Run(ctx context.Context, out chan<- Tick) {
	base := time.NewTicker(s.fastInterval)
	defer base.Stop()

	slowEvery := int64(s.slowInterval / s.fastInterval)
	hourlyEvery := int64(s.hourlyInterval / s.fastInterval)

	var n int64
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-base.C:
			n++
			ts := t.UnixNano()
			emit(ctx, out, Tick{Stream: Fast, TimestampNs: ts})
			if slowEvery > 0 && n%slowEvery == 0 {
				emit(ctx, out, Tick{Stream: Slow, TimestampNs: ts})
			}
			if hourlyEvery > 0 && n%hourlyEvery == 0 {
				emit(ctx, out, Tick{Stream: Hourly, TimestampNs: ts})
			}
		}
	}
}

func emit(ctx context.Context, out chan<- Tick, tick Tick) {
	select {
	case out <- tick:
	case <-ctx.Done():
	}
}
