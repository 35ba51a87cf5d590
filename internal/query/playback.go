// Playback and timeline aggregation for the query engine: these
// functions sit on top of segment.Manager/Reader and shape their raw decode
// stream into the HTTP response types.
package query

import (
	"sort"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/broadcast"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/segment"
)

// reportCorruption publishes a one-shot CorruptionWarning to the broadcast
// hub when a segment's record stream fails to decode. hub may be nil in
// tests that don't exercise live subscribers.
func reportCorruption(hub *broadcast.Hub, path string, offset int64) {
	if hub == nil {
		return
	}
	hub.Publish(event.Event{
		TimestampNs: time.Now().UnixNano(),
		Kind:        event.KindCorruptionWarning,
		CorruptionWarning: &event.CorruptionWarning{
			SegmentPath: path,
			Offset:      offset,
		},
	})
}

// PlaybackInfo backs GET /api/playback/info.
type PlaybackInfo struct {
	FirstTimestampNs    int64 `json:"first_timestamp"`
	LastTimestampNs     int64 `json:"last_timestamp"`
	SegmentCount        int   `json:"segment_count"`
	EstimatedEventCount int64 `json:"estimated_event_count"`
}

const estimatedEventBytes = 256 // coarse bytes-per-event divisor for the estimate

func buildPlaybackInfo(mgr *segment.Manager) (PlaybackInfo, error) {
	infos, err := mgr.Enumerate()
	if err != nil {
		return PlaybackInfo{}, err
	}
	if len(infos) == 0 {
		return PlaybackInfo{}, nil
	}

	var totalSize int64
	for _, i := range infos {
		totalSize += i.SizeBytes
	}

	first, err := firstRecordTimestamp(infos[0].Path)
	if err != nil {
		return PlaybackInfo{}, err
	}
	last, err := lastRecordTimestamp(infos[len(infos)-1].Path)
	if err != nil {
		return PlaybackInfo{}, err
	}

	return PlaybackInfo{
		FirstTimestampNs:    first,
		LastTimestampNs:     last,
		SegmentCount:        len(infos),
		EstimatedEventCount: totalSize / estimatedEventBytes,
	}, nil
}

func firstRecordTimestamp(path string) (int64, error) {
	r, err := segment.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var ts int64
	if err := r.Iterate(func(e event.Event) bool {
		ts = e.TimestampNs
		return false // stop after the first record
	}); err != nil {
		return 0, err
	}
	return ts, nil
}

func lastRecordTimestamp(path string) (int64, error) {
	r, err := segment.Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var ts int64
	if err := r.Iterate(func(e event.Event) bool {
		ts = e.TimestampNs
		return true
	}); err != nil {
		return 0, err
	}
	return ts, nil
}

// playbackCount implements the "count mode" playback query: scan segments
// in time order, collect SystemMetrics with
// ts <= timestamp (ts < timestamp when strict), and return the last `count`
// of them in ascending timestamp order.
func playbackCount(mgr *segment.Manager, hub *broadcast.Hub, timestamp int64, count int, strict bool) ([]event.Event, error) {
	infos, err := mgr.Enumerate()
	if err != nil {
		return nil, err
	}

	var matches []event.Event
	for _, info := range infos {
		r, err := segment.Open(info.Path)
		if err != nil {
			continue
		}
		var seen int64
		if err := r.Iterate(func(e event.Event) bool {
			seen++
			if e.Kind != event.KindSystemMetrics {
				return true
			}
			if strict {
				if e.TimestampNs < timestamp {
					matches = append(matches, e)
				}
			} else if e.TimestampNs <= timestamp {
				matches = append(matches, e)
			}
			return true
		}); err != nil {
			reportCorruption(hub, info.Path, seen)
		}
		r.Close()
	}

	if len(matches) > count {
		matches = matches[len(matches)-count:]
	}
	return matches, nil
}

// playbackRange implements the "range mode" playback query:
// every event in [start, end] across overlapping segments, ascending, up to
// limit (0 means unlimited).
func playbackRange(mgr *segment.Manager, hub *broadcast.Hub, start, end int64, limit int) ([]event.Event, error) {
	events, err := mgr.Range(start, end, func(path string, offset int64) { reportCorruption(hub, path, offset) })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// TimelineBucket summarizes one minute of the retention window.
type TimelineBucket struct {
	BucketStartNs int64          `json:"bucket_start_ns"`
	CountByKind   map[string]int `json:"count_by_kind"`
	MeanCPUPct    float64        `json:"mean_cpu_pct"`
	MeanMemPct    float64        `json:"mean_mem_pct"`
}

const timelineBucketNs = int64(time.Minute)

type timelineAccum struct {
	counts         map[string]int
	cpuSum, memSum float64
	metricsN       int
}

// buildTimeline buckets every event across every segment into 1-minute
// windows. Buckets with no events are omitted, not zero-filled.
func buildTimeline(mgr *segment.Manager, hub *broadcast.Hub) ([]TimelineBucket, error) {
	infos, err := mgr.Enumerate()
	if err != nil {
		return nil, err
	}

	buckets := make(map[int64]*timelineAccum)
	for _, info := range infos {
		r, err := segment.Open(info.Path)
		if err != nil {
			continue
		}
		var seen int64
		if err := r.Iterate(func(e event.Event) bool {
			seen++
			idx := e.TimestampNs / timelineBucketNs
			b := buckets[idx]
			if b == nil {
				b = &timelineAccum{counts: make(map[string]int)}
				buckets[idx] = b
			}
			b.counts[e.Kind.String()]++
			if e.Kind == event.KindSystemMetrics {
				b.cpuSum += e.SystemMetrics.CPUTotalPct
				b.memSum += e.SystemMetrics.MemUsedPct
				b.metricsN++
			}
			return true
		}); err != nil {
			reportCorruption(hub, info.Path, seen)
		}
		r.Close()
	}

	idxs := make([]int64, 0, len(buckets))
	for idx := range buckets {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	out := make([]TimelineBucket, 0, len(idxs))
	for _, idx := range idxs {
		b := buckets[idx]
		tb := TimelineBucket{BucketStartNs: idx * timelineBucketNs, CountByKind: b.counts}
		if b.metricsN > 0 {
			tb.MeanCPUPct = b.cpuSum / float64(b.metricsN)
			tb.MeanMemPct = b.memSum / float64(b.metricsN)
		}
		out = append(out, tb)
	}
	return out, nil
}
