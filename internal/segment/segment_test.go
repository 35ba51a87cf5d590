package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/logger"
)

func init() {
	_ = logger.Init("error", "")
}

func sampleEvent(ts int64) event.Event {
	return event.Event{
		TimestampNs: ts,
		Kind:        event.KindSystemInfo,
		SystemInfo:  &event.SystemInfo{Kernel: "test", Hostname: "h"},
	}
}

func TestWriter_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, w.Append(sampleEvent(1000+i)))
	}
	active := w.ActivePath()
	require.NoError(t, w.Close())

	r, err := Open(active)
	require.NoError(t, err)
	defer r.Close()

	var got []event.Event
	require.NoError(t, r.Iterate(func(e event.Event) bool {
		got = append(got, e)
		return true
	}))
	require.Len(t, got, 5)
	require.Equal(t, int64(1000), got[0].TimestampNs)
	require.Equal(t, int64(1004), got[4].TimestampNs)
}

func TestWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, headerSize+2*recordHdrSize+64) // room for one sampleEvent record per segment
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(sampleEvent(int64(i))))
	}
	require.NoError(t, w.Close())

	mgr := NewManager(dir)
	infos, err := mgr.Enumerate()
	require.NoError(t, err)
	require.Greater(t, len(infos), 1, "expected rotation to produce multiple segments")
}

func TestWriter_ResumesExistingActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleEvent(1)))
	path := w.ActivePath()
	require.NoError(t, w.Close())

	w2, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	require.Equal(t, path, w2.ActivePath())
	require.NoError(t, w2.Append(sampleEvent(2)))
	require.NoError(t, w2.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	var count int
	require.NoError(t, r.Iterate(func(event.Event) bool { count++; return true }))
	require.Equal(t, 2, count)
}

func TestReader_StopsQuietlyOnTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	require.NoError(t, w.Append(sampleEvent(1)))
	require.NoError(t, w.Append(sampleEvent(2)))
	path := w.ActivePath()
	require.NoError(t, w.Close())

	// Truncate off the last few bytes to simulate a torn write.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var count int
	require.NoError(t, r.Iterate(func(event.Event) bool { count++; return true }))
	require.Equal(t, 1, count, "torn trailing record must be dropped, not erred")
}

func TestWriter_RecoversFromTornWriteOnRestart(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	for i := int64(0); i < 100; i++ {
		require.NoError(t, w.Append(sampleEvent(i)))
	}
	path := w.ActivePath()
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-7))

	w2, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	require.Equal(t, path, w2.ActivePath())

	r, err := Open(path)
	require.NoError(t, err)
	var count int
	require.NoError(t, r.Iterate(func(event.Event) bool { count++; return true }))
	require.NoError(t, r.Close())
	require.Equal(t, 99, count, "the torn trailing record must be dropped on recovery")

	require.NoError(t, w2.Append(sampleEvent(99)))
	require.NoError(t, w2.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()
	count = 0
	require.NoError(t, r.Iterate(func(event.Event) bool { count++; return true }))
	require.Equal(t, 100, count, "append after recovery must succeed immediately after record 99")
}

func TestManager_EvictUntil_NeverTouchesActive(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, headerSize+1*recordHdrSize+16)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(sampleEvent(int64(i))))
	}
	active := w.ActivePath()

	mgr := NewManager(dir)
	_, _, err = mgr.EvictUntil(1, active) // pathologically small budget
	require.NoError(t, err)

	require.NoError(t, w.Close())
	_, err = os.Stat(active)
	require.NoError(t, err, "active segment must survive eviction")
}

func TestWriter_EvictsOnRotationWhenOverBudget(t *testing.T) {
	dir := t.TempDir()
	segMax := int64(headerSize + 2*recordHdrSize + 64)
	w, err := NewWriter(dir, segMax)
	require.NoError(t, err)

	mgr := NewManager(dir)
	w.SetRetention(mgr, 2*segMax)

	for i := 0; i < 30; i++ {
		require.NoError(t, w.Append(sampleEvent(int64(i))))

		infos, err := mgr.Enumerate()
		require.NoError(t, err)
		var sealed int64
		for _, info := range infos {
			if info.Path != w.ActivePath() {
				sealed += info.SizeBytes
			}
		}
		require.LessOrEqual(t, sealed, 2*segMax,
			"sealed bytes must stay within budget immediately after every append")
	}

	require.NoError(t, w.Close())

	// The survivors are the newest segments; everything older was evicted
	// at rotation time, oldest first.
	infos, err := mgr.Enumerate()
	require.NoError(t, err)
	for i := 1; i < len(infos); i++ {
		require.Greater(t, infos[i].TimestampNs, infos[i-1].TimestampNs)
	}
	require.LessOrEqual(t, len(infos), 4, "sealed segments within budget plus one active")
}

func TestManager_EvictUntil_RemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, headerSize+1*recordHdrSize+16)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.NoError(t, w.Append(sampleEvent(int64(i))))
	}
	active := w.ActivePath()
	defer w.Close()

	mgr := NewManager(dir)
	before, err := mgr.Enumerate()
	require.NoError(t, err)
	require.Greater(t, len(before), 2)

	budget := before[len(before)-1].SizeBytes + before[len(before)-2].SizeBytes
	evicted, _, err := mgr.EvictUntil(budget, active)
	require.NoError(t, err)
	require.Greater(t, evicted, 0)

	after, err := mgr.Enumerate()
	require.NoError(t, err)
	// Survivors must be the newest segments: the lowest-named (oldest)
	// files go first.
	require.Equal(t, before[len(before)-len(after):], after)
}

func TestManager_Range(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20)
	require.NoError(t, err)
	// Events are stamped after the segment's creation time, as in the
	// pipeline, since Range takes a segment's start from its file name.
	base := time.Now().UnixNano()
	for i := int64(0); i < 10; i++ {
		require.NoError(t, w.Append(sampleEvent(base + i*100)))
	}
	require.NoError(t, w.Close())

	mgr := NewManager(dir)
	got, err := mgr.Range(base+250, base+650)
	require.NoError(t, err)
	require.Len(t, got, 4) // base+300, +400, +500, +600
}

func TestParseSegmentTimestamp(t *testing.T) {
	ts, ok := ParseSegmentTimestamp("segment-1700000000123456789.bb")
	require.True(t, ok)
	require.Equal(t, int64(1700000000123456789), ts)

	_, ok = ParseSegmentTimestamp("not-a-segment.txt")
	require.False(t, ok)
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-1.bb")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 0}, 0644))

	_, err := Open(path)
	require.Error(t, err)
}
