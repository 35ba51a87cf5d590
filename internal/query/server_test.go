package query

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blackbox-rec/blackboxd/internal/broadcast"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/segment"
)

type fakeDropped struct{ n, count int64 }

func (f fakeDropped) DroppedEvents() int64 { return f.n }
func (f fakeDropped) EventCount() int64    { return f.count }

func TestHandleHealth(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	s := NewServer(NewMirror(), mgr, fakeDropped{n: 3, count: 42}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "ok", got.Status)
	require.Equal(t, int64(3), got.DroppedEvents)
	require.Equal(t, int64(42), got.EventCount)
	require.Equal(t, int64(100<<20), got.StorageBytesMax)
	require.Zero(t, got.StorageBytesUsed)
	require.NotZero(t, got.TimestampNs)
}

func TestHandleHealth_Degraded(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), nil, func() bool { return true }, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var got HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.True(t, got.Degraded)
	require.Equal(t, "degraded", got.Status)
}

func TestHandleEvents(t *testing.T) {
	mirror := NewMirror()
	// The mirror keeps the last 5 minutes of wall-clock time, so the event
	// carries a current timestamp.
	mirror.Add(event.Event{TimestampNs: time.Now().UnixNano(), Kind: event.KindSystemInfo, SystemInfo: &event.SystemInfo{Hostname: "h"}})

	mgr := segment.NewManager(t.TempDir())
	s := NewServer(mirror, mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []event.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
}

func TestHandleInitialState_ReturnsFlatSystemMetrics(t *testing.T) {
	mirror := NewMirror()
	mirror.Add(event.Event{
		TimestampNs:   1,
		Kind:          event.KindSystemMetrics,
		SystemMetrics: &event.SystemMetrics{CPUTotalPct: 42},
	})
	// A later, non-metrics event must not shadow the latest metrics sample.
	mirror.Add(event.Event{TimestampNs: 2, Kind: event.KindSystemInfo, SystemInfo: &event.SystemInfo{Hostname: "h"}})

	mgr := segment.NewManager(t.TempDir())
	s := NewServer(mirror, mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/initial-state", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got event.SystemMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, 42.0, got.CPUTotalPct)
}

func TestHandlePlaybackInfo_EmptyDir(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/playback/info", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got PlaybackInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Zero(t, got.SegmentCount)
}

func TestHandleTimeline_EmptyDir(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/timeline", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []TimelineBucket
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Empty(t, got)
}

func TestHandlePlaybackEvents_MissingParams(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/playback/events", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var got apiError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "invalid_parameter", got.Error)
}

func TestHandlePlaybackEvents_CountMode(t *testing.T) {
	dir := t.TempDir()
	w, err := segment.NewWriter(dir, 8*1024*1024)
	require.NoError(t, err)
	for ts := int64(1000); ts <= 1119; ts++ {
		require.NoError(t, w.Append(event.Event{
			TimestampNs:   ts,
			Kind:          event.KindSystemMetrics,
			SystemMetrics: &event.SystemMetrics{CPUTotalPct: 1},
		}))
	}
	require.NoError(t, w.Close())

	mgr := segment.NewManager(dir)
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), nil, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/playback/events?timestamp=1100&count=10&before=true", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []event.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 10)
	require.Equal(t, int64(1090), got[0].TimestampNs)
	require.Equal(t, int64(1099), got[len(got)-1].TimestampNs)
}

func TestAuthMiddlewareApplied(t *testing.T) {
	mgr := segment.NewManager(t.TempDir())
	denyAll := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
	s := NewServer(NewMirror(), mgr, fakeDropped{}, broadcast.New(), denyAll, nil, 100<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// /health is never gated by auth.
	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}
