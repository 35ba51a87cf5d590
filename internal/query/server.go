// Package query serves the HTTP and WebSocket surface:
// a rolling live mirror for /api/events, segment-backed playback and
// timeline range queries, and a /ws stream fed by the broadcast hub.
package query

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackbox-rec/blackboxd/internal/broadcast"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/logger"
	"github.com/blackbox-rec/blackboxd/internal/segment"
)

// HealthStatus backs GET /health.
type HealthStatus struct {
	Status           string  `json:"status"`
	Degraded         bool    `json:"degraded"`
	DroppedEvents    int64   `json:"dropped_events"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	EventCount       int64   `json:"event_count"`
	StorageBytesUsed int64   `json:"storage_bytes_used"`
	StorageBytesMax  int64   `json:"storage_bytes_max"`
	StoragePercent   float64 `json:"storage_percent"`
	TimestampNs      int64   `json:"timestamp"`
}

// WriterStats is satisfied by segment.Writer.
type WriterStats interface {
	DroppedEvents() int64
	EventCount() int64
}

// Server wires the query engine's dependencies into an http.Handler.
type Server struct {
	mux *http.ServeMux

	mirror  *Mirror
	manager *segment.Manager
	writer  WriterStats
	hub     *broadcast.Hub
	limiter *ipRateLimiter
	auth    func(http.Handler) http.Handler

	maxStorageBytes int64
	startedAt       time.Time
	degraded        func() bool
}

// NewServer builds a Server. auth may be nil to disable authentication.
func NewServer(mirror *Mirror, manager *segment.Manager, writer WriterStats, hub *broadcast.Hub, auth func(http.Handler) http.Handler, degraded func() bool, maxStorageBytes int64) *Server {
	s := &Server{
		mux:             http.NewServeMux(),
		mirror:          mirror,
		manager:         manager,
		writer:          writer,
		hub:             hub,
		limiter:         newIPRateLimiter(5, 10),
		auth:            auth,
		maxStorageBytes: maxStorageBytes,
		startedAt:       time.Now(),
		degraded:        degraded,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.withAuth(s.handleEvents))
	s.mux.HandleFunc("GET /api/initial-state", s.withAuth(s.handleInitialState))
	s.mux.HandleFunc("GET /api/playback/info", s.withAuth(s.handlePlaybackInfo))
	s.mux.HandleFunc("GET /api/playback/events", s.withAuth(s.withRateLimit(s.handlePlaybackEvents)))
	s.mux.HandleFunc("GET /api/timeline", s.withAuth(s.withRateLimit(s.handleTimeline)))
	s.mux.HandleFunc("GET /ws", s.withAuth(s.handleWS))
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return h
	}
	wrapped := s.auth(h)
	return wrapped.ServeHTTP
}

func (s *Server) withRateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Component("query").Warn("write json response failed", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.degraded != nil && s.degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}

	used, err := s.manager.TotalSize()
	if err != nil {
		used = 0
	}
	var pct float64
	if s.maxStorageBytes > 0 {
		pct = 100 * float64(used) / float64(s.maxStorageBytes)
	}

	writeJSON(w, HealthStatus{
		Status:           status,
		Degraded:         degraded,
		DroppedEvents:    s.writer.DroppedEvents(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		EventCount:       s.writer.EventCount(),
		StorageBytesUsed: used,
		StorageBytesMax:  s.maxStorageBytes,
		StoragePercent:   pct,
		TimestampNs:      time.Now().UnixNano(),
	})
}

// apiError is the stable error-kind shape for 4xx/5xx responses.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: kind, Message: message})
}

// handleEvents serves the last <=1000 mirrored events, applying the
// server-side `type` (case-insensitive Kind name match) and `filter` (substring over the
// canonical JSON form) query filters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.mirror.Recent()

	typeFilter := r.URL.Query().Get("type")
	substr := r.URL.Query().Get("filter")
	if typeFilter == "" && substr == "" {
		writeJSON(w, events)
		return
	}

	filtered := make([]event.Event, 0, len(events))
	for _, e := range events {
		if typeFilter != "" && !strings.EqualFold(e.Kind.String(), typeFilter) {
			continue
		}
		if substr != "" {
			data, err := json.Marshal(e)
			if err != nil || !strings.Contains(string(data), substr) {
				continue
			}
		}
		filtered = append(filtered, e)
	}
	writeJSON(w, filtered)
}

func (s *Server) handleInitialState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mirror.Snapshot())
}

// handlePlaybackInfo reports retention-window bounds and segment stats.
func (s *Server) handlePlaybackInfo(w http.ResponseWriter, r *http.Request) {
	info, err := buildPlaybackInfo(s.manager)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "playback_info_failed", err.Error())
		return
	}
	writeJSON(w, info)
}

// handlePlaybackEvents implements both playback query modes:
// count mode (`timestamp`, `count`, `before`) and range mode (`start`, `end`,
// `limit`). A present `timestamp` selects count mode and any start/end are
// ignored; otherwise start/end select range mode; with neither, 400.
func (s *Server) handlePlaybackEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if ts := q.Get("timestamp"); ts != "" {
		timestamp, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "timestamp must be an integer nanosecond value")
			return
		}
		count := 100
		if c := q.Get("count"); c != "" {
			n, err := strconv.Atoi(c)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_parameter", "count must be a positive integer")
				return
			}
			count = n
		}
		before := q.Get("before") == "true"
		events, err := playbackCount(s.manager, s.hub, timestamp, count, before)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "playback_query_failed", err.Error())
			return
		}
		writeJSON(w, events)
		return
	}

	if q.Get("start") != "" || q.Get("end") != "" {
		start, errStart := strconv.ParseInt(q.Get("start"), 10, 64)
		end, errEnd := strconv.ParseInt(q.Get("end"), 10, 64)
		if errStart != nil || errEnd != nil {
			writeError(w, http.StatusBadRequest, "invalid_parameter", "start and end must be integer nanosecond values")
			return
		}
		limit := 0
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_parameter", "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		events, err := playbackRange(s.manager, s.hub, start, end, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "playback_query_failed", err.Error())
			return
		}
		writeJSON(w, events)
		return
	}

	writeError(w, http.StatusBadRequest, "invalid_parameter", "require either timestamp or start/end")
}

// handleTimeline serves 1-minute bucketed summaries over the full retention
// window.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	buckets, err := buildTimeline(s.manager, s.hub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "timeline_failed", err.Error())
		return
	}
	writeJSON(w, buckets)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ipRateLimiter applies per-client-IP throttling to the heavier playback and
// timeline endpoints.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPRateLimiter(reqPerSec float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(reqPerSec),
		burst:    burst,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
