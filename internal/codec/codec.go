// Package codec implements the deterministic, bit-exact binary encoding of
// event.Event values used both on disk and over the wire. Encoding is
// hand-written per variant rather than reflection-based or JSON:
// JSON's map/float formatting isn't bit-exact across encode/decode round
// trips, which the segment format's corruption detection depends on.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/blackbox-rec/blackboxd/internal/event"
)

// ErrTruncated is returned when the input ends before a complete Event could
// be decoded. segment.Reader.Iterate returns it, like any other decode
// failure, as a corruption error; segment recovery on restart truncates the
// file before the record that produced it.
var ErrTruncated = errors.New("codec: truncated input")

// Encode serializes an Event to its deterministic little-endian byte form.
func Encode(e event.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := &writer{buf: &buf}

	w.u64(uint64(e.TimestampNs))
	w.u32(uint32(e.Kind))

	switch e.Kind {
	case event.KindSystemMetrics:
		w.systemMetrics(e.SystemMetrics)
	case event.KindProcessEvent:
		w.processEvent(e.ProcessEvent)
	case event.KindProcessTopSnapshot:
		w.processTop(e.ProcessTop)
	case event.KindSecurityEvent:
		w.securityEvent(e.SecurityEvent)
	case event.KindFileSystemEvent:
		w.fileSystemEvent(e.FileSystemEvent)
	case event.KindAnomalyEvent:
		w.anomalyEvent(e.AnomalyEvent)
	case event.KindSystemInfo:
		w.systemInfo(e.SystemInfo)
	case event.KindCorruptionWarning:
		w.corruptionWarning(e.CorruptionWarning)
	case event.KindLag:
		w.lag(e.Lag)
	default:
		return nil, fmt.Errorf("codec: unknown event kind %d", e.Kind)
	}

	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

// Decode parses a single Event from b. It returns ErrTruncated if b does not
// hold a complete record.
func Decode(b []byte) (event.Event, error) {
	r := &reader{buf: bytes.NewReader(b)}

	ts := r.u64()
	kind := event.Kind(r.u32())
	e := event.Event{TimestampNs: int64(ts), Kind: kind}

	switch kind {
	case event.KindSystemMetrics:
		e.SystemMetrics = r.systemMetrics()
	case event.KindProcessEvent:
		e.ProcessEvent = r.processEvent()
	case event.KindProcessTopSnapshot:
		e.ProcessTop = r.processTop()
	case event.KindSecurityEvent:
		e.SecurityEvent = r.securityEvent()
	case event.KindFileSystemEvent:
		e.FileSystemEvent = r.fileSystemEvent()
	case event.KindAnomalyEvent:
		e.AnomalyEvent = r.anomalyEvent()
	case event.KindSystemInfo:
		e.SystemInfo = r.systemInfo()
	case event.KindCorruptionWarning:
		e.CorruptionWarning = r.corruptionWarning()
	case event.KindLag:
		e.Lag = r.lag()
	default:
		return event.Event{}, fmt.Errorf("codec: unknown event kind %d", kind)
	}

	if r.err != nil {
		return event.Event{}, r.err
	}
	return e, nil
}

// --- writer -----------------------------------------------------------

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u32(v uint32) { binary.Write(w.buf, binary.LittleEndian, v) }
func (w *writer) u64(v uint64) { binary.Write(w.buf, binary.LittleEndian, v) }
func (w *writer) i32(v int32)  { binary.Write(w.buf, binary.LittleEndian, v) }
func (w *writer) f64(v float64) {
	binary.Write(w.buf, binary.LittleEndian, math.Float64bits(v))
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// optStr writes a one-byte presence tag followed by the string when present.
func (w *writer) optStr(s *string) {
	if s == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.str(*s)
}

func (w *writer) optU64(v *uint64) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u64(*v)
}

func (w *writer) optI32(v *int32) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.i32(*v)
}

func (w *writer) strMap(m map[string]string) {
	w.u64(uint64(len(m)))
	for _, k := range sortedStrKeys(m) {
		w.str(k)
		w.str(m[k])
	}
}

func (w *writer) f64Map(m map[string]float64) {
	w.u64(uint64(len(m)))
	for _, k := range sortedFloatKeys(m) {
		w.str(k)
		w.f64(m[k])
	}
}

func (w *writer) u64Map(m event.TCPStateCounts) {
	w.u64(uint64(len(m)))
	for _, k := range sortedCountKeys(m) {
		w.str(k)
		w.u64(m[k])
	}
}

func (w *writer) systemMetrics(m *event.SystemMetrics) {
	w.f64(m.CPUTotalPct)
	w.u64(uint64(len(m.CPUPerCorePct)))
	for _, v := range m.CPUPerCorePct {
		w.f64(v)
	}

	w.u64(m.MemUsedBytes)
	w.u64(m.MemFreeBytes)
	w.u64(m.MemCachedBytes)
	w.f64(m.MemUsedPct)

	w.u64(m.SwapUsedBytes)
	w.f64(m.SwapUsedPct)

	w.f64(m.Load1)
	w.f64(m.Load5)
	w.f64(m.Load15)

	w.u64(uint64(len(m.Disks)))
	for _, d := range m.Disks {
		w.str(d.Device)
		w.str(d.MountPoint)
		w.f64(d.UsedPct)
		w.f64(d.ReadBytesSec)
		w.f64(d.WriteBytesSec)
		w.f64(d.QueueDepth)
	}

	w.u64(uint64(len(m.Net)))
	for _, n := range m.Net {
		w.str(n.Name)
		w.f64(n.RxBytesSec)
		w.f64(n.TxBytesSec)
		w.u64(n.RxErrors)
		w.u64(n.TxErrors)
		w.u64(n.RxDrops)
		w.u64(n.TxDrops)
	}

	w.u64Map(m.TCPConnCounts)

	w.f64(m.CtxSwitchesPerSec)
	w.u64(m.UptimeSeconds)

	w.f64Map(m.TemperaturesC)
	w.f64Map(m.GPU)
}

func (w *writer) processEvent(p *event.ProcessEvent) {
	w.u32(uint32(p.Kind))
	w.i32(p.PID)
	w.i32(p.PPID)
	w.u32(p.UID)
	w.str(p.User)
	w.str(p.Cmdline)
	w.str(p.Cwd)
	w.i32(p.Threads)
	w.u64(p.RSSKb)
	w.f64(p.CPUPct)
	w.optI32(p.ExitCode)
}

func (w *writer) processSample(s event.ProcessSample) {
	w.i32(s.PID)
	w.str(s.User)
	w.str(s.Cmdline)
	w.f64(s.CPUPct)
	w.u64(s.RSSKb)
}

func (w *writer) processTop(t *event.ProcessTopSnapshot) {
	w.u64(uint64(len(t.TopByCPU)))
	for _, s := range t.TopByCPU {
		w.processSample(s)
	}
	w.u64(uint64(len(t.TopByRSS)))
	for _, s := range t.TopByRSS {
		w.processSample(s)
	}
}

func (w *writer) securityEvent(s *event.SecurityEvent) {
	w.u32(uint32(s.Kind))
	w.strMap(s.Details)
}

func (w *writer) fileSystemEvent(f *event.FileSystemEvent) {
	w.u32(uint32(f.Kind))
	w.str(f.Path)
	w.optU64(f.Size)
}

func (w *writer) anomalyEvent(a *event.AnomalyEvent) {
	w.u32(uint32(a.Kind))
	w.u32(uint32(a.Severity))
	w.f64(a.Value)
	w.f64(a.Threshold)
}

func (w *writer) systemInfo(s *event.SystemInfo) {
	w.str(s.Kernel)
	w.str(s.CPUModel)
	w.i32(s.CPUCores)
	w.u64(s.MemTotalBytes)
	w.str(s.Hostname)
	w.str(s.Architecture)
}

func (w *writer) corruptionWarning(c *event.CorruptionWarning) {
	w.str(c.SegmentPath)
	w.u64(uint64(c.Offset))
}

func (w *writer) lag(l *event.Lag) {
	w.u32(uint32(l.Count))
}

// --- reader -----------------------------------------------------------

type reader struct {
	buf *bytes.Reader
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.buf.Len() < n {
		r.fail(ErrTruncated)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	b, _ := r.buf.ReadByte()
	return b
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	var v uint32
	binary.Read(r.buf, binary.LittleEndian, &v)
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	var v uint64
	binary.Read(r.buf, binary.LittleEndian, &v)
	return v
}

func (r *reader) i32() int32 {
	if !r.need(4) {
		return 0
	}
	var v int32
	binary.Read(r.buf, binary.LittleEndian, &v)
	return v
}

func (r *reader) f64() float64 {
	bits := r.u64()
	return math.Float64frombits(bits)
}

func (r *reader) str() string {
	n := r.u32()
	if !r.need(int(n)) {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		r.fail(ErrTruncated)
		return ""
	}
	return string(b)
}

func (r *reader) optStr() *string {
	if r.u8() == 0 {
		return nil
	}
	s := r.str()
	return &s
}

func (r *reader) optU64() *uint64 {
	if r.u8() == 0 {
		return nil
	}
	v := r.u64()
	return &v
}

func (r *reader) optI32() *int32 {
	if r.u8() == 0 {
		return nil
	}
	v := r.i32()
	return &v
}

func (r *reader) strMap() map[string]string {
	n := r.u64()
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		k := r.str()
		v := r.str()
		m[k] = v
	}
	return m
}

func (r *reader) f64Map() map[string]float64 {
	n := r.u64()
	if n == 0 {
		return nil
	}
	m := make(map[string]float64, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		k := r.str()
		v := r.f64()
		m[k] = v
	}
	return m
}

func (r *reader) u64Map() event.TCPStateCounts {
	n := r.u64()
	if n == 0 {
		return nil
	}
	m := make(event.TCPStateCounts, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		k := r.str()
		v := r.u64()
		m[k] = v
	}
	return m
}

func (r *reader) systemMetrics() *event.SystemMetrics {
	m := &event.SystemMetrics{}
	m.CPUTotalPct = r.f64()
	if nc := r.u64(); nc > 0 {
		m.CPUPerCorePct = make([]float64, nc)
		for i := range m.CPUPerCorePct {
			m.CPUPerCorePct[i] = r.f64()
		}
	}

	m.MemUsedBytes = r.u64()
	m.MemFreeBytes = r.u64()
	m.MemCachedBytes = r.u64()
	m.MemUsedPct = r.f64()

	m.SwapUsedBytes = r.u64()
	m.SwapUsedPct = r.f64()

	m.Load1 = r.f64()
	m.Load5 = r.f64()
	m.Load15 = r.f64()

	nd := r.u64()
	if nd > 0 {
		m.Disks = make([]event.DiskMetrics, nd)
	}
	for i := range m.Disks {
		m.Disks[i] = event.DiskMetrics{
			Device:        r.str(),
			MountPoint:    r.str(),
			UsedPct:       r.f64(),
			ReadBytesSec:  r.f64(),
			WriteBytesSec: r.f64(),
			QueueDepth:    r.f64(),
		}
	}

	nn := r.u64()
	if nn > 0 {
		m.Net = make([]event.NetIfaceMetrics, nn)
	}
	for i := range m.Net {
		m.Net[i] = event.NetIfaceMetrics{
			Name:       r.str(),
			RxBytesSec: r.f64(),
			TxBytesSec: r.f64(),
			RxErrors:   r.u64(),
			TxErrors:   r.u64(),
			RxDrops:    r.u64(),
			TxDrops:    r.u64(),
		}
	}

	m.TCPConnCounts = r.u64Map()

	m.CtxSwitchesPerSec = r.f64()
	m.UptimeSeconds = r.u64()

	m.TemperaturesC = r.f64Map()
	m.GPU = r.f64Map()

	return m
}

func (r *reader) processEvent() *event.ProcessEvent {
	p := &event.ProcessEvent{}
	p.Kind = event.ProcessEventKind(r.u32())
	p.PID = r.i32()
	p.PPID = r.i32()
	p.UID = r.u32()
	p.User = r.str()
	p.Cmdline = r.str()
	p.Cwd = r.str()
	p.Threads = r.i32()
	p.RSSKb = r.u64()
	p.CPUPct = r.f64()
	p.ExitCode = r.optI32()
	return p
}

func (r *reader) processSample() event.ProcessSample {
	return event.ProcessSample{
		PID:     r.i32(),
		User:    r.str(),
		Cmdline: r.str(),
		CPUPct:  r.f64(),
		RSSKb:   r.u64(),
	}
}

func (r *reader) processTop() *event.ProcessTopSnapshot {
	t := &event.ProcessTopSnapshot{}
	if nc := r.u64(); nc > 0 {
		t.TopByCPU = make([]event.ProcessSample, nc)
		for i := range t.TopByCPU {
			t.TopByCPU[i] = r.processSample()
		}
	}
	if nr := r.u64(); nr > 0 {
		t.TopByRSS = make([]event.ProcessSample, nr)
		for i := range t.TopByRSS {
			t.TopByRSS[i] = r.processSample()
		}
	}
	return t
}

func (r *reader) securityEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		Kind:    event.SecurityEventKind(r.u32()),
		Details: r.strMap(),
	}
}

func (r *reader) fileSystemEvent() *event.FileSystemEvent {
	return &event.FileSystemEvent{
		Kind: event.FileSystemEventKind(r.u32()),
		Path: r.str(),
		Size: r.optU64(),
	}
}

func (r *reader) anomalyEvent() *event.AnomalyEvent {
	return &event.AnomalyEvent{
		Kind:      event.AnomalyKind(r.u32()),
		Severity:  event.Severity(r.u32()),
		Value:     r.f64(),
		Threshold: r.f64(),
	}
}

func (r *reader) systemInfo() *event.SystemInfo {
	return &event.SystemInfo{
		Kernel:        r.str(),
		CPUModel:      r.str(),
		CPUCores:      r.i32(),
		MemTotalBytes: r.u64(),
		Hostname:      r.str(),
		Architecture:  r.str(),
	}
}

func (r *reader) corruptionWarning() *event.CorruptionWarning {
	return &event.CorruptionWarning{
		SegmentPath: r.str(),
		Offset:      int64(r.u64()),
	}
}

func (r *reader) lag() *event.Lag {
	return &event.Lag{Count: int(r.u32())}
}

// sortedStrKeys, sortedFloatKeys and sortedCountKeys impose a deterministic
// key order on the codec's maps. Go's native map iteration order is
// randomized per process, which would break the bit-exact encoding the
// segment format requires.
func sortedStrKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCountKeys(m event.TCPStateCounts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
