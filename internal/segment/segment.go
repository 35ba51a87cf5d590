// Package segment implements the on-disk segment format: an append-only log
// of encoded Events owned exclusively by a single Writer, rotated into
// sealed files and enumerated/evicted by a Manager, and read back by a
// Reader.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blackbox-rec/blackboxd/internal/codec"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/logger"
	"github.com/blackbox-rec/blackboxd/internal/protect"
)

// Magic is the fixed 4-byte header every segment file opens with.
const Magic uint32 = 0xBB10_0001

const (
	headerSize     = 4
	recordTSSize   = 16 // u128 LE
	recordLenSize  = 4  // u32 LE
	recordHdrSize  = recordTSSize + recordLenSize
	fsyncInterval  = time.Second
	segmentPrefix  = "segment-"
	segmentSuffix  = ".bb"
	recMax         = 1 << 20 // payload_len beyond this is treated as corruption
)

func segmentName(unixNanos int64) string {
	return fmt.Sprintf("%s%d%s", segmentPrefix, unixNanos, segmentSuffix)
}

// ParseSegmentTimestamp extracts the creation timestamp embedded in a segment
// file name, returning ok=false for anything that doesn't match the pattern.
func ParseSegmentTimestamp(name string) (int64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	ts, err := strconv.ParseInt(core, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Writer is the single owner of the active segment file. Only one Writer
// may exist per data directory; callers are responsible for enforcing that
// with an external lock if needed.
type Writer struct {
	dir      string
	maxBytes int64

	mu            sync.Mutex
	file          *os.File
	path          string
	size          int64
	lastFsync     time.Time
	droppedEvents atomic.Int64
	eventCount    atomic.Int64

	log       slogLogger
	protector *protect.Controller

	retention       *Manager
	maxStorageBytes int64
}

// slogLogger avoids importing log/slog directly in this file's signature so
// the package doesn't need to expose a *slog.Logger field; logger.Component
// already returns one.
type slogLogger = interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// NewWriter opens (creating if necessary) the active segment in dir. If a
// segment file already exists from a previous run it is treated as the
// active segment and appended to, rather than rotated immediately, so a
// restart never strands a partially filled segment.
func NewWriter(dir string, maxBytes int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("segment: create dir: %w", err)
	}

	w := &Writer{dir: dir, maxBytes: maxBytes, log: logger.Component("segment.writer")}

	existing, err := latestSegment(dir)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		if err := w.openExisting(existing); err != nil {
			return nil, err
		}
		return w, nil
	}

	if err := w.openNew(time.Now().UnixNano()); err != nil {
		return nil, err
	}
	return w, nil
}

func latestSegment(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	best := ""
	var bestTS int64 = -1
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ts, ok := ParseSegmentTimestamp(ent.Name())
		if !ok {
			continue
		}
		if ts > bestTS {
			bestTS = ts
			best = ent.Name()
		}
	}
	return best, nil
}

func (w *Writer) openNew(unixNanos int64) error {
	var f *os.File
	var path string
	for {
		path = filepath.Join(w.dir, segmentName(unixNanos))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if os.IsExist(err) {
			// Two rotations inside one clock tick collide on the name;
			// bump until it is unique so ordering by name still holds.
			unixNanos++
			continue
		}
		return fmt.Errorf("segment: create %s: %w", path, err)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], Magic)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return fmt.Errorf("segment: write header %s: %w", path, err)
	}
	w.file = f
	w.path = path
	w.size = headerSize
	w.lastFsync = time.Now()
	return nil
}

// openExisting reopens name as the active segment after a restart. The
// process may have crashed mid-append, so the file is first scanned for the
// last well-formed record boundary and truncated there before appending
// resumes. Otherwise a torn trailing write either gets misparsed as a bogus
// record header by later reads or silently shadows every record appended
// after it.
func (w *Writer) openExisting(name string) error {
	path := filepath.Join(w.dir, name)

	validSize, records, err := recoverValidSize(path)
	if err != nil {
		return fmt.Errorf("segment: recover %s: %w", path, err)
	}
	w.eventCount.Store(records)
	if err := os.Truncate(path, validSize); err != nil {
		return fmt.Errorf("segment: truncate %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("segment: reopen %s: %w", path, err)
	}
	w.file = f
	w.path = path
	w.size = validSize
	w.lastFsync = time.Now()
	return nil
}

// recoverValidSize validates path's magic and walks its records from the
// start, returning the byte offset immediately after the last well-formed
// record. A torn header, a torn payload, an oversized payload_len, or a
// payload that fails to decode all stop the walk at the offset reached so
// far rather than erroring: that tail is exactly what a crash mid-append
// looks like, and recovery truncates it rather than repairing it.
// The record count seeds the writer's cumulative event counter so /health
// doesn't reset to zero across a restart.
func recoverValidSize(path string) (size int64, records int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return 0, 0, fmt.Errorf("segment: read header %s: %w", path, err)
	}
	if binary.LittleEndian.Uint32(hdr[:]) != Magic {
		return 0, 0, fmt.Errorf("segment: bad magic in %s", path)
	}

	offset := int64(headerSize)
	for {
		_, payload, ok, err := readRecord(f)
		if err != nil || !ok {
			break
		}
		if _, err := codec.Decode(payload); err != nil {
			break
		}
		offset += int64(recordHdrSize) + int64(len(payload))
		records++
	}
	return offset, records, nil
}

// Append encodes e and writes it to the active segment, rotating first if the
// write would exceed maxBytes. A write error increments the dropped-event counter
// and is returned to the caller; it is not fatal to the process.
func (w *Writer) Append(e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := codec.Encode(e)
	if err != nil {
		w.droppedEvents.Add(1)
		return fmt.Errorf("segment: encode: %w", err)
	}
	if len(payload) > recMax {
		w.droppedEvents.Add(1)
		return fmt.Errorf("segment: payload %d bytes exceeds record limit", len(payload))
	}

	recordSize := int64(recordHdrSize + len(payload))
	if w.size+recordSize > w.maxBytes && w.size > headerSize {
		if err := w.rotateLocked(); err != nil {
			w.droppedEvents.Add(1)
			return err
		}
	}

	var hdr [recordHdrSize]byte
	putU128LE(hdr[:recordTSSize], e.TimestampNs)
	binary.LittleEndian.PutUint32(hdr[recordTSSize:], uint32(len(payload)))

	if _, err := w.file.Write(hdr[:]); err != nil {
		w.droppedEvents.Add(1)
		return fmt.Errorf("segment: write header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		w.droppedEvents.Add(1)
		return fmt.Errorf("segment: write payload: %w", err)
	}
	w.size += recordSize
	w.eventCount.Add(1)

	if time.Since(w.lastFsync) >= fsyncInterval {
		if err := w.file.Sync(); err != nil {
			w.log.Warn("segment fsync failed", "path", w.path, "err", err)
		}
		w.lastFsync = time.Now()
	}
	return nil
}

// putU128LE writes ns as a 128-bit little-endian integer; the high 64 bits
// are always zero since a nanosecond epoch timestamp fits in 64 bits until
// the year 2262.
func putU128LE(b []byte, ns int64) {
	binary.LittleEndian.PutUint64(b[:8], uint64(ns))
	binary.LittleEndian.PutUint64(b[8:16], 0)
}

func readU128LE(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b[:8]))
}

// DroppedEvents returns the running count of events that failed to persist.
func (w *Writer) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

// EventCount returns the cumulative count of events persisted by this
// writer, seeded from the recovered active segment's record count on
// startup.
func (w *Writer) EventCount() int64 {
	return w.eventCount.Load()
}

// SetProtector wires a protect.Controller that enforces append-only/immutable
// attributes on segments as they're sealed. Clearing them before eviction is
// done by the Manager's own protector (Manager.SetProtector). Nil (the
// default) disables enforcement on seal.
func (w *Writer) SetProtector(c *protect.Controller) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.protector = c
}

// SetRetention wires the ring-buffer manager and byte budget the writer
// sweeps against on every seal. Eviction runs on the writer's own goroutine
// as part of rotation, so the segment directory is only ever mutated from
// one place; nothing else may unlink segments while a Writer is live.
func (w *Writer) SetRetention(m *Manager, maxStorageBytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retention = m
	w.maxStorageBytes = maxStorageBytes
}

// ActivePath returns the path of the currently active (unsealed) segment.
func (w *Writer) ActivePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Rotate seals the active segment and opens a new one, unconditionally.
// Called at shutdown to seal the trailing segment, in addition to the
// size-triggered rotation inside Append.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Sync(); err != nil {
		w.log.Warn("segment fsync on rotate failed", "path", w.path, "err", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("segment: close sealed segment: %w", err)
	}
	if err := fsyncDir(w.dir); err != nil {
		w.log.Warn("segment directory fsync failed", "dir", w.dir, "err", err)
	}
	sealed := w.path
	w.log.Info("segment sealed", "path", sealed, "size", humanize.Bytes(uint64(w.size)))
	if w.protector != nil {
		if err := w.protector.Protect(sealed); err != nil {
			w.log.Warn("segment protection failed", "path", sealed, "err", err)
		}
	}
	if err := w.openNew(time.Now().UnixNano()); err != nil {
		return err
	}
	if w.retention != nil {
		if _, _, err := w.retention.EvictUntil(w.maxStorageBytes, w.path); err != nil {
			w.log.Warn("retention sweep on rotate failed", "err", err)
		}
	}
	return nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Close fsyncs the active segment and releases the file handle. It applies
// no protection attributes; Rotate is what seals a segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.log.Warn("segment fsync on close failed", "path", w.path, "err", err)
	}
	return w.file.Close()
}

// Reader sequentially decodes events from a single segment file.
type Reader struct {
	path string
	f    *os.File
}

// Open validates the segment's magic header and returns a Reader positioned
// at the first record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: read header %s: %w", path, err)
	}
	if binary.LittleEndian.Uint32(hdr[:]) != Magic {
		f.Close()
		return nil, fmt.Errorf("segment: bad magic in %s", path)
	}
	return &Reader{path: path, f: f}, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Iterate calls fn for each decoded event in order. It stops (without error)
// when it reaches EOF or a torn trailing record, since the active segment is
// expected to have a partial record at its tail while being written
// concurrently. A record that reads in full but fails to decode,
// or whose payload_len exceeds REC_MAX, is corruption rather than a torn
// write and is returned as an error so the caller can stop reading this
// segment and surface a warning. fn returning false stops
// iteration early.
func (r *Reader) Iterate(fn func(event.Event) bool) error {
	for {
		ts, payload, ok, err := readRecord(r.f)
		if err != nil {
			return fmt.Errorf("segment: read record: %w", err)
		}
		if !ok {
			return nil
		}

		e, err := codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("segment: decode record at ts=%d: %w", ts, err)
		}
		e.TimestampNs = ts

		if !fn(e) {
			return nil
		}
	}
}

// readRecord reads one (timestamp, payload) pair from f at its current
// offset. ok=false with a nil error means a clean stop point (EOF, a torn
// header, or a torn payload), which Iterate treats as "nothing more to
// read". A non-nil error means either a payload_len beyond REC_MAX
// (corruption, which Iterate reports) or a failed file read.
// recoverValidSize treats every ok=false result, error or not, as
// "truncate here".
func readRecord(f *os.File) (ts int64, payload []byte, ok bool, err error) {
	var hdr [recordHdrSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}

	ts = readU128LE(hdr[:recordTSSize])
	payloadLen := binary.LittleEndian.Uint32(hdr[recordTSSize:])
	if payloadLen > recMax {
		return 0, nil, false, fmt.Errorf("payload_len %d exceeds record limit", payloadLen)
	}

	payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return ts, payload, true, nil
}

// Manager enumerates, sizes, and evicts sealed segments in a data directory.
type Manager struct {
	dir string
	log slogLogger

	maxTSMu sync.Mutex
	maxTS   map[string]int64

	protector *protect.Controller
}

// NewManager constructs a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, log: logger.Component("segment.manager"), maxTS: make(map[string]int64)}
}

// SetProtector wires the same protect.Controller the Writer uses, so eviction
// can clear a sealed segment's append-only/immutable attributes before
// removing it.
func (m *Manager) SetProtector(c *protect.Controller) {
	m.protector = c
}

// Range decodes and returns every event with from <= TimestampNs <= to across
// the segments in the directory. A segment's minimum timestamp is taken from
// its file name, so segments created after `to` are not scanned, nor are
// events in them. Sealed segments' maximum timestamp is cached after first
// computation so a segment entirely before the query window can be skipped
// without reopening it.
func (m *Manager) Range(from, to int64, onCorruption ...func(path string, offset int64)) ([]event.Event, error) {
	infos, err := m.Enumerate()
	if err != nil {
		return nil, err
	}

	var out []event.Event
	for idx, info := range infos {
		if info.TimestampNs > to {
			break // segments are sorted oldest-first by creation time
		}
		if max, ok := m.cachedMaxTS(info.Path); ok && max < from {
			continue
		}

		r, err := Open(info.Path)
		if err != nil {
			m.log.Warn("range: open segment failed", "path", info.Path, "err", err)
			continue
		}

		var lastTS int64
		var seen int64
		err = r.Iterate(func(e event.Event) bool {
			seen++
			lastTS = e.TimestampNs
			if e.TimestampNs >= from && e.TimestampNs <= to {
				out = append(out, e)
			}
			return true
		})
		r.Close()
		if err != nil {
			m.log.Warn("range: iterate segment failed", "path", info.Path, "err", err)
			for _, hook := range onCorruption {
				hook(info.Path, seen)
			}
			continue
		}
		// The newest segment is the active one and may still grow, so only
		// sealed segments get their maximum timestamp cached.
		if idx < len(infos)-1 {
			m.setCachedMaxTS(info.Path, lastTS)
		}
	}
	return out, nil
}

func (m *Manager) cachedMaxTS(path string) (int64, bool) {
	m.maxTSMu.Lock()
	defer m.maxTSMu.Unlock()
	ts, ok := m.maxTS[path]
	return ts, ok
}

func (m *Manager) setCachedMaxTS(path string, ts int64) {
	m.maxTSMu.Lock()
	defer m.maxTSMu.Unlock()
	m.maxTS[path] = ts
}

// Info describes one segment file on disk.
type Info struct {
	Path        string
	Name        string
	TimestampNs int64
	SizeBytes   int64
}

// Enumerate lists every segment file in the directory, oldest first.
func (m *Manager) Enumerate() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []Info
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ts, ok := ParseSegmentTimestamp(ent.Name())
		if !ok {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:        filepath.Join(m.dir, ent.Name()),
			Name:        ent.Name(),
			TimestampNs: ts,
			SizeBytes:   fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TimestampNs < infos[j].TimestampNs })
	return infos, nil
}

// TotalSize returns the combined size in bytes of every segment on disk.
func (m *Manager) TotalSize() (int64, error) {
	infos, err := m.Enumerate()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, i := range infos {
		total += i.SizeBytes
	}
	return total, nil
}

// EvictUntil deletes the oldest sealed segments (never activePath) until the
// directory's total size is at or below maxBytes. It returns the count and
// total bytes freed.
func (m *Manager) EvictUntil(maxBytes int64, activePath string) (evicted int, freedBytes int64, err error) {
	infos, err := m.Enumerate()
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, i := range infos {
		total += i.SizeBytes
	}

	for _, i := range infos {
		if total <= maxBytes {
			break
		}
		if i.Path == activePath {
			continue
		}
		if m.protector != nil {
			if err := m.protector.Unprotect(i.Path); err != nil {
				m.log.Warn("evict: unprotect failed, segment will not be removed", "path", i.Path, "err", err)
				continue
			}
		}
		if err := os.Remove(i.Path); err != nil {
			m.log.Warn("evict: remove failed", "path", i.Path, "err", err)
			continue
		}
		total -= i.SizeBytes
		freedBytes += i.SizeBytes
		evicted++
	}

	if evicted > 0 {
		m.log.Info("evicted sealed segments", "count", evicted, "freed", humanize.Bytes(uint64(freedBytes)))
	}
	return evicted, freedBytes, nil
}
