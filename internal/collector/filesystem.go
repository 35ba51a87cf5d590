package collector

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
	"github.com/blackbox-rec/blackboxd/internal/logger"
)

// debounceWindow collapses a burst of writes to the same path into a single
// FileSystemEvent.
const debounceWindow = time.Second

type pendingChange struct {
	kind event.FileSystemEventKind
	at   time.Time
}

// FilesystemCollector watches a configured set of paths with fsnotify and
// debounces bursts of events per path before emitting them.
type FilesystemCollector struct {
	watcher *fsnotify.Watcher
	log     interface {
		Warn(msg string, args ...any)
	}

	mu      sync.Mutex
	pending map[string]pendingChange
}

// NewFilesystemCollector creates a watcher on the given paths. Paths that
// don't exist or can't be watched are logged and skipped, not fatal.
func NewFilesystemCollector(paths []string) (*FilesystemCollector, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	log := logger.Component("collector.filesystem")

	fc := &FilesystemCollector{watcher: w, log: log, pending: make(map[string]pendingChange)}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			log.Warn("cannot watch path", "path", p, "err", err)
		}
	}

	go fc.consume()
	return fc, nil
}

func (fc *FilesystemCollector) consume() {
	for {
		select {
		case ev, ok := <-fc.watcher.Events:
			if !ok {
				return
			}
			fc.record(ev)
		case err, ok := <-fc.watcher.Errors:
			if !ok {
				return
			}
			fc.log.Warn("fsnotify error", "err", err)
		}
	}
}

func (fc *FilesystemCollector) record(ev fsnotify.Event) {
	var kind event.FileSystemEventKind
	switch {
	case ev.Has(fsnotify.Create):
		kind = event.FSCreated
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = event.FSDeleted
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		kind = event.FSModified
	default:
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.pending[ev.Name] = pendingChange{kind: kind, at: time.Now()}
}

func (fc *FilesystemCollector) Name() string { return "filesystem" }

// Collect flushes any pending change whose debounce window has elapsed.
// Paths that keep changing stay pending across ticks until they go quiet.
func (fc *FilesystemCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var events []event.Event
	now := time.Now()
	for path, change := range fc.pending {
		if now.Sub(change.at) < debounceWindow {
			continue
		}
		fse := &event.FileSystemEvent{Kind: change.kind, Path: path}
		if change.kind != event.FSDeleted {
			if info, err := os.Stat(path); err == nil {
				size := uint64(info.Size())
				fse.Size = &size
			}
		}
		events = append(events, event.Event{
			TimestampNs: tick.TimestampNs, Kind: event.KindFileSystemEvent, FileSystemEvent: fse,
		})
		delete(fc.pending, path)
	}
	return events, nil
}

// Close releases the underlying fsnotify watcher.
func (fc *FilesystemCollector) Close() error {
	return fc.watcher.Close()
}
