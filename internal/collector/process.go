package collector

import (
	"os"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

// clockTicksPerSec is fixed at 100 on every Linux the pipeline targets;
// reading it from sysconf would need cgo, so it is hardcoded like most
// /proc-parsing tools do.
const clockTicksPerSec = 100

type procSnapshot struct {
	ppid        int32
	uid         uint32
	user        string
	cmdline     string
	cwd         string
	threads     int32
	rssKb       uint64
	utime       uint64
	stime       uint64
	cpuPct         float64
	state          byte
	stuckTicks     int
	zombieReported bool
	lastSeen       time.Time
}

// ProcessCollector scans /proc/[pid] each tick, diffing against its previous
// snapshot to emit Start/Exit/Stuck/Zombie transitions. It keeps
// the live snapshot map that TopCollector reads without rescanning.
type ProcessCollector struct {
	mu       sync.Mutex
	procs    map[int32]*procSnapshot
	prevTime time.Time

	// stuckAfter is how many consecutive ticks a process may sit in
	// uninterruptible sleep (state D) before it's reported stuck.
	stuckAfter int
}

// NewProcessCollector constructs a ProcessCollector that reports a process
// stuck after 30 consecutive fast ticks (~30s) in uninterruptible sleep.
func NewProcessCollector() *ProcessCollector {
	return &ProcessCollector{
		procs:      make(map[int32]*procSnapshot),
		stuckAfter: 30,
	}
}

func (p *ProcessCollector) Name() string { return "process" }

func (p *ProcessCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.prevTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	p.prevTime = now

	pids, err := listPIDs()
	if err != nil {
		return nil, err
	}

	var events []event.Event
	seen := make(map[int32]bool, len(pids))

	for _, pid := range pids {
		seen[pid] = true
		stat, err := readProcStat(pid)
		if err != nil {
			continue
		}
		status := readProcStatus(pid)

		prev, existed := p.procs[pid]
		snap := &procSnapshot{
			ppid: stat.ppid, state: stat.state,
			utime: stat.utime, stime: stat.stime,
			threads: status.threads, rssKb: status.rssKb,
			uid: status.uid, user: lookupUser(status.uid),
			cmdline: readCmdline(pid), cwd: readCwd(pid),
			lastSeen: now,
		}

		if existed {
			dTicks := float64((snap.utime + snap.stime) - (prev.utime + prev.stime))
			snap.cpuPct = 100 * (dTicks / clockTicksPerSec) / elapsed
		}

		if !existed {
			events = append(events, event.Event{
				TimestampNs: tick.TimestampNs, Kind: event.KindProcessEvent,
				ProcessEvent: &event.ProcessEvent{
					Kind: event.ProcessStart, PID: pid, PPID: snap.ppid, UID: snap.uid,
					User: snap.user, Cmdline: snap.cmdline, Cwd: snap.cwd,
					Threads: snap.threads, RSSKb: snap.rssKb,
				},
			})
		}

		// Zombie is reported once per continuous Z-state period, not every
		// tick it persists.
		if stat.state == 'Z' {
			if existed {
				snap.zombieReported = prev.zombieReported
			}
			if !snap.zombieReported {
				snap.zombieReported = true
				events = append(events, event.Event{
					TimestampNs: tick.TimestampNs, Kind: event.KindProcessEvent,
					ProcessEvent: &event.ProcessEvent{
						Kind: event.ProcessZombie, PID: pid, PPID: snap.ppid, UID: snap.uid,
						User: snap.user, Cmdline: snap.cmdline,
					},
				})
			}
		}

		if stat.state == 'D' {
			if existed {
				snap.stuckTicks = prev.stuckTicks + 1
			} else {
				snap.stuckTicks = 1
			}
			if snap.stuckTicks == p.stuckAfter {
				events = append(events, event.Event{
					TimestampNs: tick.TimestampNs, Kind: event.KindProcessEvent,
					ProcessEvent: &event.ProcessEvent{
						Kind: event.ProcessStuck, PID: pid, PPID: snap.ppid, UID: snap.uid,
						User: snap.user, Cmdline: snap.cmdline,
					},
				})
			}
		}

		p.procs[pid] = snap
	}

	for pid, prev := range p.procs {
		if seen[pid] {
			continue
		}
		events = append(events, event.Event{
			TimestampNs: tick.TimestampNs, Kind: event.KindProcessEvent,
			ProcessEvent: &event.ProcessEvent{
				Kind: event.ProcessExit, PID: pid, PPID: prev.ppid, UID: prev.uid,
				User: prev.user, Cmdline: prev.cmdline,
			},
		})
		delete(p.procs, pid)
	}

	return events, nil
}

// Snapshot returns the current top-by-CPU and top-by-RSS process lists
// without rescanning /proc; TopCollector reads this shared state directly.
func (p *ProcessCollector) Snapshot() (byCPU, byRSS []event.ProcessSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]event.ProcessSample, 0, len(p.procs))
	for pid, s := range p.procs {
		all = append(all, event.ProcessSample{
			PID: pid, User: s.user, Cmdline: s.cmdline, CPUPct: s.cpuPct, RSSKb: s.rssKb,
		})
	}

	byCPU = append([]event.ProcessSample(nil), all...)
	sort.Slice(byCPU, func(i, j int) bool { return byCPU[i].CPUPct > byCPU[j].CPUPct })
	if len(byCPU) > 10 {
		byCPU = byCPU[:10]
	}

	byRSS = append([]event.ProcessSample(nil), all...)
	sort.Slice(byRSS, func(i, j int) bool { return byRSS[i].RSSKb > byRSS[j].RSSKb })
	if len(byRSS) > 10 {
		byRSS = byRSS[:10]
	}
	return byCPU, byRSS
}

// TotalThreads sums the thread count of every process currently tracked,
// feeding the anomaly detector's thread-leak ratio.
func (p *ProcessCollector) TotalThreads() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total int64
	for _, s := range p.procs {
		total += int64(s.threads)
	}
	return total
}

// TopCollector emits a ProcessTopSnapshot from ProcessCollector's shared
// in-memory state.
type TopCollector struct {
	procs *ProcessCollector
}

// NewTopCollector builds a TopCollector reading from procs.
func NewTopCollector(procs *ProcessCollector) *TopCollector {
	return &TopCollector{procs: procs}
}

func (t *TopCollector) Name() string { return "top" }

func (t *TopCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	byCPU, byRSS := t.procs.Snapshot()
	return []event.Event{{
		TimestampNs: tick.TimestampNs,
		Kind:        event.KindProcessTopSnapshot,
		ProcessTop:  &event.ProcessTopSnapshot{TopByCPU: byCPU, TopByRSS: byRSS},
	}}, nil
}

// --- /proc scanning helpers --------------------------------------------

func listPIDs() ([]int32, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}

type statFields struct {
	ppid        int32
	state       byte
	utime, stime uint64
}

// readProcStat parses /proc/[pid]/stat. The comm field (2nd) may contain
// spaces or parens, so it finds the command's closing paren first
// rather than blindly splitting on whitespace.
func readProcStat(pid int32) (statFields, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/stat")
	if err != nil {
		return statFields{}, err
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return statFields{}, os.ErrInvalid
	}
	rest := strings.Fields(s[close+2:])
	if len(rest) < 14 {
		return statFields{}, os.ErrInvalid
	}
	ppid, _ := strconv.ParseInt(rest[1], 10, 32)
	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	return statFields{ppid: int32(ppid), state: rest[0][0], utime: utime, stime: stime}, nil
}

type statusFields struct {
	uid     uint32
	threads int32
	rssKb   uint64
}

func readProcStatus(pid int32) statusFields {
	vals := parseKeyedFile("/proc/"+strconv.Itoa(int(pid))+"/status", ":")
	var sf statusFields
	sf.rssKb = vals["VmRSS"]
	sf.threads = int32(vals["Threads"])

	f, err := os.Open("/proc/" + strconv.Itoa(int(pid)) + "/status")
	if err == nil {
		defer f.Close()
		buf := make([]byte, 4096)
		n, _ := f.Read(buf)
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			if strings.HasPrefix(line, "Uid:") {
				fields := strings.Fields(line)
				if len(fields) > 1 {
					uid, _ := strconv.ParseUint(fields[1], 10, 32)
					sf.uid = uint32(uid)
				}
			}
		}
	}
	return sf
}

func readCmdline(pid int32) string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/cmdline")
	if err != nil || len(data) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
}

func readCwd(pid int32) string {
	link, err := os.Readlink("/proc/" + strconv.Itoa(int(pid)) + "/cwd")
	if err != nil {
		return ""
	}
	return link
}

var userCacheMu sync.Mutex
var userCache = make(map[uint32]string)

func lookupUser(uid uint32) string {
	userCacheMu.Lock()
	defer userCacheMu.Unlock()
	if name, ok := userCache[uid]; ok {
		return name
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	name := strconv.FormatUint(uint64(uid), 10)
	if err == nil {
		name = u.Username
	}
	userCache[uid] = name
	return name
}
