package collector

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

type cpuCounters struct {
	user, nice, system, idle, iowait, irq, softirq uint64
}

func (c cpuCounters) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq
}

type diskCounters struct {
	readBytes, writeBytes uint64
}

type netCounters struct {
	rxBytes, txBytes, rxErrors, txErrors, rxDrops, txDrops uint64
}

// MetricsCollector samples whole-system resource usage from /proc and /sys.
// It keeps the previous tick's raw counters so it can emit rates rather than
// monotonically increasing totals.
type MetricsCollector struct {
	prevTotal   cpuCounters
	prevPerCore []cpuCounters
	prevTime    time.Time

	prevDisks map[string]diskCounters
	prevNet   map[string]netCounters

	prevCtxSwitches uint64
}

// NewMetricsCollector constructs a MetricsCollector ready to sample.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		prevDisks: make(map[string]diskCounters),
		prevNet:   make(map[string]netCounters),
	}
}

func (m *MetricsCollector) Name() string { return "metrics" }

func (m *MetricsCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	now := time.Now()
	elapsed := now.Sub(m.prevTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	sm := &event.SystemMetrics{}
	m.readCPU(sm)
	m.readMem(sm)
	m.readLoad(sm)
	m.readDisks(sm, elapsed)
	m.readNet(sm, elapsed)
	m.readTCPStates(sm)
	m.readCtxSwitches(sm, elapsed)
	m.readUptime(sm)
	m.readTemps(sm)

	m.prevTime = now

	return []event.Event{{
		TimestampNs: tick.TimestampNs,
		Kind:        event.KindSystemMetrics,
		SystemMetrics: sm,
	}}, nil
}

func (m *MetricsCollector) readCPU(sm *event.SystemMetrics) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return
	}
	defer f.Close()

	var perCore []cpuCounters
	var total cpuCounters
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		c := parseCPUFields(fields[1:])
		if fields[0] == "cpu" {
			total = c
		} else {
			perCore = append(perCore, c)
		}
	}

	if !m.prevTotal.zero() {
		deltaTotal := total.total() - m.prevTotal.total()
		deltaIdle := total.idle - m.prevTotal.idle
		if deltaTotal > 0 {
			sm.CPUTotalPct = 100 * float64(deltaTotal-deltaIdle) / float64(deltaTotal)
		}
	}
	if len(m.prevPerCore) == len(perCore) {
		sm.CPUPerCorePct = make([]float64, len(perCore))
		for i, c := range perCore {
			dt := c.total() - m.prevPerCore[i].total()
			di := c.idle - m.prevPerCore[i].idle
			if dt > 0 {
				sm.CPUPerCorePct[i] = 100 * float64(dt-di) / float64(dt)
			}
		}
	}

	m.prevTotal = total
	m.prevPerCore = perCore
}

func (c cpuCounters) zero() bool { return c.total() == 0 }

func parseCPUFields(f []string) cpuCounters {
	get := func(i int) uint64 {
		if i >= len(f) {
			return 0
		}
		v, _ := strconv.ParseUint(f[i], 10, 64)
		return v
	}
	return cpuCounters{
		user: get(0), nice: get(1), system: get(2), idle: get(3),
		iowait: get(4), irq: get(5), softirq: get(6),
	}
}

func (m *MetricsCollector) readMem(sm *event.SystemMetrics) {
	vals := parseKeyedFile("/proc/meminfo", ":")
	totalKb := vals["MemTotal"]
	freeKb := vals["MemFree"]
	cachedKb := vals["Cached"]
	availKb, hasAvail := vals["MemAvailable"]

	sm.MemFreeBytes = freeKb * 1024
	sm.MemCachedBytes = cachedKb * 1024
	if totalKb > 0 {
		used := totalKb - freeKb - cachedKb
		if hasAvail {
			used = totalKb - availKb
		}
		sm.MemUsedBytes = used * 1024
		sm.MemUsedPct = 100 * float64(used) / float64(totalKb)
	}

	swapTotal := vals["SwapTotal"]
	swapFree := vals["SwapFree"]
	if swapTotal > 0 {
		used := swapTotal - swapFree
		sm.SwapUsedBytes = used * 1024
		sm.SwapUsedPct = 100 * float64(used) / float64(swapTotal)
	}
}

// parseKeyedFile parses files shaped like /proc/meminfo: "Key:   value kB".
func parseKeyedFile(path, sep string) map[string]uint64 {
	out := make(map[string]uint64)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, sep)
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		rest := strings.Fields(strings.TrimSpace(line[idx+1:]))
		if len(rest) == 0 {
			continue
		}
		v, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			continue
		}
		out[key] = v
	}
	return out
}

func (m *MetricsCollector) readLoad(sm *event.SystemMetrics) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return
	}
	sm.Load1, _ = strconv.ParseFloat(fields[0], 64)
	sm.Load5, _ = strconv.ParseFloat(fields[1], 64)
	sm.Load15, _ = strconv.ParseFloat(fields[2], 64)
}

func (m *MetricsCollector) readDisks(sm *event.SystemMetrics, elapsed float64) {
	mounts := readMounts()
	cur := make(map[string]diskCounters)
	inFlight := make(map[string]float64)

	f, err := os.Open("/proc/diskstats")
	if err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 14 {
				continue
			}
			dev := fields[2]
			readSectors, _ := strconv.ParseUint(fields[5], 10, 64)
			writeSectors, _ := strconv.ParseUint(fields[9], 10, 64)
			// Field 12 is I/Os currently in progress, a gauge rather than a
			// counter, so it needs no previous-sample diff.
			inProgress, _ := strconv.ParseUint(fields[11], 10, 64)
			cur[dev] = diskCounters{readBytes: readSectors * 512, writeBytes: writeSectors * 512}
			inFlight[dev] = float64(inProgress)
		}
	}

	for _, mnt := range mounts {
		var fs syscall.Statfs_t
		if err := syscall.Statfs(mnt.path, &fs); err != nil {
			continue
		}
		total := fs.Blocks * uint64(fs.Bsize)
		free := fs.Bfree * uint64(fs.Bsize)
		if total == 0 {
			continue
		}
		usedPct := 100 * float64(total-free) / float64(total)

		c := cur[mnt.device]
		prev, ok := m.prevDisks[mnt.device]
		var rRate, wRate float64
		if ok {
			rRate = float64(c.readBytes-prev.readBytes) / elapsed
			wRate = float64(c.writeBytes-prev.writeBytes) / elapsed
		}

		sm.Disks = append(sm.Disks, event.DiskMetrics{
			Device: mnt.device, MountPoint: mnt.path, UsedPct: usedPct,
			ReadBytesSec: rRate, WriteBytesSec: wRate,
			QueueDepth: inFlight[mnt.device],
		})
	}

	m.prevDisks = cur
}

type mountInfo struct{ device, path string }

func readMounts() []mountInfo {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []mountInfo
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		dev, path := fields[0], fields[1]
		if !strings.HasPrefix(dev, "/dev/") {
			continue
		}
		out = append(out, mountInfo{device: filepath.Base(dev), path: path})
	}
	return out
}

func (m *MetricsCollector) readNet(sm *event.SystemMetrics, elapsed float64) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return
	}
	defer f.Close()

	cur := make(map[string]netCounters)
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // two header lines
		}
		line := sc.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 16 {
			continue
		}
		rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
		rxErrors, _ := strconv.ParseUint(fields[2], 10, 64)
		rxDrops, _ := strconv.ParseUint(fields[3], 10, 64)
		txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
		txErrors, _ := strconv.ParseUint(fields[10], 10, 64)
		txDrops, _ := strconv.ParseUint(fields[11], 10, 64)
		cur[name] = netCounters{rxBytes: rxBytes, txBytes: txBytes, rxErrors: rxErrors, txErrors: txErrors, rxDrops: rxDrops, txDrops: txDrops}
	}

	for name, c := range cur {
		prev, ok := m.prevNet[name]
		var rxRate, txRate float64
		if ok {
			rxRate = float64(c.rxBytes-prev.rxBytes) / elapsed
			txRate = float64(c.txBytes-prev.txBytes) / elapsed
		}
		sm.Net = append(sm.Net, event.NetIfaceMetrics{
			Name: name, RxBytesSec: rxRate, TxBytesSec: txRate,
			RxErrors: c.rxErrors, TxErrors: c.txErrors, RxDrops: c.rxDrops, TxDrops: c.txDrops,
		})
	}

	m.prevNet = cur
}

var tcpStateNames = map[string]string{
	"01": "ESTABLISHED", "02": "SYN_SENT", "03": "SYN_RECV", "04": "FIN_WAIT1",
	"05": "FIN_WAIT2", "06": "TIME_WAIT", "07": "CLOSE", "08": "CLOSE_WAIT",
	"09": "LAST_ACK", "0A": "LISTEN", "0B": "CLOSING",
}

func (m *MetricsCollector) readTCPStates(sm *event.SystemMetrics) {
	counts := make(event.TCPStateCounts)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Scan() // header
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 4 {
				continue
			}
			name, ok := tcpStateNames[strings.ToUpper(fields[3])]
			if !ok {
				name = "UNKNOWN"
			}
			counts[name]++
		}
		f.Close()
	}
	sm.TCPConnCounts = counts
}

func (m *MetricsCollector) readCtxSwitches(sm *event.SystemMetrics, elapsed float64) {
	vals := parseKeyedFile("/proc/stat", " ")
	ctxt, ok := vals["ctxt"]
	if !ok {
		return
	}
	if m.prevCtxSwitches > 0 && ctxt >= m.prevCtxSwitches {
		sm.CtxSwitchesPerSec = float64(ctxt-m.prevCtxSwitches) / elapsed
	}
	m.prevCtxSwitches = ctxt
}

func (m *MetricsCollector) readUptime(sm *event.SystemMetrics) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return
	}
	secs, _ := strconv.ParseFloat(fields[0], 64)
	sm.UptimeSeconds = uint64(secs)
}

func (m *MetricsCollector) readTemps(sm *event.SystemMetrics) {
	matches, err := filepath.Glob("/sys/class/hwmon/hwmon*/temp*_input")
	if err != nil || len(matches) == 0 {
		return
	}
	temps := make(map[string]float64)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milliC, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		temps[filepath.Base(filepath.Dir(path))+"/"+filepath.Base(path)] = float64(milliC) / 1000.0
	}
	if len(temps) > 0 {
		sm.TemperaturesC = temps
	}
}
