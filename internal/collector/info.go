package collector

import (
	"bufio"
	"os"
	"runtime"
	"strings"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

// InfoCollector emits a SystemInfo snapshot on its first tick and again every
// hourly tick.
type InfoCollector struct {
	emitted bool
}

// NewInfoCollector constructs an InfoCollector.
func NewInfoCollector() *InfoCollector {
	return &InfoCollector{}
}

func (i *InfoCollector) Name() string { return "info" }

func (i *InfoCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	if i.emitted && tick.Stream != clock.Hourly {
		return nil, nil
	}
	i.emitted = true

	info := &event.SystemInfo{
		Kernel:        readKernelVersion(),
		CPUModel:      readCPUModel(),
		CPUCores:      int32(runtime.NumCPU()),
		MemTotalBytes: readMemTotalBytes(),
		Hostname:      readHostname(),
		Architecture:  runtime.GOARCH,
	}

	return []event.Event{{
		TimestampNs: tick.TimestampNs,
		Kind:        event.KindSystemInfo,
		SystemInfo:  info,
	}}, nil
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readCPUModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "model name") {
			idx := strings.Index(line, ":")
			if idx >= 0 {
				return strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return ""
}

func readMemTotalBytes() uint64 {
	vals := parseKeyedFile("/proc/meminfo", ":")
	return vals["MemTotal"] * 1024
}

func readHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
