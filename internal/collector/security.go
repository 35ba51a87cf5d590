package collector

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blackbox-rec/blackboxd/internal/clock"
	"github.com/blackbox-rec/blackboxd/internal/event"
)

var (
	failedPasswordRE  = regexp.MustCompile(`Failed password.*from\s+(\S+)`)
	authFailureRE     = regexp.MustCompile(`authentication failure.*rhost=(\S+)`)
	acceptedRE        = regexp.MustCompile(`Accepted (password|publickey) for (\S+) from (\S+)`)
	sessionOpenedRE   = regexp.MustCompile(`session opened for user (\S+)`)
	sessionClosedRE   = regexp.MustCompile(`session closed for user (\S+)`)
	sudoRE            = regexp.MustCompile(`sudo:.*COMMAND=(.+)`)
)

const (
	bruteForceWindow    = 5 * time.Minute
	bruteForceThreshold = 5
	portScanWindow      = 5 * time.Minute
	portScanThreshold   = 20
)

// SecurityCollector tails the auth log incrementally by byte offset plus
// inode, flagging brute-force activity from per-IP authentication failures
// in that log and port-scan activity from inbound TCP connections grouped
// by remote address.
type SecurityCollector struct {
	authLogPath string

	mu         sync.Mutex
	authOffset int64
	authInode  uint64

	failures   map[string][]time.Time    // src ip -> recent SSH-failure timestamps
	bruteFired map[string]bool           // src ip -> BruteForceDetected already open for this streak
	ports      map[string]map[int]time.Time // src ip -> dst port -> last-seen time
	portsFired map[string]bool           // src ip -> PortScanDetected already open for this streak
}

// NewSecurityCollector constructs a SecurityCollector tailing authLogPath.
func NewSecurityCollector(authLogPath string) *SecurityCollector {
	return &SecurityCollector{
		authLogPath: authLogPath,
		failures:    make(map[string][]time.Time),
		bruteFired:  make(map[string]bool),
		ports:       make(map[string]map[int]time.Time),
		portsFired:  make(map[string]bool),
	}
}

func (s *SecurityCollector) Name() string { return "security" }

func (s *SecurityCollector) Collect(tick clock.Tick) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []event.Event
	now := time.Now()

	for _, line := range s.readAuthLogIncremental() {
		events = append(events, s.classifyLine(tick, line, now)...)
	}

	events = append(events, s.detectPortScan(tick, now)...)

	return events, nil
}

func (s *SecurityCollector) classifyLine(tick clock.Tick, line string, now time.Time) []event.Event {
	var out []event.Event

	if m := failedPasswordRE.FindStringSubmatch(line); m != nil {
		ip := m[1]
		s.recordFailure(ip, now)
		out = append(out, securityEvt(tick, event.SecuritySSHAuthFailure, map[string]string{"ip": ip}))
		if s.isBruteForce(ip, now) {
			out = append(out, securityEvt(tick, event.SecurityBruteForceDetected, map[string]string{"ip": ip}))
		}
		return out
	}
	if m := authFailureRE.FindStringSubmatch(line); m != nil {
		ip := m[1]
		s.recordFailure(ip, now)
		out = append(out, securityEvt(tick, event.SecuritySSHAuthFailure, map[string]string{"ip": ip}))
		if s.isBruteForce(ip, now) {
			out = append(out, securityEvt(tick, event.SecurityBruteForceDetected, map[string]string{"ip": ip}))
		}
		return out
	}
	if m := acceptedRE.FindStringSubmatch(line); m != nil {
		out = append(out, securityEvt(tick, event.SecuritySSHAuthSuccess, map[string]string{
			"method": m[1], "user": m[2], "ip": m[3],
		}))
		return out
	}
	if m := sessionOpenedRE.FindStringSubmatch(line); m != nil {
		out = append(out, securityEvt(tick, event.SecurityLogin, map[string]string{"user": m[1]}))
		return out
	}
	if m := sessionClosedRE.FindStringSubmatch(line); m != nil {
		out = append(out, securityEvt(tick, event.SecurityLogout, map[string]string{"user": m[1]}))
		return out
	}
	if m := sudoRE.FindStringSubmatch(line); m != nil {
		out = append(out, securityEvt(tick, event.SecuritySudoInvoke, map[string]string{"command": strings.TrimSpace(m[1])}))
		return out
	}
	return out
}

func securityEvt(tick clock.Tick, kind event.SecurityEventKind, details map[string]string) event.Event {
	return event.Event{
		TimestampNs:   tick.TimestampNs,
		Kind:          event.KindSecurityEvent,
		SecurityEvent: &event.SecurityEvent{Kind: kind, Details: details},
	}
}

func (s *SecurityCollector) recordFailure(ip string, now time.Time) {
	cutoff := now.Add(-bruteForceWindow)
	kept := s.failures[ip][:0]
	for _, t := range s.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures[ip] = append(kept, now)
	if len(s.failures[ip]) < bruteForceThreshold {
		s.bruteFired[ip] = false // window rolled below threshold: rearm
	}
}

// isBruteForce is edge-triggered: it reports true only on the sample that
// first crosses the threshold, not on every subsequent failure while the
// window stays at or above it.
func (s *SecurityCollector) isBruteForce(ip string, now time.Time) bool {
	if len(s.failures[ip]) < bruteForceThreshold {
		return false
	}
	if s.bruteFired[ip] {
		return false
	}
	s.bruteFired[ip] = true
	return true
}

// readAuthLogIncremental reads newly appended lines since the last tick,
// detecting log rotation via inode change.
func (s *SecurityCollector) readAuthLogIncremental() []string {
	fi, err := os.Stat(s.authLogPath)
	if err != nil {
		return nil
	}

	var inode uint64
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		inode = st.Ino
	}
	if inode != 0 && inode != s.authInode {
		s.authOffset = 0
		s.authInode = inode
	}

	f, err := os.Open(s.authLogPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	size := fi.Size()
	if s.authOffset > size {
		s.authOffset = 0 // file was truncated
	}

	if _, err := f.Seek(s.authOffset, 0); err != nil {
		return nil
	}

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	newOffset, _ := f.Seek(0, 1)
	s.authOffset = newOffset
	return lines
}

// detectPortScan maintains a (src_ip -> set of dst_ports touched) sliding
// 5-minute window derived from the local machine's
// established inbound TCP connections, and emits an edge-triggered
// PortScanDetected the sample a source IP's distinct-port count first
// reaches portScanThreshold.
func (s *SecurityCollector) detectPortScan(tick clock.Tick, now time.Time) []event.Event {
	cutoff := now.Add(-portScanWindow)
	for _, conn := range inboundConnections() {
		ports := s.ports[conn.remoteIP]
		if ports == nil {
			ports = make(map[int]time.Time)
			s.ports[conn.remoteIP] = ports
		}
		ports[conn.localPort] = now
	}

	var out []event.Event
	for ip, ports := range s.ports {
		for port, last := range ports {
			if last.Before(cutoff) {
				delete(ports, port)
			}
		}
		if len(ports) == 0 {
			delete(s.ports, ip)
			s.portsFired[ip] = false
			continue
		}
		if len(ports) < portScanThreshold {
			s.portsFired[ip] = false
			continue
		}
		if s.portsFired[ip] {
			continue
		}
		s.portsFired[ip] = true
		out = append(out, securityEvt(tick, event.SecurityPortScanDetected, map[string]string{
			"ip":          ip,
			"port_count":  strconv.Itoa(len(ports)),
		}))
	}
	return out
}

type inboundConn struct {
	localPort int
	remoteIP  string
}

// inboundConnections parses /proc/net/{tcp,tcp6} for sockets in the
// ESTABLISHED state whose remote address is not local, returning each as a
// (local port, remote IP) pair.
func inboundConnections() []inboundConn {
	var out []inboundConn
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Scan() // header
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 4 || fields[3] != "01" { // 01 = TCP_ESTABLISHED
				continue
			}
			localPort := hexPort(fields[1])
			remoteIP, remotePort := hexAddr(fields[2])
			if localPort <= 0 || remotePort <= 0 || remoteIP == "" || remoteIP == "0.0.0.0" {
				continue
			}
			out = append(out, inboundConn{localPort: localPort, remoteIP: remoteIP})
		}
		f.Close()
	}
	return out
}

func hexPort(field string) int {
	parts := strings.Split(field, ":")
	if len(parts) < 2 {
		return 0
	}
	var port int
	fmt.Sscanf(parts[len(parts)-1], "%X", &port)
	return port
}

// hexAddr decodes a "hex_addr:hex_port" field from /proc/net/tcp into a
// dotted-quad IP and decimal port. IPv6 addresses are returned as their raw
// hex form, which is sufficient as a map key.
func hexAddr(field string) (string, int) {
	parts := strings.Split(field, ":")
	if len(parts) < 2 {
		return "", 0
	}
	addrHex := parts[0]
	var port int
	fmt.Sscanf(parts[1], "%X", &port)

	if len(addrHex) == 8 {
		var b [4]byte
		for i := 0; i < 4; i++ {
			var v int
			fmt.Sscanf(addrHex[i*2:i*2+2], "%X", &v)
			b[i] = byte(v)
		}
		// /proc/net/tcp stores the address little-endian per 32-bit word.
		return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0]), port
	}
	return addrHex, port
}
