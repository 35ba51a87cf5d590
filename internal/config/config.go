// Package config loads the blackboxd configuration file: built-in defaults
// overridden by a single optional YAML file, since blackboxd is host-scoped
// and has no per-project layering to merge.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the anomaly detector's configurable limits.
type Thresholds struct {
	CPUSpikePct      float64 `yaml:"cpu_spike_pct"`
	CPUSpikeSamples  int     `yaml:"cpu_spike_samples"`
	MemSpikePct      float64 `yaml:"mem_spike_pct"`
	SwapHighPct      float64 `yaml:"swap_high_pct"`
	DiskFullPct      float64 `yaml:"disk_full_pct"`
	DiskIOSpikeBps   float64 `yaml:"disk_io_spike_bytes_per_sec"`
	NetSpikeBps      float64 `yaml:"net_spike_bytes_per_sec"`
	CtxSwitchSpikeHz float64 `yaml:"ctx_switch_spike_per_sec"`
	ThreadLeakRatio  float64 `yaml:"thread_leak_ratio"`
	ConnLeakRatio    float64 `yaml:"conn_leak_ratio"`
}

// DefaultThresholds returns the built-in anomaly threshold table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUSpikePct:      80,
		CPUSpikeSamples:  3,
		MemSpikePct:      90,
		SwapHighPct:      50,
		DiskFullPct:      90,
		DiskIOSpikeBps:   100 * 1024 * 1024,
		NetSpikeBps:      500 * 1024 * 1024,
		CtxSwitchSpikeHz: 50000,
		ThreadLeakRatio:  2.0,
		ConnLeakRatio:    2.0,
	}
}

// Auth configures HTTP Basic Auth. An empty Username disables it.
type Auth struct {
	Username   string `yaml:"username"`
	BcryptHash string `yaml:"bcrypt_hash"`
}

// Config is the complete blackboxd runtime configuration.
type Config struct {
	DataDir         string     `yaml:"data_dir"`
	ListenAddr      string     `yaml:"listen_addr"`
	SegmentMaxBytes int64      `yaml:"segment_max_bytes"`
	MaxStorageBytes int64      `yaml:"max_storage_bytes"`
	ProtectionMode  string     `yaml:"protection_mode"` // "off", "protected", "hardened"
	AuthLogPath     string     `yaml:"auth_log_path"`
	WatchPaths      []string   `yaml:"watch_paths"`
	LogLevel        string     `yaml:"log_level"`
	LogFile         string     `yaml:"log_file"`
	Thresholds      Thresholds `yaml:"thresholds"`
	Auth            Auth       `yaml:"auth"`
}

const (
	defaultSegmentMaxBytes = 8 * 1024 * 1024
	defaultMaxStorageBytes = 100 * 1024 * 1024
)

// Default returns a Config with every field set to its built-in default.
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/blackbox",
		ListenAddr:      ":9700",
		SegmentMaxBytes: defaultSegmentMaxBytes,
		MaxStorageBytes: defaultMaxStorageBytes,
		ProtectionMode:  "off",
		AuthLogPath:     "/var/log/auth.log",
		LogLevel:        "info",
		Thresholds:      DefaultThresholds(),
	}
}

// Load reads a YAML config file at path, merging it over the defaults. A
// missing file is not an error: the caller runs on pure defaults. Only a
// present-but-malformed file is fatal.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureDataDir creates the data directory and verifies it is writable.
// Failure here is fatal: nothing can be recorded without it.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", c.DataDir, err)
	}
	probe := filepath.Join(c.DataDir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("data dir %s not writable: %w", c.DataDir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
