// Package config parses the server's command-line flags and the optional
// YAML device-defaults overlay.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the server's runtime configuration, assembled from CLI flags.
type Config struct {
	HTTPPort                    int
	TransportPort                int
	MaximumClientBufferCount    int
	MaximumClientsBufferingMemory int64
	DataDirectory               string
	LogLevel                    string
	LogFormat                   string
	LogFile                     string
	DeviceDefaultsPath          string

	// DebugAllowCIDRs names the remote CIDR blocks permitted to reach
	// /debug/sessions and /debug/metrics; empty defaults to loopback-only
	// (see internal/httpapi's deny-by-default ACL).
	DebugAllowCIDRs []string

	DeviceDefaults DeviceDefaults
}

// DeviceDefaults is the optional YAML overlay of per-device-kind
// calibration constants and RecordConfiguration defaults. Parse loads and
// validates it; nothing in this module applies it to stations or devices.
type DeviceDefaults struct {
	EVK4 struct {
		IlluminanceAlpha float64 `yaml:"illuminance_alpha"`
		IlluminanceBeta  float64 `yaml:"illuminance_beta"`
	} `yaml:"evk4"`

	Lookback struct {
		Enabled             bool   `yaml:"enabled"`
		MaximumDurationUs   uint64 `yaml:"maximum_duration_us"`
		MaximumSizeBytes    string `yaml:"maximum_size_bytes"`
		maximumSizeBytesInt int64
	} `yaml:"lookback"`

	Autostop struct {
		Enabled    bool   `yaml:"enabled"`
		DurationUs uint64 `yaml:"duration_us"`
	} `yaml:"autostop"`

	Autotrigger struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"autotrigger"`
}

// LookbackMaximumSizeBytes returns the parsed byte-size limit for the
// lookback ring, applying ParseByteSize to the configured string.
func (d DeviceDefaults) LookbackMaximumSizeBytes() int64 {
	return d.Lookback.maximumSizeBytesInt
}

func defaultConfig() Config {
	return Config{
		HTTPPort:                      3000,
		TransportPort:                 3001,
		MaximumClientBufferCount:      60,
		MaximumClientsBufferingMemory: 1 << 30,
		DataDirectory:                 defaultDataDirectory(),
		LogLevel:                      "info",
		LogFormat:                     "text",
	}
}

// defaultDataDirectory returns $HOME/kairos-data, falling back to a relative
// path if $HOME cannot be resolved.
func defaultDataDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "kairos-data"
	}
	return filepath.Join(home, "kairos-data")
}

// Parse parses CLI flags from args (typically os.Args[1:]) into a Config,
// then loads the optional device-defaults YAML overlay if one was named.
func Parse(args []string, fs *flag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "port for the HTTP control and observability endpoints")
	fs.IntVar(&cfg.TransportPort, "transport-port", cfg.TransportPort, "UDP port for the QUIC data transport")
	fs.IntVar(&cfg.MaximumClientBufferCount, "maximum-client-buffer-count", cfg.MaximumClientBufferCount,
		"maximum number of packets buffered per client stream before dropping new ones")
	bufMem := fs.String("maximum-clients-buffering-memory", "1GiB",
		"maximum total memory budget for the packet buffer stack, as a byte size (e.g. 512MiB, 2GiB)")
	fs.StringVar(&cfg.DataDirectory, "data-directory", cfg.DataDirectory, "directory holding recordings/ and converted-recordings/")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "optional file to additionally log to")
	fs.StringVar(&cfg.DeviceDefaultsPath, "device-defaults", cfg.DeviceDefaultsPath, "optional YAML file of per-device-kind defaults")
	fs.Func("debug-allow-cidr", "CIDR block permitted to reach /debug/*; repeatable, defaults to loopback-only", func(v string) error {
		cfg.DebugAllowCIDRs = append(cfg.DebugAllowCIDRs, v)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	size, err := ParseByteSize(*bufMem)
	if err != nil {
		return Config{}, fmt.Errorf("parsing maximum-clients-buffering-memory: %w", err)
	}
	cfg.MaximumClientsBufferingMemory = size

	if cfg.DeviceDefaultsPath != "" {
		dd, err := loadDeviceDefaults(cfg.DeviceDefaultsPath)
		if err != nil {
			return Config{}, err
		}
		cfg.DeviceDefaults = dd
	} else {
		cfg.DeviceDefaults.EVK4.IlluminanceAlpha = 1.0
		cfg.DeviceDefaults.EVK4.IlluminanceBeta = 1.0
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDeviceDefaults(path string) (DeviceDefaults, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeviceDefaults{}, fmt.Errorf("reading device defaults: %w", err)
	}
	var dd DeviceDefaults
	if err := yaml.Unmarshal(raw, &dd); err != nil {
		return DeviceDefaults{}, fmt.Errorf("parsing device defaults: %w", err)
	}
	if dd.Lookback.MaximumSizeBytes != "" {
		size, err := ParseByteSize(dd.Lookback.MaximumSizeBytes)
		if err != nil {
			return DeviceDefaults{}, fmt.Errorf("parsing lookback.maximum_size_bytes: %w", err)
		}
		dd.Lookback.maximumSizeBytesInt = size
	}
	if dd.EVK4.IlluminanceAlpha == 0 {
		dd.EVK4.IlluminanceAlpha = 1.0
	}
	if dd.EVK4.IlluminanceBeta == 0 {
		dd.EVK4.IlluminanceBeta = 1.0
	}
	return dd, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port out of range: %d", c.HTTPPort)
	}
	if c.TransportPort <= 0 || c.TransportPort > 65535 {
		return fmt.Errorf("transport-port out of range: %d", c.TransportPort)
	}
	if c.MaximumClientBufferCount <= 0 {
		return fmt.Errorf("maximum-client-buffer-count must be positive")
	}
	if c.MaximumClientsBufferingMemory <= 0 {
		return fmt.Errorf("maximum-clients-buffering-memory must be positive")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data-directory must not be empty")
	}
	return nil
}

// ParseByteSize parses a human size string (e.g. "512MiB", "2GiB", "1024")
// into a byte count, accepting KiB/MiB/GiB (binary) and KB/MB/GB (decimal)
// suffixes as well as a bare integer.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1_000_000_000}, {"MB", 1_000_000}, {"KB", 1_000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}
