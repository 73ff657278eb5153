package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// NetworkConfig selects the UDP endpoint.
type NetworkConfig struct {
	// ListenAddress is an IPv4/IPv6 literal, or "0.0.0.0" / "::" for all
	// interfaces.
	ListenAddress string `json:"listen_address"`
	// ListenPort is the UDP port, default 69.
	ListenPort int `json:"listen_port"`
	// IPv6Enabled makes the server attempt an IPv6 bind first, falling back to
	// IPv4 when that fails.
	IPv6Enabled bool `json:"ipv6_enabled"`
}

// FilesystemConfig bounds what part of the filesystem transfers may touch.
type FilesystemConfig struct {
	// RootDirectory is the absolute directory all transfers are contained in.
	RootDirectory string `json:"root_directory"`
	// AllowedDirectories optionally restricts transfers to these directory
	// prefixes under the root (relative, '/'-separated). Empty means any
	// directory under the root.
	AllowedDirectories []string `json:"allowed_directories"`
}

// SecurityConfig holds the capability gates and per-request limits.
type SecurityConfig struct {
	ReadEnabled  bool `json:"read_enabled"`
	WriteEnabled bool `json:"write_enabled"`
	// MaxFileSize caps both served and received files, in bytes. 0 = unlimited.
	MaxFileSize uint64 `json:"max_file_size"`
	// OverwriteProtection refuses WRQs whose target already exists.
	OverwriteProtection bool `json:"overwrite_protection"`
	// AllowedClients optionally restricts peers. Entries are exact IP literals
	// or CIDR prefixes ("10.0.0.0/8"). Empty means any peer.
	AllowedClients []string `json:"allowed_clients"`
	// AllowedExtensions optionally restricts filenames by extension
	// (lowercase, without the dot; "" admits extension-less files).
	// Empty means any extension.
	AllowedExtensions []string `json:"allowed_extensions"`
}

// PerformanceConfig holds transfer tuning knobs. The block size and window
// size act as ceilings for option negotiation; a client request above the
// ceiling is clamped down, never up.
type PerformanceConfig struct {
	// BlockSize is the default and maximum negotiated block size (8-65464).
	BlockSize int `json:"block_size"`
	// Timeout is the default retransmission timeout in seconds (1-255).
	Timeout int `json:"timeout"`
	// WindowSize is the default and maximum negotiated window size (>= 1).
	WindowSize int `json:"window_size"`
	// MaxRetries is the per-block retransmission limit (>= 1).
	MaxRetries int `json:"max_retries"`
	// DSCP optionally marks outgoing datagrams (0-63, 0 = leave default).
	DSCP int `json:"dscp"`
}

// LoggingConfig controls the process log.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARNING, ERROR, FATAL.
	Level string `json:"level"`
	// File appends the log to a file in addition to stdout when non-empty.
	File string `json:"file"`
}

// MonitoringConfig controls the optional HTTP stats endpoint.
//
// IMPORTANT: the endpoint is read-only but unauthenticated; keep it on
// localhost or a management network.
type MonitoringConfig struct {
	Enabled bool `json:"enabled"`
	// Listen is the TCP address of the stats endpoint, e.g. "127.0.0.1:8069".
	Listen string `json:"listen"`
}

// Config is the frozen configuration record consumed at startup. The core
// never re-reads it; changing the file on disk requires a restart.
type Config struct {
	Network     NetworkConfig     `json:"network"`
	Filesystem  FilesystemConfig  `json:"filesystem"`
	Security    SecurityConfig    `json:"security"`
	Performance PerformanceConfig `json:"performance"`
	Logging     LoggingConfig     `json:"logging"`
	Monitoring  MonitoringConfig  `json:"monitoring"`
}

func Default() Config {
	return Config{
		Network: NetworkConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    69,
			IPv6Enabled:   false,
		},
		Filesystem: FilesystemConfig{
			RootDirectory:      "/srv/tftp",
			AllowedDirectories: nil,
		},
		Security: SecurityConfig{
			ReadEnabled:         true,
			WriteEnabled:        false,
			MaxFileSize:         0,
			OverwriteProtection: true,
			AllowedClients:      nil,
			AllowedExtensions:   nil,
		},
		Performance: PerformanceConfig{
			BlockSize:  512,
			Timeout:    5,
			WindowSize: 1,
			MaxRetries: 5,
			DSCP:       0,
		},
		Logging: LoggingConfig{
			Level: "INFO",
			File:  "",
		},
		Monitoring: MonitoringConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8069",
		},
	}
}

// Load reads a JSON config file over the defaults and validates the result.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and normalizes list entries in place: extensions are
// lowercased and dot-stripped, directory prefixes are slash-trimmed.
func (c *Config) Validate() error {
	if c.Network.ListenPort < 1 || c.Network.ListenPort > 65535 {
		return fmt.Errorf("network.listen_port %d out of range 1-65535", c.Network.ListenPort)
	}
	if c.Network.ListenAddress != "" {
		if _, err := netip.ParseAddr(c.Network.ListenAddress); err != nil {
			return fmt.Errorf("network.listen_address %q: %w", c.Network.ListenAddress, err)
		}
	}

	if c.Filesystem.RootDirectory == "" {
		return fmt.Errorf("filesystem.root_directory must be set")
	}
	if !filepath.IsAbs(c.Filesystem.RootDirectory) {
		return fmt.Errorf("filesystem.root_directory %q must be absolute", c.Filesystem.RootDirectory)
	}
	for i, d := range c.Filesystem.AllowedDirectories {
		d = strings.Trim(strings.ReplaceAll(d, "\\", "/"), "/")
		if d == "" {
			return fmt.Errorf("filesystem.allowed_directories[%d] is empty", i)
		}
		if strings.Contains(d, "..") {
			return fmt.Errorf("filesystem.allowed_directories[%d] contains '..'", i)
		}
		c.Filesystem.AllowedDirectories[i] = d
	}

	for i, a := range c.Security.AllowedClients {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("security.allowed_clients[%d] is empty", i)
		}
		if strings.Contains(a, "/") {
			if _, err := netip.ParsePrefix(a); err != nil {
				return fmt.Errorf("security.allowed_clients[%d] %q: %w", i, a, err)
			}
		} else if _, err := netip.ParseAddr(a); err != nil {
			return fmt.Errorf("security.allowed_clients[%d] %q: %w", i, a, err)
		}
		c.Security.AllowedClients[i] = a
	}
	for i, e := range c.Security.AllowedExtensions {
		c.Security.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(e, "."))
	}

	if c.Performance.BlockSize < 8 || c.Performance.BlockSize > 65464 {
		return fmt.Errorf("performance.block_size %d out of range 8-65464", c.Performance.BlockSize)
	}
	if c.Performance.Timeout < 1 || c.Performance.Timeout > 255 {
		return fmt.Errorf("performance.timeout %d out of range 1-255", c.Performance.Timeout)
	}
	if c.Performance.WindowSize < 1 || c.Performance.WindowSize > 65535 {
		return fmt.Errorf("performance.window_size %d out of range 1-65535", c.Performance.WindowSize)
	}
	if c.Performance.MaxRetries < 1 {
		return fmt.Errorf("performance.max_retries %d must be >= 1", c.Performance.MaxRetries)
	}
	if c.Performance.DSCP < 0 || c.Performance.DSCP > 63 {
		return fmt.Errorf("performance.dscp %d out of range 0-63", c.Performance.DSCP)
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "FATAL":
		c.Logging.Level = strings.ToUpper(c.Logging.Level)
	default:
		return fmt.Errorf("logging.level %q not one of DEBUG/INFO/WARNING/ERROR/FATAL", c.Logging.Level)
	}

	if c.Monitoring.Enabled && c.Monitoring.Listen == "" {
		return fmt.Errorf("monitoring.listen must be set when monitoring is enabled")
	}
	return nil
}
