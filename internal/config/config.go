// Package config manages xdmcpd configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete xdmcpd configuration.
type Config struct {
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	XDMCP   XDMCPConfig   `koanf:"xdmcp"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// XDMCPConfig holds the XDMCP manager's external tunables (§6.2).
type XDMCPConfig struct {
	// Port is the UDP port the manager listens on. 177 is the standard
	// XDMCP port.
	Port uint16 `koanf:"port"`

	// BindAddr is the local address to bind. An unspecified address
	// ("::" or "0.0.0.0") binds a dual-stack socket.
	BindAddr string `koanf:"bind_addr"`

	// UseMulticast, when true, joins MulticastAddr on every non-loopback
	// interface so BroadcastQuery reaches this manager over multicast.
	UseMulticast bool `koanf:"use_multicast"`

	// MulticastAddr is the multicast group to join when UseMulticast is set.
	MulticastAddr string `koanf:"multicast_address"`

	// HonorIndirect enables responding to IndirectQuery (§4.8). When
	// false, every IndirectQuery is dropped regardless of chooser state.
	HonorIndirect bool `koanf:"honor_indirect"`

	// MaxDisplays bounds the managed display count (§4.4 rule 3); pending
	// displays are bounded separately by MaxPendingDisplays.
	MaxDisplays int `koanf:"max_displays"`

	// MaxDisplaysPerHost bounds managed displays from one non-local host
	// (§4.4 rule 4).
	MaxDisplaysPerHost int `koanf:"max_displays_per_host"`

	// MaxPendingDisplays bounds the pending-display count (§4.4 rule 5).
	MaxPendingDisplays int `koanf:"max_pending_displays"`

	// MaxWait is how long a Pending display may go unmanaged before
	// purge_stale_pending disposes it (§4.5, §6.2 max_wait).
	MaxWait time.Duration `koanf:"max_wait"`

	// WillingScript is an optional path to an executable whose first
	// output line becomes the Willing status string (§4.4). Empty means
	// "use the server's system id" (ServerIdentity.SysID).
	WillingScript string `koanf:"willing_script"`

	// ProxyMode marks every accepted display as an XDMCP-proxy display
	// rather than a plain XDMCP one (§3 Kind).
	ProxyMode bool `koanf:"proxy_mode"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the §6.2 default values.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		XDMCP: XDMCPConfig{
			Port:               177,
			BindAddr:           "::",
			UseMulticast:       false,
			MulticastAddr:      "ff02::1",
			HonorIndirect:      true,
			MaxDisplays:        16,
			MaxDisplaysPerHost: 2,
			MaxPendingDisplays: 4,
			MaxWait:            15 * time.Second,
			WillingScript:      "",
			ProxyMode:          false,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for xdmcpd configuration.
// Variables are named XDMCPD_<section>_<key>, e.g., XDMCPD_XDMCP_PORT.
const envPrefix = "XDMCPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (XDMCPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	XDMCPD_METRICS_ADDR        -> metrics.addr
//	XDMCPD_METRICS_PATH        -> metrics.path
//	XDMCPD_LOG_LEVEL           -> log.level
//	XDMCPD_LOG_FORMAT          -> log.format
//	XDMCPD_XDMCP_PORT          -> xdmcp.port
//	XDMCPD_XDMCP_MAX_DISPLAYS  -> xdmcp.max_displays
//
// The first underscore after the prefix separates the section from the key.
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms XDMCPD_XDMCP_MAX_DISPLAYS -> xdmcp.max_displays.
// Strips the XDMCPD_ prefix, lowercases, and replaces the first _ (the
// section separator) with .; later underscores stay part of the key name.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"xdmcp.port":                  defaults.XDMCP.Port,
		"xdmcp.bind_addr":             defaults.XDMCP.BindAddr,
		"xdmcp.use_multicast":         defaults.XDMCP.UseMulticast,
		"xdmcp.multicast_address":     defaults.XDMCP.MulticastAddr,
		"xdmcp.honor_indirect":        defaults.XDMCP.HonorIndirect,
		"xdmcp.max_displays":          defaults.XDMCP.MaxDisplays,
		"xdmcp.max_displays_per_host": defaults.XDMCP.MaxDisplaysPerHost,
		"xdmcp.max_pending_displays":  defaults.XDMCP.MaxPendingDisplays,
		"xdmcp.max_wait":              defaults.XDMCP.MaxWait.String(),
		"xdmcp.willing_script":        defaults.XDMCP.WillingScript,
		"xdmcp.proxy_mode":            defaults.XDMCP.ProxyMode,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidPort indicates xdmcp.port is zero.
	ErrInvalidPort = errors.New("xdmcp.port must be > 0")

	// ErrInvalidBindAddr indicates xdmcp.bind_addr does not parse as an address.
	ErrInvalidBindAddr = errors.New("xdmcp.bind_addr is invalid")

	// ErrInvalidMaxDisplays indicates xdmcp.max_displays is non-positive.
	ErrInvalidMaxDisplays = errors.New("xdmcp.max_displays must be > 0")

	// ErrInvalidMaxDisplaysPerHost indicates xdmcp.max_displays_per_host is non-positive.
	ErrInvalidMaxDisplaysPerHost = errors.New("xdmcp.max_displays_per_host must be > 0")

	// ErrInvalidMaxPendingDisplays indicates xdmcp.max_pending_displays is non-positive.
	ErrInvalidMaxPendingDisplays = errors.New("xdmcp.max_pending_displays must be > 0")

	// ErrInvalidMaxWait indicates xdmcp.max_wait is non-positive.
	ErrInvalidMaxWait = errors.New("xdmcp.max_wait must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.XDMCP.Port == 0 {
		return ErrInvalidPort
	}
	if _, err := parseBindAddr(cfg.XDMCP.BindAddr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBindAddr, err)
	}
	if cfg.XDMCP.MaxDisplays <= 0 {
		return ErrInvalidMaxDisplays
	}
	if cfg.XDMCP.MaxDisplaysPerHost <= 0 {
		return ErrInvalidMaxDisplaysPerHost
	}
	if cfg.XDMCP.MaxPendingDisplays <= 0 {
		return ErrInvalidMaxPendingDisplays
	}
	if cfg.XDMCP.MaxWait <= 0 {
		return ErrInvalidMaxWait
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// parseBindAddr parses xdmcp.bind_addr, accepting the unspecified-address
// forms ("::" / "0.0.0.0") used for a dual-stack bind.
func parseBindAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return addr, nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
