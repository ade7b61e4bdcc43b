package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/xdmcpd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.XDMCP.Port != 177 {
		t.Errorf("XDMCP.Port = %d, want %d", cfg.XDMCP.Port, 177)
	}

	if cfg.XDMCP.MaxDisplays != 16 {
		t.Errorf("XDMCP.MaxDisplays = %d, want %d", cfg.XDMCP.MaxDisplays, 16)
	}

	if cfg.XDMCP.MaxDisplaysPerHost != 2 {
		t.Errorf("XDMCP.MaxDisplaysPerHost = %d, want %d", cfg.XDMCP.MaxDisplaysPerHost, 2)
	}

	if cfg.XDMCP.MaxPendingDisplays != 4 {
		t.Errorf("XDMCP.MaxPendingDisplays = %d, want %d", cfg.XDMCP.MaxPendingDisplays, 4)
	}

	if cfg.XDMCP.MaxWait != 15*time.Second {
		t.Errorf("XDMCP.MaxWait = %v, want %v", cfg.XDMCP.MaxWait, 15*time.Second)
	}

	if !cfg.XDMCP.HonorIndirect {
		t.Error("XDMCP.HonorIndirect = false, want true")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
xdmcp:
  port: 5177
  max_displays: 32
  max_displays_per_host: 4
  max_pending_displays: 8
  max_wait: "30s"
  honor_indirect: false
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.XDMCP.Port != 5177 {
		t.Errorf("XDMCP.Port = %d, want %d", cfg.XDMCP.Port, 5177)
	}

	if cfg.XDMCP.MaxDisplays != 32 {
		t.Errorf("XDMCP.MaxDisplays = %d, want %d", cfg.XDMCP.MaxDisplays, 32)
	}

	if cfg.XDMCP.MaxWait != 30*time.Second {
		t.Errorf("XDMCP.MaxWait = %v, want %v", cfg.XDMCP.MaxWait, 30*time.Second)
	}

	if cfg.XDMCP.HonorIndirect {
		t.Error("XDMCP.HonorIndirect = true, want false")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override xdmcp.port and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
xdmcp:
  port: 5177
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.XDMCP.Port != 5177 {
		t.Errorf("XDMCP.Port = %d, want %d", cfg.XDMCP.Port, 5177)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.XDMCP.MaxDisplays != 16 {
		t.Errorf("XDMCP.MaxDisplays = %d, want default %d", cfg.XDMCP.MaxDisplays, 16)
	}

	if cfg.XDMCP.MaxWait != 15*time.Second {
		t.Errorf("XDMCP.MaxWait = %v, want default %v", cfg.XDMCP.MaxWait, 15*time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty metrics addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
		{
			name: "zero port",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.Port = 0
			},
			wantErr: config.ErrInvalidPort,
		},
		{
			name: "invalid bind addr",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.BindAddr = "not-an-address"
			},
			wantErr: config.ErrInvalidBindAddr,
		},
		{
			name: "zero max displays",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.MaxDisplays = 0
			},
			wantErr: config.ErrInvalidMaxDisplays,
		},
		{
			name: "zero max displays per host",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.MaxDisplaysPerHost = 0
			},
			wantErr: config.ErrInvalidMaxDisplaysPerHost,
		},
		{
			name: "zero max pending displays",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.MaxPendingDisplays = 0
			},
			wantErr: config.ErrInvalidMaxPendingDisplays,
		},
		{
			name: "zero max wait",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.MaxWait = 0
			},
			wantErr: config.ErrInvalidMaxWait,
		},
		{
			name: "negative max wait",
			modify: func(cfg *config.Config) {
				cfg.XDMCP.MaxWait = -1 * time.Second
			},
			wantErr: config.ErrInvalidMaxWait,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("XDMCPD_XDMCP_PORT", "5177")
	t.Setenv("XDMCPD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.XDMCP.Port != 5177 {
		t.Errorf("XDMCP.Port = %d, want %d (from env)", cfg.XDMCP.Port, 5177)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("XDMCPD_METRICS_ADDR", ":9200")
	t.Setenv("XDMCPD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "xdmcpd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
