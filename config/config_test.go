package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ranging.ListenMultiplier != 99 {
		t.Errorf("listen multiplier = %d, want 99", cfg.Ranging.ListenMultiplier)
	}
	if cfg.Ranging.RxGuard != time.Microsecond {
		t.Errorf("rx guard = %s, want 1µs", cfg.Ranging.RxGuard)
	}
	if cfg.Radio.SPIDevice != "/dev/spidev0.0" {
		t.Errorf("spi device = %q", cfg.Radio.SPIDevice)
	}
	if cfg.Server.Enabled {
		t.Error("server enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
radio:
  spi_device: /dev/spidev1.0
  cs_pin: 5
ranging:
  rx_guard: 2us
  listen_multiplier: 50
  probe_frame: ping
  calibration:
    a: 1
    b: 0
    c: 1
plugins: []
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Radio.SPIDevice != "/dev/spidev1.0" || cfg.Radio.CSPin != 5 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Radio.ResetPin != 25 {
		t.Errorf("reset pin default lost: %d", cfg.Radio.ResetPin)
	}
	if cfg.Ranging.RxGuard != 2*time.Microsecond || cfg.Ranging.ListenMultiplier != 50 {
		t.Errorf("ranging = %+v", cfg.Ranging)
	}
	if cfg.Ranging.TxTimeout != 100*time.Millisecond {
		t.Errorf("tx timeout default lost: %s", cfg.Ranging.TxTimeout)
	}
	if cfg.Ranging.ProbeFrame != "ping" || cfg.Ranging.Calibration.C != 1 {
		t.Errorf("ranging = %+v", cfg.Ranging)
	}
	if len(cfg.Plugins) != 0 {
		t.Errorf("plugins = %v, want none", cfg.Plugins)
	}
	if lvl, _ := cfg.Log.SlogLevel(); lvl != slog.LevelDebug {
		t.Errorf("level = %s", lvl)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "radio:\n  spi_device: /dev/spidev1.0\n")

	t.Setenv("UWB_SPI_DEVICE", "/dev/spidev2.1")
	t.Setenv("UWB_SPI_SPEED", "2000000")
	t.Setenv("UWB_LISTEN_MULTIPLIER", "10")
	t.Setenv("UWB_RX_GUARD", "5us")
	t.Setenv("UWB_LOG_LEVEL", "WARN")
	t.Setenv("UWB_CS_PIN", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Radio.SPIDevice != "/dev/spidev2.1" {
		t.Errorf("spi device = %q", cfg.Radio.SPIDevice)
	}
	if cfg.Radio.SPISpeed != 2_000_000 {
		t.Errorf("spi speed = %d", cfg.Radio.SPISpeed)
	}
	if cfg.Ranging.ListenMultiplier != 10 || cfg.Ranging.RxGuard != 5*time.Microsecond {
		t.Errorf("ranging = %+v", cfg.Ranging)
	}
	if cfg.Radio.CSPin != 8 {
		t.Errorf("unparsable override applied: cs pin = %d", cfg.Radio.CSPin)
	}
	if lvl, _ := cfg.Log.SlogLevel(); lvl != slog.LevelWarn {
		t.Errorf("level = %s", lvl)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			body:    "radio: [",
			wantErr: "failed to parse",
		},
		{
			name:    "unknown log level",
			body:    "log:\n  level: loud\n",
			wantErr: "invalid log level",
		},
		{
			name:    "shared pins",
			body:    "radio:\n  cs_pin: 3\n  reset_pin: 3\n",
			wantErr: "must differ",
		},
		{
			name:    "server without password",
			body:    "server:\n  enabled: true\n",
			wantErr: "password_hash",
		},
		{
			name:    "zero listen multiplier",
			body:    "ranging:\n  listen_multiplier: 0\n",
			wantErr: "listen_multiplier",
		},
		{
			name:    "zero spi speed",
			body:    "radio:\n  spi_speed: 0\n",
			wantErr: "spi_speed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("UWB_CONFIG", "")
	if Path() != DefaultPath {
		t.Errorf("Path() = %q, want %q", Path(), DefaultPath)
	}
	t.Setenv("UWB_CONFIG", "/etc/uwb/config.yaml")
	if Path() != "/etc/uwb/config.yaml" {
		t.Errorf("Path() = %q", Path())
	}
}
