package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shaunagostinho/hypstar-go/internal/hypstar"
	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

const testYAML = `
instrument:
  type: demo
  port:
    port_path: /dev/ttyS3
    backend: tarm
  line_speed: 3000000
  log_level: debug
capture:
  enabled: true
  interval_s: 300
  sequence:
    - radiometer: swir
      entrance: dark
      scan_count: 5
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hypstar.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# site\nLISTEN_ADDR=':9090'\nMQTT_BROKER=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// empty values let the .env file fill them; t.Setenv restores them
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("MQTT_BROKER", "broker.local")
	t.Setenv("HYPSTAR_PORT", "/dev/ttyUSB7")

	cfg := LoadConfig(path)

	ic := cfg.InstrumentSettings()
	if ic.Type != "demo" || ic.Port.Backend != "tarm" || ic.LineSpeed != 3000000 || ic.LogLevel != hypstar.LogDebug {
		t.Errorf("instrument = %+v", ic)
	}
	if ic.Port.PortPath != "/dev/ttyUSB7" {
		t.Errorf("port = %q, want environment override", ic.Port.PortPath)
	}
	// untouched sections keep their defaults
	if ic.Port.BaudRate != 115200 || cfg.EnvironmentPoll() != 60 {
		t.Errorf("defaults lost: baud %d poll %d", ic.Port.BaudRate, cfg.EnvironmentPoll())
	}

	cc := cfg.CaptureSettings()
	want := protocol.CaptureRequest{Radiometer: protocol.SWIR, Entrance: protocol.Dark, ScanCount: 5}
	if !cc.Enabled || cc.IntervalS != 300 || len(cc.Sequence) != 1 || cc.Sequence[0] != want {
		t.Errorf("capture = %+v", cc)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen = %q, want value from .env", cfg.Server.ListenAddr)
	}
	if cfg.MQTT.Broker != "broker.local" || !cfg.MQTT.Enabled {
		t.Errorf("mqtt = %+v, environment must win over .env", cfg.MQTT)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if cfg.Instrument.Port.PortPath == "" || len(cfg.Capture.Sequence) != 3 {
		t.Errorf("defaults not applied: %+v", cfg.Instrument)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown type", func(c *Config) { c.Instrument.Type = "usb" }, false},
		{"bad line speed", func(c *Config) { c.Instrument.LineSpeed = 57600 }, false},
		{"keep default speed", func(c *Config) { c.Instrument.LineSpeed = 0 }, true},
		{"TEC too cold", func(c *Config) {
			c.Instrument.TECEnabled = true
			c.Instrument.TECSetpoint = -20
		}, false},
		{"TEC in range", func(c *Config) {
			c.Instrument.TECEnabled = true
			c.Instrument.TECSetpoint = 10
		}, true},
		{"empty schedule", func(c *Config) {
			c.Capture.Enabled = true
			c.Capture.Sequence = nil
		}, false},
		{"zero interval", func(c *Config) {
			c.Capture.Enabled = true
			c.Capture.IntervalS = 0
		}, false},
		{"unbounded capture", func(c *Config) {
			c.Capture.Sequence[0].ScanCount = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok %v", err, tt.ok)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "out.yaml")
	cfg.Instrument.LogLevel = hypstar.LogTrace
	cfg.Capture.Sequence[1].VNIRIntegrationMs = 256
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	got := LoadConfig(cfg.path)
	if got.Instrument.LogLevel != hypstar.LogTrace {
		t.Errorf("log level = %v", got.Instrument.LogLevel)
	}
	if got.Capture.Sequence[1] != cfg.Capture.Sequence[1] {
		t.Errorf("sequence[1] = %+v, want %+v", got.Capture.Sequence[1], cfg.Capture.Sequence[1])
	}
}
