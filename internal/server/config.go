package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/hypstar-go/internal/hypstar"
	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/publish"
	"github.com/shaunagostinho/hypstar-go/internal/recorder"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

const defaultConfigPath = "/etc/hypstard/config.yaml"

// Config holds all station configuration.
type Config struct {
	mu sync.RWMutex

	Instrument  InstrumentConfig  `yaml:"instrument" json:"instrument"`
	Capture     CaptureConfig     `yaml:"capture" json:"capture"`
	Environment EnvironmentConfig `yaml:"environment" json:"environment"`
	Recorder    recorder.Config   `yaml:"recorder" json:"recorder"`
	MQTT        publish.Config    `yaml:"mqtt" json:"mqtt"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Log         LogConfig         `yaml:"log" json:"log"`

	path string
}

type InstrumentConfig struct {
	Type             string           `yaml:"type" json:"type"` // "serial" or "demo"
	Port             transport.Config `yaml:"port" json:"port"`
	LineSpeed        int              `yaml:"line_speed" json:"lineSpeed"` // switched to after connect, 0 keeps 115200
	LogLevel         hypstar.LogLevel `yaml:"log_level" json:"logLevel"`
	SetTimeOnConnect bool             `yaml:"set_time_on_connect" json:"setTimeOnConnect"`
	TECEnabled       bool             `yaml:"tec_enabled" json:"tecEnabled"`
	TECSetpoint      float32          `yaml:"tec_setpoint" json:"tecSetpoint"` // °C
}

// CaptureConfig schedules a fixed acquisition sequence.
type CaptureConfig struct {
	Enabled   bool                      `yaml:"enabled" json:"enabled"`
	IntervalS int                       `yaml:"interval_s" json:"intervalS"`
	Sequence  []protocol.CaptureRequest `yaml:"sequence" json:"sequence"`
}

type EnvironmentConfig struct {
	PollS int `yaml:"poll_s" json:"pollS"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Type: "serial",
			Port: transport.Config{
				PortPath: "/dev/ttyUSB0",
				BaudRate: transport.DefaultBaudRate,
				Backend:  "bugst",
			},
			LineSpeed:        int(protocol.Baud921600),
			LogLevel:         hypstar.LogInfo,
			SetTimeOnConnect: true,
			TECSetpoint:      0,
		},
		Capture: CaptureConfig{
			IntervalS: 600,
			Sequence: []protocol.CaptureRequest{
				{Radiometer: protocol.Both, Entrance: protocol.Irradiance, ScanCount: 3},
				{Radiometer: protocol.Both, Entrance: protocol.Radiance, ScanCount: 3},
				{Radiometer: protocol.Both, Entrance: protocol.Dark, ScanCount: 3},
			},
		},
		Environment: EnvironmentConfig{PollS: 60},
		Recorder: recorder.Config{
			Path:       "/var/lib/hypstar",
			MaxRows:    10_000,
			EnvEveryMs: 60_000,
		},
		MQTT: publish.Config{
			Port:        1883,
			ClientID:    "hypstard",
			TopicPrefix: "hypstar",
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Server:  ServerConfig{ListenAddr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the file is missing or bad.
func LoadConfig(path string) *Config {
	log := logrus.WithField("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).Errorf("error parsing %s, using defaults", path)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file. Variables already set in
// the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	logrus.WithField("component", "config").Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: HYPSTAR_TYPE, HYPSTAR_PORT, HYPSTAR_BAUD, HYPSTAR_BACKEND,
// HYPSTAR_LINE_SPEED, HYPSTAR_LOG_LEVEL, CAPTURE_ENABLED, CAPTURE_INTERVAL_S,
// RECORD_ENABLED, RECORD_PATH, MQTT_BROKER, MQTT_USER, MQTT_PASSWORD,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HYPSTAR_TYPE"); v != "" {
		c.Instrument.Type = v
	}
	if v := os.Getenv("HYPSTAR_PORT"); v != "" {
		c.Instrument.Port.PortPath = v
	}
	if v := os.Getenv("HYPSTAR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Instrument.Port.BaudRate = n
		}
	}
	if v := os.Getenv("HYPSTAR_BACKEND"); v != "" {
		c.Instrument.Port.Backend = v
	}
	if v := os.Getenv("HYPSTAR_LINE_SPEED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Instrument.LineSpeed = n
		}
	}
	if v := os.Getenv("HYPSTAR_LOG_LEVEL"); v != "" {
		if l, err := hypstar.ParseLogLevel(v); err == nil {
			c.Instrument.LogLevel = l
		}
	}
	if v := os.Getenv("CAPTURE_ENABLED"); v != "" {
		c.Capture.Enabled = envBool(v)
	}
	if v := os.Getenv("CAPTURE_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Capture.IntervalS = n
		}
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recorder.Enabled = envBool(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("MQTT_USER"); v != "" {
		c.MQTT.User = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks values the daemon cannot work with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Instrument.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("config: instrument type %q, want serial or demo", c.Instrument.Type)
	}
	if s := c.Instrument.LineSpeed; s != 0 && !protocol.BaudRate(s).Valid() {
		return fmt.Errorf("config: unsupported line speed %d", s)
	}
	if c.Instrument.TECEnabled {
		sp := c.Instrument.TECSetpoint
		if sp < hypstar.MinTECSetpoint || sp > hypstar.MaxTECSetpoint {
			return fmt.Errorf("config: TEC setpoint %.1f outside [%.0f, %.0f]", sp, hypstar.MinTECSetpoint, hypstar.MaxTECSetpoint)
		}
	}
	if c.Capture.Enabled {
		if c.Capture.IntervalS <= 0 {
			return fmt.Errorf("config: capture interval must be positive")
		}
		if len(c.Capture.Sequence) == 0 {
			return fmt.Errorf("config: capture enabled with an empty sequence")
		}
	}
	for i, r := range c.Capture.Sequence {
		if r.Radiometer == 0 {
			return fmt.Errorf("config: capture %d selects no radiometer", i)
		}
		if r.ScanCount == 0 && r.MaxSeriesDurationS == 0 {
			return fmt.Errorf("config: capture %d has neither scan count nor series duration", i)
		}
	}
	return nil
}

// InstrumentSettings returns a copy of the instrument section.
func (c *Config) InstrumentSettings() InstrumentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Instrument
}

// CaptureSettings returns a copy of the capture schedule.
func (c *Config) CaptureSettings() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc := c.Capture
	cc.Sequence = append([]protocol.CaptureRequest(nil), c.Capture.Sequence...)
	return cc
}

// EnvironmentPoll returns the housekeeping poll period in seconds.
func (c *Config) EnvironmentPoll() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Environment.PollS
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged, all
// other values are replaced.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
