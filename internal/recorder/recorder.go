// Package recorder writes downloaded spectra and housekeeping entries to
// rotated CSV files.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
	EnvEveryMs int    `yaml:"env_every_ms" json:"envEveryMs"` // minimum spacing of env rows
}

const (
	defaultPath    = "/var/lib/hypstar"
	defaultMaxRows = 10_000 // spectra rows are ~12 kB each
)

var spectraHeader = []string{
	"timestamp", "radiometer", "entrance", "integration_ms", "sensor_temp_c",
	"pixel_count", "accel_x", "accel_y", "accel_z", "crc32", "pixels",
}

var envHeader = []string{
	"timestamp", "humidity_sensor_temp_c", "humidity_pct", "pressure_mbar",
	"pressure_sensor_temp_c", "accel_x", "accel_y", "accel_z",
	"internal_temp_c", "swir_body_temp_c", "swir_heatsink_temp_c",
	"input_12v_v", "input_12v_a", "input_12v_mwh",
}

// stream is one rotated CSV series.
type stream struct {
	prefix string
	header []string

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	maxRows  int
	envEvery time.Duration
	enabled  bool
	log      *logrus.Entry
	now      func() time.Time

	spectra stream
	env     stream
	lastEnv time.Time
}

// New creates a Recorder. Files are created on the first write.
func New(cfg Config, log *logrus.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Recorder{
		dir:      cfg.Path,
		maxRows:  cfg.MaxRows,
		envEvery: time.Duration(cfg.EnvEveryMs) * time.Millisecond,
		enabled:  cfg.Enabled,
		log:      log.WithField("component", "recorder"),
		now:      time.Now,
		spectra:  stream{prefix: "spectra", header: spectraHeader},
		env:      stream{prefix: "env", header: envHeader},
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.spectra.close()
		r.env.close()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// RecordSpectra appends one row per spectrum.
func (r *Recorder) RecordSpectra(spectra []*protocol.Spectrum) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}
	for _, s := range spectra {
		if err := r.write(&r.spectra, spectrumRow(s)); err != nil {
			return err
		}
	}
	return nil
}

// RecordEnvironment appends a housekeeping row unless one was written less
// than EnvEveryMs ago.
func (r *Recorder) RecordEnvironment(e *protocol.EnvironmentLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}
	now := r.now()
	if !r.lastEnv.IsZero() && now.Sub(r.lastEnv) < r.envEvery {
		return nil
	}
	r.lastEnv = now
	return r.write(&r.env, envRow(e))
}

// Close flushes and closes the current files.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spectra.close()
	r.env.close()
}

func (r *Recorder) write(s *stream, row []string) error {
	if s.writer == nil || s.rows >= r.maxRows {
		if err := r.rotate(s); err != nil {
			r.log.WithError(err).Error("rotate failed")
			return err
		}
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("recorder: write %s: %w", s.prefix, err)
	}
	s.writer.Flush()
	s.rows++
	return s.writer.Error()
}

func (r *Recorder) rotate(s *stream) error {
	s.close()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	now := r.now()
	name := fmt.Sprintf("%s_%s.csv", s.prefix, now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	s.file = f
	s.writer = csv.NewWriter(f)
	s.rows = 0

	if err := s.writer.Write(s.header); err != nil {
		return err
	}
	s.writer.Flush()

	r.log.Infof("opened %s", path)
	return nil
}

func (s *stream) close() {
	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func spectrumRow(s *protocol.Spectrum) []string {
	pixels := make([]string, len(s.Pixels))
	for i, p := range s.Pixels {
		pixels[i] = strconv.Itoa(int(p))
	}
	return []string{
		s.Time().Format(time.RFC3339Nano),
		s.Radiometer().String(),
		s.Entrance().String(),
		strconv.Itoa(int(s.IntegrationMs)),
		fmt.Sprintf("%.2f", s.SensorTemperature),
		strconv.Itoa(int(s.PixelCount)),
		strconv.Itoa(int(s.Acceleration.X.Mean)),
		strconv.Itoa(int(s.Acceleration.Y.Mean)),
		strconv.Itoa(int(s.Acceleration.Z.Mean)),
		fmt.Sprintf("%08X", s.CRC32),
		strings.Join(pixels, " "),
	}
}

func envRow(e *protocol.EnvironmentLogEntry) []string {
	return []string{
		e.Time().Format(time.RFC3339),
		fmt.Sprintf("%.2f", float64(e.HumiditySensorTemperature)/100),
		fmt.Sprintf("%.1f", float64(e.Humidity)/10),
		fmt.Sprintf("%.1f", float64(e.Pressure)/10),
		fmt.Sprintf("%.2f", float64(e.PressureSensorTemperature)/100),
		strconv.Itoa(int(e.Acceleration[0])),
		strconv.Itoa(int(e.Acceleration[1])),
		strconv.Itoa(int(e.Acceleration[2])),
		fmt.Sprintf("%.2f", e.InternalAmbientTemperature),
		fmt.Sprintf("%.2f", e.SWIRBodyTemperature),
		fmt.Sprintf("%.2f", e.SWIRHeatsinkTemperature),
		fmt.Sprintf("%.3f", e.Input12V.Voltage),
		fmt.Sprintf("%.3f", e.Input12V.Current),
		fmt.Sprintf("%.1f", e.Input12V.EnergyMWh),
	}
}
