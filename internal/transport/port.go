// Package transport provides the serial links the instrument driver runs
// over.
package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by Read when no byte arrived before the
	// deadline.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrInterrupted is returned when discarding pending input was cut
	// short. Callers may retry.
	ErrInterrupted = errors.New("transport: interrupted")
)

// Port is a byte link with per-read timeouts.
type Port interface {
	// Read blocks until at least one byte is available or timeout
	// elapses, in which case it returns 0 and ErrTimeout.
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	// Drain discards any input received so far.
	Drain() error
	SetBaudRate(baud int) error
	Close() error
}

// Config selects and configures a serial backend.
type Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Backend  string `yaml:"backend" json:"backend"` // "bugst" (default) or "tarm"
}

const (
	DefaultBaudRate = 115200

	// drainSettle gives the UART time to move the last byte of an
	// in-flight frame into the input queue before it is flushed.
	drainSettle = 1100 * time.Microsecond
)

// Open opens the configured backend.
func Open(cfg Config) (Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	switch cfg.Backend {
	case "", "bugst":
		p, err := OpenBugst(cfg.PortPath, cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "tarm":
		p, err := OpenTarm(cfg.PortPath, cfg.BaudRate)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("transport: unknown backend %q", cfg.Backend)
	}
}
