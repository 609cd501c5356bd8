package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// tarmPoll is the VTIME granularity used underneath Read deadlines.
const tarmPoll = 100 * time.Millisecond

// Tarm is a Port backed by github.com/tarm/serial. The library has no
// SetMode, so a speed change reopens the device.
type Tarm struct {
	cfg  serial.Config
	port *serial.Port
}

// OpenTarm opens path at the given speed.
func OpenTarm(path string, baud int) (*Tarm, error) {
	t := &Tarm{cfg: serial.Config{Name: path, Baud: baud, ReadTimeout: tarmPoll}}
	port, err := serial.OpenPort(&t.cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", path, err)
	}
	t.port = port
	return t, nil
}

func (t *Tarm) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := t.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("transport: %s: read: %w", t.cfg.Name, err)
		}
		if !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
	}
}

func (t *Tarm) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: %s: write: %w", t.cfg.Name, err)
	}
	return n, nil
}

func (t *Tarm) Drain() error {
	time.Sleep(drainSettle)
	if err := t.port.Flush(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInterrupted, t.cfg.Name, err)
	}
	return nil
}

func (t *Tarm) SetBaudRate(baud int) error {
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("transport: %s: close for baud change: %w", t.cfg.Name, err)
	}
	cfg := t.cfg
	cfg.Baud = baud
	port, err := serial.OpenPort(&cfg)
	if err != nil {
		return fmt.Errorf("transport: %s: reopen at %d: %w", t.cfg.Name, baud, err)
	}
	t.cfg = cfg
	t.port = port
	return nil
}

func (t *Tarm) Close() error {
	return t.port.Close()
}
