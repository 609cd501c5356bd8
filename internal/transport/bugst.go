package transport

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.bug.st/serial"
)

// Bugst is a Port backed by go.bug.st/serial.
type Bugst struct {
	path string
	port serial.Port
	mode serial.Mode
	// last timeout handed to SetReadTimeout, to skip redundant ioctls
	timeout time.Duration
}

// OpenBugst opens path at 8N1 and the given speed.
func OpenBugst(path string, baud int) (*Bugst, error) {
	mode := serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, &mode)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open %s: %w", path, err)
	}
	return &Bugst{path: path, port: port, mode: mode}, nil
}

func (b *Bugst) Read(p []byte, timeout time.Duration) (int, error) {
	if timeout != b.timeout {
		if err := b.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("transport: %s: set read timeout: %w", b.path, err)
		}
		b.timeout = timeout
	}
	n, err := b.port.Read(p)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return n, ErrInterrupted
		}
		return n, fmt.Errorf("transport: %s: read: %w", b.path, err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (b *Bugst) Write(p []byte) (int, error) {
	n, err := b.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: %s: write: %w", b.path, err)
	}
	return n, nil
}

func (b *Bugst) Drain() error {
	time.Sleep(drainSettle)
	if err := b.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInterrupted, b.path, err)
	}
	return nil
}

func (b *Bugst) SetBaudRate(baud int) error {
	mode := b.mode
	mode.BaudRate = baud
	if err := b.port.SetMode(&mode); err != nil {
		return fmt.Errorf("transport: %s: set baud %d: %w", b.path, baud, err)
	}
	b.mode = mode
	return nil
}

func (b *Bugst) Close() error {
	return b.port.Close()
}
