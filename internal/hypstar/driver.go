// Package hypstar drives a HYPSTAR hyperspectral radiometer over a serial
// link.
//
// A Driver owns one port and is not safe for concurrent use: every
// operation writes a command and blocks until the instrument answers, a
// timeout elapses or the retry budget is spent. Callers that share a Driver
// between goroutines must serialize access themselves.
package hypstar

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

const (
	maxAttempts = 5

	readTimeout   = 500 * time.Millisecond
	bootedTimeout = 100 * time.Millisecond
	doneTimeout   = time.Second
	rebootTimeout = 15 * time.Second
)

// Driver is a session with one instrument.
type Driver struct {
	port    transport.Port
	name    string
	log     *logrus.Entry
	metrics *Metrics
	now     func() time.Time

	setTimeOnOpen bool

	rx   [protocol.RxBufferSize]byte
	baud int

	hw             protocol.HardwareInfo
	fw             protocol.FirmwareInfo
	flashWriteMode bool
	lastCaptureMs  uint16
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. By default each Driver gets its own logger
// writing to stderr, so levels can differ between sessions.
func WithLogger(l *logrus.Logger) Option {
	return func(d *Driver) { d.log = l.WithField("port", d.name) }
}

// WithLogLevel sets the verbosity of the session's logger.
func WithLogLevel(level LogLevel) Option {
	return func(d *Driver) { d.log.Logger.SetLevel(level.logrus()) }
}

// WithMetrics records link statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithSetTimeOnOpen controls whether Init copies the host clock to the
// instrument. Enabled by default.
func WithSetTimeOnOpen(on bool) Option {
	return func(d *Driver) { d.setTimeOnOpen = on }
}

// WithName sets the session name used in logs. Open uses the port path.
func WithName(name string) Option {
	return func(d *Driver) {
		d.name = name
		d.log = d.log.WithField("port", name)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New wraps an already open port. It does not talk to the instrument; call
// Init for that.
func New(port transport.Port, opts ...Option) *Driver {
	d := &Driver{
		port:          port,
		log:           logrus.NewEntry(logrus.New()),
		now:           time.Now,
		setTimeOnOpen: true,
		baud:          transport.DefaultBaudRate,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open opens the serial port described by cfg and initializes the session.
// An instrument in firmware update mode is not an error: the returned
// Driver is in flash write mode and only firmware commands will succeed.
func Open(cfg transport.Config, opts ...Option) (*Driver, error) {
	port, err := transport.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("hypstar: open %s: %w", cfg.PortPath, err)
	}
	d := New(port, append([]Option{WithName(cfg.PortPath)}, opts...)...)
	if cfg.BaudRate != 0 {
		d.baud = cfg.BaudRate
	}
	if err := d.Init(); err != nil {
		port.Close()
		return nil, err
	}
	return d, nil
}

// Init discards stale input, reads the hardware description and, if the
// instrument does not answer at the current line speed, searches every
// supported baud rate for it.
func (d *Driver) Init() error {
	d.log.Infof("connecting at %d baud", d.baud)
	if err := d.discardInput(); err != nil {
		return err
	}

	err := d.readHardwareInfo()
	switch {
	case err == nil:
	case errors.Is(err, protocol.InstrumentInFirmwareUpdateMode):
		d.log.Warn("instrument is in firmware update mode, only firmware commands are available")
		d.flashWriteMode = true
		return nil
	default:
		d.log.WithError(err).Error("no response from instrument, trying other baud rates")
		rate, ferr := d.findBaudRate()
		if ferr != nil {
			return ferr
		}
		d.log.Infof("instrument found at %d baud", rate)
	}

	d.log.WithFields(logrus.Fields{
		"serial":   d.hw.SerialNumber,
		"firmware": d.hw.FirmwareVersion(),
		"slots":    d.hw.MemorySlotCount,
	}).Info("connected")

	if d.setTimeOnOpen {
		if err := d.SetTime(d.now()); err != nil {
			return err
		}
	}
	return nil
}

// findBaudRate probes each supported speed with BOOTED. Any parsable
// answer, including a corruption report, proves the instrument listens at
// that speed.
func (d *Driver) findBaudRate() (int, error) {
	var lastErr error
	for _, rate := range protocol.BaudRates {
		d.log.Warnf("trying baud rate %d", rate)
		if err := d.port.SetBaudRate(int(rate)); err != nil {
			return 0, fmt.Errorf("hypstar: set line speed %d: %w", rate, err)
		}
		d.baud = int(rate)
		if err := d.discardInput(); err != nil {
			lastErr = err
			continue
		}
		err := d.readHardwareInfo()
		if err == nil || errors.Is(err, protocol.DeviceReportedCorruption) {
			return int(rate), nil
		}
		if errors.Is(err, protocol.InstrumentInFirmwareUpdateMode) {
			d.flashWriteMode = true
			return int(rate), nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("hypstar: instrument not found at any baud rate: %w", lastErr)
}

func (d *Driver) readHardwareInfo() error {
	f, err := d.exchange(protocol.Booted, nil, protocol.Booted, bootedTimeout)
	if err != nil {
		return err
	}
	hw, err := protocol.DecodeHardwareInfo(f.Payload)
	if err != nil {
		return fmt.Errorf("hypstar: BOOTED: %w", err)
	}
	d.hw = hw
	return nil
}

// Close restores the default line speed when it was changed and closes the
// port.
func (d *Driver) Close() error {
	if d.baud != transport.DefaultBaudRate && !d.flashWriteMode {
		if err := d.SetBaudRate(transport.DefaultBaudRate); err != nil {
			d.log.WithError(err).Warn("could not restore default baud rate")
		}
	}
	return d.port.Close()
}

// SetLogLevel changes the verbosity of the session's logger. A logger passed
// with WithLogger is shared, so its other users see the change too.
func (d *Driver) SetLogLevel(level LogLevel) {
	d.log.Logger.SetLevel(level.logrus())
}

// Name returns the session name, normally the port path.
func (d *Driver) Name() string { return d.name }

// Hardware returns the description read at connect time or after the last
// reboot.
func (d *Driver) Hardware() protocol.HardwareInfo { return d.hw }

// BaudRate returns the current line speed.
func (d *Driver) BaudRate() int { return d.baud }

// FlashWriteMode reports whether calibration and firmware writes are
// allowed.
func (d *Driver) FlashWriteMode() bool { return d.flashWriteMode }

// LastCaptureIntegrationMs returns the longest exposure of the most recent
// capture, or 0 when unknown.
func (d *Driver) LastCaptureIntegrationMs() uint16 { return d.lastCaptureMs }
