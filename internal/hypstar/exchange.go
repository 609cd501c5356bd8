package hypstar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

// replies maps a data request to the packet type that answers it.
var replies = map[protocol.Command]protocol.Command{
	protocol.Booted:     protocol.Booted,
	protocol.GetFWVer:   protocol.GetFWVer,
	protocol.GetSysTime: protocol.GetSysTime,
	protocol.SaveNewFW:  protocol.SaveNewFW,
	protocol.GetEnv:     protocol.EnvData,
	protocol.GetCalCoef: protocol.CalCoefs,
	protocol.GetSpec:    protocol.SpecData,
	protocol.GetSlots:   protocol.SlotData,
	protocol.GetMMImg:   protocol.ImgData,
	protocol.GetLog:     protocol.LogData,
}

// send encodes and writes one command frame.
func (d *Driver) send(cmd protocol.Command, params []byte) error {
	frame := protocol.Encode(cmd, params)
	if d.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		d.log.Tracef(">> % X", frame)
	}
	n, err := d.port.Write(frame)
	d.metrics.sent(n)
	if err != nil {
		return fmt.Errorf("hypstar: write %s: %w", cmd, err)
	}
	if n != len(frame) {
		return fmt.Errorf("hypstar: write %s: short write (%d of %d bytes)", cmd, n, len(frame))
	}
	return nil
}

// discardInput drops whatever the instrument sent that nobody asked for.
// An interrupted drain is reported as a transport timeout so exchange
// retries it.
func (d *Driver) discardInput() error {
	if err := d.port.Drain(); err != nil {
		return &protocol.Error{Kind: protocol.TransportTimeout, Err: err}
	}
	return nil
}

// readFull reads into p until it is full, the deadline passes or the port
// fails. Timeouts are not errors here; the caller judges the byte count.
func (d *Driver) readFull(p []byte, deadline time.Time) (int, error) {
	n := 0
	for n < len(p) {
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		m, err := d.port.Read(p[n:], wait)
		n += m
		if errors.Is(err, transport.ErrTimeout) {
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readFrame reads and validates one frame. No byte at all within timeout
// is a TransportTimeout; anything incomplete or damaged is a frame error.
func (d *Driver) readFrame(timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := d.rx[:]

	n, err := d.readFull(buf[:protocol.HeaderSize], deadline)
	if err != nil {
		return nil, fmt.Errorf("hypstar: read: %w", err)
	}
	if n == 0 {
		return nil, &protocol.Error{Kind: protocol.TransportTimeout, Err: transport.ErrTimeout}
	}
	if n == protocol.HeaderSize {
		length := int(binary.LittleEndian.Uint16(buf[1:3]))
		if length > len(buf) {
			length = len(buf)
		}
		if length > n {
			m, err := d.readFull(buf[n:length], deadline)
			n += m
			if err != nil {
				return nil, fmt.Errorf("hypstar: read: %w", err)
			}
		}
	}
	d.metrics.received(n)
	if d.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		d.log.Tracef("<< % X", buf[:n])
	}
	return protocol.Decode(buf[:n])
}

// accepts reports whether f answers cmd when want is expected. ACK and DONE
// must echo cmd. A zero want takes any frame.
func accepts(f *protocol.Frame, cmd, want protocol.Command) bool {
	switch want {
	case 0:
		return true
	case protocol.Ack, protocol.Done:
		return f.ID == want && f.Echo() == cmd
	default:
		return f.ID == want
	}
}

// exchange sends cmd and returns the frame that answers it.
//
// Up to maxAttempts commands are written. A garbled or missing reply is
// followed by RESEND so the instrument repeats its answer instead of
// running cmd twice. A corruption report from the instrument or a reply to
// something else makes us send cmd again. A NAK with any other code ends
// the exchange at once.
func (d *Driver) exchange(cmd protocol.Command, params []byte, want protocol.Command, timeout time.Duration) (*protocol.Frame, error) {
	f, err := d.exchangeAttempts(cmd, params, want, timeout)
	d.metrics.exchange(cmd, err)
	return f, err
}

func (d *Driver) exchangeAttempts(cmd protocol.Command, params []byte, want protocol.Command, timeout time.Duration) (*protocol.Frame, error) {
	var lastErr error
	resend := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.retry(cmd, lastErr)
			d.log.WithError(lastErr).Debugf("%s: attempt %d", cmd, attempt)
		}
		var err error
		if resend {
			resend = false
			if derr := d.discardInput(); derr != nil {
				lastErr = derr
				continue
			}
			err = d.send(protocol.Resend, nil)
		} else {
			err = d.send(cmd, params)
		}
		if err != nil {
			return nil, err
		}

		f, err := d.readFrame(timeout)
		if err == nil {
			if f.ID == protocol.Nak {
				err = d.nak(f)
			} else if accepts(f, cmd, want) {
				return f, nil
			} else {
				err = &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID, Err: protocol.ErrUnexpectedReply}
			}
		}
		lastErr = err

		switch {
		case protocol.IsRejection(err):
			d.log.WithError(err).Errorf("%s rejected", cmd)
			return nil, err
		case errors.Is(err, protocol.ErrUnexpectedReply):
			d.log.Debugf("%s: unexpected %s", cmd, f.ID)
			if derr := d.discardInput(); derr != nil {
				lastErr = derr
			}
		case errors.Is(err, protocol.ErrFrame):
			d.log.WithError(err).Debug("garbled reply, requesting repeat")
			resend = true
		case errors.Is(err, protocol.TransportTimeout):
			d.log.Debugf("%s: no reply, requesting repeat", cmd)
			resend = true
		case errors.Is(err, protocol.DeviceReportedCorruption):
		default:
			return nil, err
		}
	}
	d.log.WithError(lastErr).Errorf("no valid response to %s", cmd)
	return nil, &protocol.Error{Kind: protocol.RetriesExhausted, Command: cmd, Err: lastErr}
}

// nak parses a NAK frame into an error and counts it.
func (d *Driver) nak(f *protocol.Frame) error {
	err := protocol.ParseNAK(f)
	var pe *protocol.Error
	if errors.As(err, &pe) {
		d.metrics.nak(pe.Code)
	}
	return err
}

// request sends a data request and returns the matching data packet.
func (d *Driver) request(cmd protocol.Command, params []byte) (*protocol.Frame, error) {
	return d.exchange(cmd, params, replies[cmd], readTimeout)
}

// sendAndAwaitAck sends cmd and waits for the ACK echoing it.
func (d *Driver) sendAndAwaitAck(cmd protocol.Command, params []byte) error {
	_, err := d.exchange(cmd, params, protocol.Ack, readTimeout)
	if err == nil {
		d.log.Debugf("got ACK for %s", cmd)
	}
	return err
}

// awaitDone polls up to maxAttempts times for the DONE that completes cmd.
// Unrelated frames are skipped, a garbled frame is asked for again and a
// rejection ends the wait.
func (d *Driver) awaitDone(cmd protocol.Command, timeout time.Duration) (*protocol.Frame, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := d.readFrame(timeout)
		if err == nil {
			switch {
			case f.ID == protocol.Done && f.Echo() == cmd:
				d.log.Debugf("got DONE for %s", cmd)
				return f, nil
			case f.ID == protocol.Nak:
				err = d.nak(f)
				if protocol.IsRejection(err) {
					return nil, err
				}
			default:
				err = &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID, Err: protocol.ErrUnexpectedReply}
			}
		}
		lastErr = err
		if errors.Is(err, protocol.ErrFrame) && !errors.Is(err, protocol.ErrUnexpectedReply) {
			if err := d.discardInput(); err != nil {
				lastErr = err
				continue
			}
			if err := d.send(protocol.Resend, nil); err != nil {
				return nil, err
			}
			continue
		}
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			return nil, err
		}
	}
	d.log.WithError(lastErr).Errorf("no DONE for %s", cmd)
	return nil, &protocol.Error{Kind: protocol.RetriesExhausted, Command: cmd, Err: lastErr}
}

// sendAndAwaitDone sends cmd once and waits for its DONE. Used by commands
// the instrument completes without an ACK first.
func (d *Driver) sendAndAwaitDone(cmd protocol.Command, params []byte, timeout time.Duration) (*protocol.Frame, error) {
	if err := d.send(cmd, params); err != nil {
		return nil, err
	}
	return d.awaitDone(cmd, timeout)
}

// sendAndAwaitAckAndDone is sendAndAwaitAck followed by awaitDone.
func (d *Driver) sendAndAwaitAckAndDone(cmd protocol.Command, params []byte, timeout time.Duration) (*protocol.Frame, error) {
	if err := d.sendAndAwaitAck(cmd, params); err != nil {
		return nil, err
	}
	return d.awaitDone(cmd, timeout)
}
