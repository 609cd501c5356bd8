// Package sim is an in-memory instrument speaking the wire protocol. It
// implements transport.Port so the driver can run without hardware.
package sim

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

// Faults injects link errors into the next responses or commands.
type Faults struct {
	CorruptResponses int // flip the checksum byte of the next N responses
	DropResponses    int // swallow the next N responses
	RejectCommands   int // answer the next N commands with NAK BAD_CRC
}

// chunk is queued output tagged with the line speed it was sent at.
type chunk struct {
	baud int
	data []byte
}

// Instrument simulates the radiometer firmware.
type Instrument struct {
	mu sync.Mutex

	rx       []byte
	out      []chunk
	deferred [][]byte
	last     []byte
	hostBaud int
	baud     int
	closed   bool
	faults   Faults
	received []protocol.Command

	hw            protocol.HardwareInfo
	fw            protocol.FirmwareInfo
	updateMode    bool
	flashMode     bool
	timeOffset    time.Duration
	tec           float32
	autoIT        uint16
	lastIT        uint16
	slotsCRC      bool
	spectra       map[uint16]*protocol.Spectrum
	nextSlot      uint16
	lastSlots     []uint16
	image         []byte
	imageReq      protocol.ImageRequest
	basic         protocol.BasicCalibration
	calibration   []byte
	pendingCal    []byte
	upload        []byte
	firmwareSize  int
	firmware      []byte
	firmwareSaved bool
	rnd           *rand.Rand
	envBase       time.Time
}

// New returns an instrument with VNIR, SWIR, multiplexer, camera and all
// housekeeping sensors fitted, idle at 115200 baud.
func New() *Instrument {
	i := &Instrument{
		hostBaud: transport.DefaultBaudRate,
		baud:     transport.DefaultBaudRate,
		hw: protocol.HardwareInfo{
			FirmwareMajor:      0,
			FirmwareMinor:      15,
			FirmwareRevision:   24,
			SerialNumber:       220241,
			MCUHardwareVersion: 3,
			PSUHardwareVersion: 2,
			VNIRSerialNumber:   10331,
			SWIRSerialNumber:   2014,
			MemorySlotCount:    4096,
			Flags: protocol.HWVNIR | protocol.HWSWIR | protocol.HWMultiplexer | protocol.HWCamera |
				protocol.HWAccelerometer | protocol.HWHumidity | protocol.HWPressure | protocol.HWTEC |
				protocol.HWSDCard | protocol.HWPowerMonitor1 | protocol.HWPowerMonitor2,
		},
		fw:      protocol.FirmwareInfo{Major: 0, Minor: 15, Revision: 24, FlashSlot: 1, MCUHardwareVersion: 3, PSUHardwareVersion: 2},
		tec:     -100,
		autoIT:  64,
		spectra: map[uint16]*protocol.Spectrum{},
		rnd:     rand.New(rand.NewSource(1)),
		envBase: time.Now(),
	}
	i.basic.VNIRWavelength = [6]float64{318.89, 0.5537, -2.9e-5, -3.4e-9, 0, 0}
	i.basic.SWIRWavelength = [5]float64{941.2, 3.11, -0.0012, 0, 0}
	i.basic.AccelerometerLevel = [3]int16{12, -40, 16300}

	cal := &protocol.ExtendedCalibration{SerialNumber: i.hw.SerialNumber, Year: 2021, Month: 5, Day: 17,
		AccelerometerLevel: i.basic.AccelerometerLevel}
	for p := range cal.VNIRRadiance {
		cal.VNIRRadiance[p] = 1e-4 * float32(1+p%7)
		cal.VNIRIrradiance[p] = 3e-4 * float32(1+p%5)
	}
	i.calibration, _ = cal.MarshalBinary()
	return i
}

// SetHardware replaces the BOOTED record.
func (i *Instrument) SetHardware(h protocol.HardwareInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hw = h
}

// SetLineSpeed sets the instrument-side baud rate, e.g. to emulate an
// instrument left at a higher speed by a previous session.
func (i *Instrument) SetLineSpeed(baud int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.baud = baud
}

// LineSpeed returns the instrument-side baud rate.
func (i *Instrument) LineSpeed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.baud
}

// SetFirmwareUpdateMode makes BOOTED answer with NAK BAD_STATE.
func (i *Instrument) SetFirmwareUpdateMode(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.updateMode = on
}

// SetFaults arms fault injection.
func (i *Instrument) SetFaults(f Faults) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.faults = f
}

// SetAutoIntegrationMs sets the exposure the automatic search settles on.
func (i *Instrument) SetAutoIntegrationMs(ms uint16) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.autoIT = ms
}

// SetSlotsCRC controls whether GET_SLOTS datasets carry a CRC. Current
// firmware omits it, which is the default here.
func (i *Instrument) SetSlotsCRC(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.slotsCRC = on
}

// Received returns the identifiers of every command frame accepted so far.
func (i *Instrument) Received() []protocol.Command {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]protocol.Command(nil), i.received...)
}

// LastImageRequest returns the parameters of the last accepted picture.
func (i *Instrument) LastImageRequest() protocol.ImageRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.imageReq
}

// TECSetpoint returns the last accepted thermal setpoint.
func (i *Instrument) TECSetpoint() float32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tec
}

// Firmware returns the last firmware image received, without its CRC, and
// whether it was saved.
func (i *Instrument) Firmware() ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.firmware) < 4 {
		return nil, i.firmwareSaved
	}
	return append([]byte(nil), i.firmware[:len(i.firmware)-4]...), i.firmwareSaved
}

// Clock returns the instrument's notion of now.
func (i *Instrument) Clock() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Now().Add(i.timeOffset)
}

// Read implements transport.Port. It never waits: when nothing is queued
// the read times out immediately.
func (i *Instrument) Read(p []byte, timeout time.Duration) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, errors.New("sim: port closed")
	}
	if len(i.out) == 0 && len(i.deferred) > 0 {
		next := i.deferred[0]
		i.deferred = i.deferred[1:]
		i.respond(next)
	}
	for len(i.out) > 0 {
		c := &i.out[0]
		if c.baud != i.hostBaud {
			// sent at a different speed, the host only ever sees noise
			i.out = i.out[1:]
			continue
		}
		n := copy(p, c.data)
		c.data = c.data[n:]
		if len(c.data) == 0 {
			i.out = i.out[1:]
		}
		return n, nil
	}
	return 0, transport.ErrTimeout
}

// Write implements transport.Port.
func (i *Instrument) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, errors.New("sim: port closed")
	}
	if i.hostBaud != i.baud {
		return len(p), nil
	}
	i.rx = append(i.rx, p...)
	for len(i.rx) >= protocol.HeaderSize {
		length := int(binary.LittleEndian.Uint16(i.rx[1:3]))
		if length < protocol.FrameOverhead || length > protocol.MaxFrameSize {
			i.rx = nil
			i.respond(protocol.Encode(protocol.Nak, []byte{byte(protocol.CodeTooShort)}))
			break
		}
		if len(i.rx) < length {
			break
		}
		frame := append([]byte(nil), i.rx[:length]...)
		i.rx = i.rx[length:]
		i.handle(frame)
	}
	return len(p), nil
}

// Drain implements transport.Port. Responses the firmware has not produced
// yet are kept.
func (i *Instrument) Drain() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.out = nil
	return nil
}

// SetBaudRate implements transport.Port for the host side of the link.
func (i *Instrument) SetBaudRate(baud int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hostBaud = baud
	return nil
}

func (i *Instrument) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// respond queues a frame for immediate delivery.
func (i *Instrument) respond(frame []byte) {
	i.last = frame
	if i.faults.DropResponses > 0 {
		i.faults.DropResponses--
		return
	}
	data := append([]byte(nil), frame...)
	if i.faults.CorruptResponses > 0 {
		i.faults.CorruptResponses--
		data[len(data)-1] ^= 0x5A
	}
	i.out = append(i.out, chunk{baud: i.baud, data: data})
}

// later queues a frame the firmware emits once the current task finishes.
func (i *Instrument) later(frame []byte) {
	i.deferred = append(i.deferred, frame)
}

func (i *Instrument) ack(cmd protocol.Command) {
	i.respond(protocol.Encode(protocol.Ack, []byte{byte(cmd)}))
}

func (i *Instrument) done(cmd protocol.Command, param ...uint16) []byte {
	payload := []byte{byte(cmd)}
	for _, p := range param {
		payload = binary.LittleEndian.AppendUint16(payload, p)
	}
	return protocol.Encode(protocol.Done, payload)
}

func (i *Instrument) nak(raw []byte, code protocol.Code, params ...protocol.ParamError) {
	i.respond(protocol.EncodeNAK(raw, code, params...))
}

func (i *Instrument) badParm(raw []byte, code protocol.Code, index byte) {
	i.nak(raw, protocol.CodeBadParm, protocol.ParamError{Code: code, Index: index})
}
