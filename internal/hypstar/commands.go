package hypstar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
)

const (
	// TECOff is the setpoint that switches SWIR cooling off.
	TECOff = -100.0
	// MinTECSetpoint and MaxTECSetpoint bound the SWIR temperature in °C.
	MinTECSetpoint = -15.0
	MaxTECSetpoint = 40.0

	tecTimeout          = 120 * time.Second
	saveCalTimeout      = 5 * time.Second
	imageTimeout        = 30 * time.Second
	firmwareSaveTimeout = 30 * time.Second

	// flashUnlockLength is the image length announced when entering flash
	// write mode for anything but a firmware upload.
	flashUnlockLength = 100000
)

// ErrCalibrationUnavailable is wrapped into the error returned when the
// extended calibration record fails its CRC, usually because the flash
// area was never written.
var ErrCalibrationUnavailable = errors.New("hypstar: extended calibration not available")

// GetTime returns the instrument clock.
func (d *Driver) GetTime() (time.Time, error) {
	f, err := d.request(protocol.GetSysTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	if len(f.Payload) < 8 {
		return time.Time{}, &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID,
			Received: len(f.Payload), Expected: 8, Err: protocol.ErrTooShort}
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(f.Payload)), 0).UTC(), nil
}

// SetTime sets the instrument clock, with one second resolution.
func (d *Driver) SetTime(t time.Time) error {
	return d.sendAndAwaitAck(protocol.SetSysTime, binary.LittleEndian.AppendUint64(nil, uint64(t.Unix())))
}

// HardwareInfo asks the instrument for its hardware description again.
func (d *Driver) HardwareInfo() (protocol.HardwareInfo, error) {
	if err := d.readHardwareInfo(); err != nil {
		return protocol.HardwareInfo{}, err
	}
	return d.hw, nil
}

// FirmwareInfo returns the running firmware version and flash slot. The
// answer is cached until the firmware slot is switched.
func (d *Driver) FirmwareInfo() (protocol.FirmwareInfo, error) {
	if !d.fw.IsZero() {
		return d.fw, nil
	}
	f, err := d.request(protocol.GetFWVer, nil)
	if err != nil {
		return protocol.FirmwareInfo{}, err
	}
	fw, err := protocol.DecodeFirmwareInfo(f.Payload)
	if err != nil {
		return protocol.FirmwareInfo{}, fmt.Errorf("hypstar: %s: %w", f.ID, err)
	}
	d.fw = fw
	return fw, nil
}

// EnvironmentLog returns a housekeeping log entry. Index 0 is the most
// recent one.
func (d *Driver) EnvironmentLog(index uint8) (protocol.EnvironmentLogEntry, error) {
	f, err := d.request(protocol.GetEnv, []byte{index})
	if err != nil {
		return protocol.EnvironmentLogEntry{}, err
	}
	e, err := protocol.DecodeEnvironmentLogEntry(f.Payload)
	if err != nil {
		return protocol.EnvironmentLogEntry{}, fmt.Errorf("hypstar: %s: %w", f.ID, err)
	}
	return e, nil
}

// CalibrationBasic returns the wavelength and linearity coefficients.
func (d *Driver) CalibrationBasic() (protocol.BasicCalibration, error) {
	f, err := d.request(protocol.GetCalCoef, nil)
	if err != nil {
		return protocol.BasicCalibration{}, err
	}
	c, err := protocol.DecodeBasicCalibration(f.Payload)
	if err != nil {
		return protocol.BasicCalibration{}, fmt.Errorf("hypstar: %s: %w", f.ID, err)
	}
	return c, nil
}

// CalibrationExtended downloads the per-pixel calibration record.
func (d *Driver) CalibrationExtended() (*protocol.ExtendedCalibration, error) {
	data, err := d.fetchDataset(protocol.GetCalCoef, nil)
	if errors.Is(err, protocol.DatasetCrcMismatch) {
		d.log.Error("extended calibration coefficients not available")
		return nil, fmt.Errorf("%w: %w", ErrCalibrationUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	c, err := protocol.DecodeExtendedCalibration(data)
	if err != nil {
		return nil, fmt.Errorf("hypstar: extended calibration: %w", err)
	}
	return c, nil
}

func (d *Driver) requireFlashWriteMode(cmd protocol.Command) error {
	if !d.flashWriteMode {
		return &protocol.Error{Kind: protocol.NotInFlashWriteMode, Command: cmd}
	}
	return nil
}

// SendCalibration uploads a new extended calibration record. Its CRC is
// recomputed. The record only takes effect after SaveCalibration. Requires
// flash write mode.
func (d *Driver) SendCalibration(c *protocol.ExtendedCalibration) error {
	if err := d.requireFlashWriteMode(protocol.SetCalCoef); err != nil {
		return err
	}
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	d.log.Debugf("uploading calibration dated %s, crc 0x%08X", c.Date(), c.CRC32)
	return d.sendDataset(protocol.SetCalCoef, data)
}

// SaveCalibration writes the uploaded calibration record to flash.
func (d *Driver) SaveCalibration() error {
	if err := d.requireFlashWriteMode(protocol.SaveCalCoef); err != nil {
		return err
	}
	_, err := d.sendAndAwaitAckAndDone(protocol.SaveCalCoef, nil, saveCalTimeout)
	return err
}

// CaptureImage takes a picture with the given request and returns the
// image size the instrument reports.
func (d *Driver) CaptureImage(req protocol.ImageRequest, timeout time.Duration) (int, error) {
	params, err := req.MarshalBinary()
	if err != nil {
		return 0, err
	}
	f, err := d.sendAndAwaitAckAndDone(protocol.CaptureMMImg, params, timeout)
	if err != nil {
		return 0, fmt.Errorf("hypstar: capture image: %w", err)
	}
	size, ok := f.DoneParam()
	if !ok {
		return 0, &protocol.Error{Kind: protocol.MalformedFrame, Command: protocol.CaptureMMImg,
			Received: len(f.Payload), Expected: 3, Err: protocol.ErrTooShort}
	}
	return int(size), nil
}

// CaptureJPEG takes a JPEG picture at res. Auto focus is not requested.
func (d *Driver) CaptureJPEG(res protocol.Resolution, flipV, mirrorH bool) (int, error) {
	w, h := res.Size()
	return d.CaptureImage(protocol.ImageRequest{
		Format:  protocol.ImageFormatJPEG,
		Width:   w,
		Height:  h,
		FlipV:   flipV,
		MirrorH: mirrorH,
	}, imageTimeout)
}

// DownloadImage fetches the last captured picture.
func (d *Driver) DownloadImage() (*protocol.Image, error) {
	data, err := d.fetchDataset(protocol.GetMMImg, nil)
	if err != nil {
		return nil, fmt.Errorf("hypstar: image: %w", err)
	}
	if len(data) < 1+4 {
		return nil, &protocol.Error{Kind: protocol.MalformedFrame, Command: protocol.GetMMImg,
			Received: len(data), Expected: 5, Err: protocol.ErrTooShort}
	}
	return &protocol.Image{
		Format: protocol.ImageFormat(data[0]),
		Data:   data[1 : len(data)-4],
		Size:   len(data),
	}, nil
}

// AcquireJPEG takes a full resolution JPEG without auto focus and
// downloads it.
func (d *Driver) AcquireJPEG(flipV, mirrorH bool) (*protocol.Image, error) {
	size, err := d.CaptureJPEG(protocol.Res5MP, flipV, mirrorH)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("hypstar: camera returned an empty image")
	}
	return d.DownloadImage()
}

// SetTECSetpoint regulates the SWIR sensor to setpoint °C and waits until
// the temperature has settled. TECOff switches regulation off.
func (d *Driver) SetTECSetpoint(setpoint float32) error {
	if setpoint != TECOff && (setpoint < MinTECSetpoint || setpoint > MaxTECSetpoint) {
		return fmt.Errorf("hypstar: TEC setpoint %.1f outside [%.1f, %.1f]", setpoint, MinTECSetpoint, MaxTECSetpoint)
	}
	params := binary.LittleEndian.AppendUint32(nil, math.Float32bits(setpoint))
	if _, err := d.sendAndAwaitAckAndDone(protocol.SetSWIRTemp, params, tecTimeout); err != nil {
		return fmt.Errorf("hypstar: SWIR temperature did not stabilize: %w", err)
	}
	return nil
}

// ShutdownTEC switches SWIR cooling off.
func (d *Driver) ShutdownTEC() error {
	return d.SetTECSetpoint(TECOff)
}

// Reboot restarts the instrument and waits for it to report back at the
// default line speed.
func (d *Driver) Reboot() error {
	if err := d.send(protocol.Reboot, nil); err != nil {
		return err
	}
	d.flashWriteMode = false
	d.fw = protocol.FirmwareInfo{}
	if d.baud != transport.DefaultBaudRate {
		if err := d.port.SetBaudRate(transport.DefaultBaudRate); err != nil {
			return fmt.Errorf("hypstar: set line speed: %w", err)
		}
		d.baud = transport.DefaultBaudRate
	}
	f, err := d.readFrame(rebootTimeout)
	if err != nil {
		return fmt.Errorf("hypstar: reboot: %w", err)
	}
	if f.ID != protocol.Booted {
		return &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID, Err: protocol.ErrUnexpectedReply}
	}
	hw, err := protocol.DecodeHardwareInfo(f.Payload)
	if err != nil {
		return fmt.Errorf("hypstar: BOOTED: %w", err)
	}
	d.hw = hw
	d.log.Info("instrument rebooted")
	return nil
}

// EnterFlashWriteMode unlocks calibration writes.
func (d *Driver) EnterFlashWriteMode() error {
	return d.enterFlashWriteMode(flashUnlockLength)
}

func (d *Driver) enterFlashWriteMode(length int32) error {
	params := binary.LittleEndian.AppendUint32(nil, uint32(length))
	if _, err := d.sendAndAwaitDone(protocol.EnterFlashWriteMode, params, doneTimeout); err != nil {
		return err
	}
	d.flashWriteMode = true
	return nil
}

// SendFirmware uploads a firmware image. A CRC is appended and the length
// announced to the instrument first. The image is stored with SaveFirmware
// and started with SwitchFirmwareSlot.
func (d *Driver) SendFirmware(image []byte) error {
	if len(image) == 0 {
		return errors.New("hypstar: empty firmware image")
	}
	crc := protocol.ChecksumPadded(image)
	data := binary.LittleEndian.AppendUint32(append([]byte(nil), image...), crc)
	d.log.Debugf("firmware length with CRC: %d, CRC: 0x%08X", len(data), crc)

	if err := d.enterFlashWriteMode(int32(len(data))); err != nil {
		return err
	}
	return d.sendDataset(protocol.FWData, data)
}

// SendFirmwareFile uploads the firmware image stored at path.
func (d *Driver) SendFirmwareFile(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hypstar: firmware: %w", err)
	}
	return d.SendFirmware(image)
}

// SaveFirmware writes the uploaded image to the inactive flash slot.
func (d *Driver) SaveFirmware() error {
	if err := d.requireFlashWriteMode(protocol.SaveNewFW); err != nil {
		return err
	}
	_, err := d.exchange(protocol.SaveNewFW, nil, protocol.SaveNewFW, firmwareSaveTimeout)
	return err
}

// SwitchFirmwareSlot makes the instrument boot the other flash slot.
func (d *Driver) SwitchFirmwareSlot() error {
	if err := d.requireFlashWriteMode(protocol.BootNewFW); err != nil {
		return err
	}
	d.fw = protocol.FirmwareInfo{}
	if _, err := d.exchange(protocol.BootNewFW, nil, 0, firmwareSaveTimeout); err != nil {
		return err
	}
	d.flashWriteMode = false
	return nil
}

// SetBaudRate changes the line speed. The instrument acknowledges at the
// old speed and confirms with DONE at the new one. If that DONE is lost the
// error has kind TransportTimeout and the session stays at the new speed.
func (d *Driver) SetBaudRate(rate protocol.BaudRate) error {
	if !rate.Valid() {
		return fmt.Errorf("hypstar: unsupported baud rate %d", rate)
	}
	if err := d.sendAndAwaitAck(protocol.SetBaud, binary.LittleEndian.AppendUint32(nil, uint32(rate))); err != nil {
		return fmt.Errorf("hypstar: set baud rate: %w", err)
	}
	if err := d.port.SetBaudRate(int(rate)); err != nil {
		return fmt.Errorf("hypstar: set line speed: %w", err)
	}
	d.baud = int(rate)

	f, err := d.readFrame(doneTimeout)
	if err != nil {
		d.log.WithError(err).Error("no DONE after switching baud rate")
		return fmt.Errorf("hypstar: set baud rate: %w", err)
	}
	if f.ID != protocol.Done || f.Echo() != protocol.SetBaud {
		return &protocol.Error{Kind: protocol.MalformedFrame, Command: f.ID, Err: protocol.ErrUnexpectedReply}
	}
	d.log.Debugf("switched baud rate to %d", rate)
	return nil
}
