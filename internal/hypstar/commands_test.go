package hypstar

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
	"github.com/shaunagostinho/hypstar-go/internal/sim"
)

func countReceived(inst *sim.Instrument, cmd protocol.Command) int {
	n := 0
	for _, c := range inst.Received() {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestTime(t *testing.T) {
	d, _ := newSimDriver(t)

	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := d.SetTime(want); err != nil {
		t.Fatalf("SetTime() error = %v", err)
	}
	got, err := d.GetTime()
	if err != nil {
		t.Fatalf("GetTime() error = %v", err)
	}
	if diff := got.Sub(want); diff < -time.Second || diff > 2*time.Second {
		t.Errorf("GetTime() = %s, want about %s", got, want)
	}
}

func TestInitSetsClock(t *testing.T) {
	inst := sim.New()
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	d := New(inst, WithLogger(quietLogger()), WithClock(func() time.Time { return now }))
	if err := d.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if diff := inst.Clock().Sub(now); diff < -time.Second || diff > 2*time.Second {
		t.Errorf("instrument clock = %s, want about %s", inst.Clock(), now)
	}

	inst = sim.New()
	d = New(inst, WithLogger(quietLogger()), WithSetTimeOnOpen(false))
	if err := d.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if n := countReceived(inst, protocol.SetSysTime); n != 0 {
		t.Errorf("SET_SYSTIME sent %d times with clock sync disabled", n)
	}
}

func TestFirmwareInfoCached(t *testing.T) {
	d, inst := newSimDriver(t)

	for i := 0; i < 3; i++ {
		fw, err := d.FirmwareInfo()
		if err != nil {
			t.Fatalf("FirmwareInfo() error = %v", err)
		}
		if fw.Major != 0 || fw.Minor != 15 || fw.Revision != 24 {
			t.Errorf("firmware = %s, want 0.15.24", fw)
		}
	}
	if n := countReceived(inst, protocol.GetFWVer); n != 1 {
		t.Errorf("GET_FW_VER sent %d times, want 1", n)
	}
}

func TestHardwareInfo(t *testing.T) {
	d, _ := newSimDriver(t)

	hw, err := d.HardwareInfo()
	if err != nil {
		t.Fatalf("HardwareInfo() error = %v", err)
	}
	if hw.SerialNumber != 220241 || hw.MemorySlotCount != 4096 {
		t.Errorf("hardware = %+v", hw)
	}
	if !hw.Has(protocol.HWSWIR) || !hw.Has(protocol.HWCamera) {
		t.Errorf("flags = %#x, want SWIR and camera", hw.Flags)
	}
}

func TestEnvironmentLog(t *testing.T) {
	d, _ := newSimDriver(t)

	e, err := d.EnvironmentLog(0)
	if err != nil {
		t.Fatalf("EnvironmentLog() error = %v", err)
	}
	if e.Timestamp == 0 {
		t.Error("timestamp is zero")
	}
	if e.Input12V.Voltage < 11 || e.Input12V.Voltage > 13 {
		t.Errorf("12 V input = %.2f V", e.Input12V.Voltage)
	}
	older, err := d.EnvironmentLog(5)
	if err != nil {
		t.Fatalf("EnvironmentLog(5) error = %v", err)
	}
	if !older.Time().Before(e.Time()) {
		t.Errorf("entry 5 at %s is not older than entry 0 at %s", older.Time(), e.Time())
	}
}

func TestCalibration(t *testing.T) {
	d, _ := newSimDriver(t)

	basic, err := d.CalibrationBasic()
	if err != nil {
		t.Fatalf("CalibrationBasic() error = %v", err)
	}
	if basic.VNIRWavelength[0] != 318.89 {
		t.Errorf("VNIR wavelength c0 = %v, want 318.89", basic.VNIRWavelength[0])
	}

	ext, err := d.CalibrationExtended()
	if err != nil {
		t.Fatalf("CalibrationExtended() error = %v", err)
	}
	if ext.SerialNumber != 220241 || ext.Date() != "2021-05-17" {
		t.Errorf("extended calibration serial %d dated %s", ext.SerialNumber, ext.Date())
	}
}

func TestCalibrationUpload(t *testing.T) {
	d, _ := newSimDriver(t)

	ext, err := d.CalibrationExtended()
	if err != nil {
		t.Fatalf("CalibrationExtended() error = %v", err)
	}
	ext.Year, ext.Month, ext.Day = 2024, 6, 30
	ext.VNIRRadiance[100] = 42

	if err := d.SendCalibration(ext); protocol.KindOf(err) != protocol.NotInFlashWriteMode {
		t.Fatalf("SendCalibration() outside flash mode error = %v, want NotInFlashWriteMode", err)
	}
	if err := d.SaveCalibration(); protocol.KindOf(err) != protocol.NotInFlashWriteMode {
		t.Fatalf("SaveCalibration() outside flash mode error = %v, want NotInFlashWriteMode", err)
	}

	if err := d.EnterFlashWriteMode(); err != nil {
		t.Fatalf("EnterFlashWriteMode() error = %v", err)
	}
	if !d.FlashWriteMode() {
		t.Fatal("flash write mode not set")
	}
	if err := d.SendCalibration(ext); err != nil {
		t.Fatalf("SendCalibration() error = %v", err)
	}
	if err := d.SaveCalibration(); err != nil {
		t.Fatalf("SaveCalibration() error = %v", err)
	}

	got, err := d.CalibrationExtended()
	if err != nil {
		t.Fatalf("CalibrationExtended() after upload error = %v", err)
	}
	if got.Date() != "2024-06-30" || got.VNIRRadiance[100] != 42 {
		t.Errorf("calibration after upload dated %s, pixel 100 = %v", got.Date(), got.VNIRRadiance[100])
	}
}

func TestCalibrationUnavailable(t *testing.T) {
	body := make([]byte, 100)
	d, _ := newMockDriver(packet(protocol.CalCoefs, 0, 1, append(body, 1, 2, 3, 4)))

	_, err := d.CalibrationExtended()
	if !errors.Is(err, ErrCalibrationUnavailable) {
		t.Errorf("error = %v, want ErrCalibrationUnavailable", err)
	}
	if protocol.KindOf(err) != protocol.DatasetCrcMismatch {
		t.Errorf("kind = %v, want DatasetCrcMismatch", protocol.KindOf(err))
	}
}

func TestTECSetpoint(t *testing.T) {
	d, inst := newSimDriver(t)

	if err := d.SetTECSetpoint(10); err != nil {
		t.Fatalf("SetTECSetpoint(10) error = %v", err)
	}
	if got := inst.TECSetpoint(); got != 10 {
		t.Errorf("setpoint = %v, want 10", got)
	}

	sent := countReceived(inst, protocol.SetSWIRTemp)
	for _, v := range []float32{-16, 41, -99} {
		if err := d.SetTECSetpoint(v); err == nil {
			t.Errorf("SetTECSetpoint(%v) succeeded", v)
		}
	}
	if n := countReceived(inst, protocol.SetSWIRTemp); n != sent {
		t.Errorf("out of range setpoints reached the instrument (%d commands)", n-sent)
	}

	if err := d.ShutdownTEC(); err != nil {
		t.Fatalf("ShutdownTEC() error = %v", err)
	}
	if got := inst.TECSetpoint(); got != TECOff {
		t.Errorf("setpoint = %v, want %v", got, TECOff)
	}
}

func TestAcquireJPEG(t *testing.T) {
	d, inst := newSimDriver(t)

	img, err := d.AcquireJPEG(false, true)
	if err != nil {
		t.Fatalf("AcquireJPEG() error = %v", err)
	}
	w, h := protocol.Res5MP.Size()
	want := protocol.ImageRequest{Format: protocol.ImageFormatJPEG, Width: w, Height: h, MirrorH: true}
	if got := inst.LastImageRequest(); got != want {
		t.Errorf("image request = %+v, want %+v", got, want)
	}
	if img.Format != protocol.ImageFormatJPEG {
		t.Errorf("format = %#x, want JPEG", img.Format)
	}
	if !bytes.HasPrefix(img.Data, []byte{0xFF, 0xD8, 0xFF, 0xE0}) {
		t.Errorf("image starts with % X", img.Data[:4])
	}
	if !bytes.HasSuffix(img.Data, []byte{0xFF, 0xD9}) {
		t.Error("image does not end with an EOI marker")
	}
	if want := 2592*1944/100 + 5; img.Size != want {
		t.Errorf("size = %d, want %d", img.Size, want)
	}
}

func TestCaptureImageRejected(t *testing.T) {
	d, _ := newSimDriver(t)

	_, err := d.CaptureImage(protocol.ImageRequest{Format: protocol.ImageFormatJPEG, Width: 123, Height: 45}, time.Second)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Kind != protocol.DeviceRejected {
		t.Fatalf("error = %v, want DeviceRejected", err)
	}
	if len(pe.Params) != 1 || pe.Params[0].Code != protocol.CodeBadResolution {
		t.Errorf("params = %v, want bad resolution", pe.Params)
	}
}

func TestFirmwareUpdate(t *testing.T) {
	d, inst := newSimDriver(t)

	if err := d.SaveFirmware(); protocol.KindOf(err) != protocol.NotInFlashWriteMode {
		t.Fatalf("SaveFirmware() outside flash mode error = %v", err)
	}
	if err := d.SwitchFirmwareSlot(); protocol.KindOf(err) != protocol.NotInFlashWriteMode {
		t.Fatalf("SwitchFirmwareSlot() outside flash mode error = %v", err)
	}

	before, err := d.FirmwareInfo()
	if err != nil {
		t.Fatalf("FirmwareInfo() error = %v", err)
	}

	image := make([]byte, 3000)
	for i := range image {
		image[i] = byte(i * 13)
	}
	if err := d.SendFirmware(image); err != nil {
		t.Fatalf("SendFirmware() error = %v", err)
	}
	if err := d.SaveFirmware(); err != nil {
		t.Fatalf("SaveFirmware() error = %v", err)
	}
	if err := d.SwitchFirmwareSlot(); err != nil {
		t.Fatalf("SwitchFirmwareSlot() error = %v", err)
	}

	got, saved := inst.Firmware()
	if !bytes.Equal(got, image) || !saved {
		t.Errorf("instrument holds %d bytes (saved %v), want the %d byte image saved", len(got), saved, len(image))
	}
	if d.FlashWriteMode() {
		t.Error("still in flash write mode after switching slots")
	}
	after, err := d.FirmwareInfo()
	if err != nil {
		t.Fatalf("FirmwareInfo() error = %v", err)
	}
	if after.Revision != before.Revision+1 || after.FlashSlot == before.FlashSlot {
		t.Errorf("firmware after switch = %+v, before = %+v", after, before)
	}
}

func TestSendFirmwareEmpty(t *testing.T) {
	d, port := newMockDriver()
	if err := d.SendFirmware(nil); err == nil {
		t.Error("SendFirmware(nil) succeeded")
	}
	if len(port.written) != 0 {
		t.Errorf("writes = %d, want 0", len(port.written))
	}
}

func TestRebootRestoresDefaultSpeed(t *testing.T) {
	d, inst := newSimDriver(t)

	if err := d.SetBaudRate(protocol.Baud921600); err != nil {
		t.Fatalf("SetBaudRate() error = %v", err)
	}
	if inst.LineSpeed() != 921600 || d.BaudRate() != 921600 {
		t.Fatalf("line speed instrument %d, driver %d", inst.LineSpeed(), d.BaudRate())
	}
	if err := d.Reboot(); err != nil {
		t.Fatalf("Reboot() error = %v", err)
	}
	if d.BaudRate() != 115200 || inst.LineSpeed() != 115200 {
		t.Errorf("line speed after reboot instrument %d, driver %d", inst.LineSpeed(), d.BaudRate())
	}
	if _, err := d.GetTime(); err != nil {
		t.Errorf("GetTime() after reboot error = %v", err)
	}
}
