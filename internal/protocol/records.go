package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Radiometer selects which spectrometer modules take part in a capture.
type Radiometer uint8

const (
	VNIR Radiometer = 0x01
	SWIR Radiometer = 0x02
	Both Radiometer = 0x03
)

func (r Radiometer) String() string {
	switch r {
	case VNIR:
		return "VNIR"
	case SWIR:
		return "SWIR"
	case Both:
		return "BOTH"
	default:
		return fmt.Sprintf("radiometer(%d)", uint8(r))
	}
}

// Entrance selects the optical entrance. DARK closes both.
type Entrance uint8

const (
	Dark       Entrance = 0x00
	Radiance   Entrance = 0x01
	Irradiance Entrance = 0x02
)

func (e Entrance) String() string {
	switch e {
	case Dark:
		return "DARK"
	case Radiance:
		return "RADIANCE"
	case Irradiance:
		return "IRRADIANCE"
	default:
		return fmt.Sprintf("entrance(%d)", uint8(e))
	}
}

// OpticalConfig is the packed optical configuration byte shared by capture
// requests, auto-integration status packets and spectrum headers.
type OpticalConfig uint8

const (
	configIrradiance     OpticalConfig = 1 << 3
	configRadiance       OpticalConfig = 1 << 4
	configFakeSaturation OpticalConfig = 1 << 5
	configSWIR           OpticalConfig = 1 << 6
	configVNIR           OpticalConfig = 1 << 7
)

// NewOpticalConfig packs a radiometer and entrance selection.
func NewOpticalConfig(r Radiometer, e Entrance) OpticalConfig {
	var c OpticalConfig
	if r&VNIR != 0 {
		c |= configVNIR
	}
	if r&SWIR != 0 {
		c |= configSWIR
	}
	switch e {
	case Radiance:
		c |= configRadiance
	case Irradiance:
		c |= configIrradiance
	}
	return c
}

func (c OpticalConfig) VNIR() bool           { return c&configVNIR != 0 }
func (c OpticalConfig) SWIR() bool           { return c&configSWIR != 0 }
func (c OpticalConfig) Radiance() bool       { return c&configRadiance != 0 }
func (c OpticalConfig) Irradiance() bool     { return c&configIrradiance != 0 }
func (c OpticalConfig) FakeSaturation() bool { return c&configFakeSaturation != 0 }

// Radiometer returns the selected modules.
func (c OpticalConfig) Radiometer() Radiometer {
	var r Radiometer
	if c.VNIR() {
		r |= VNIR
	}
	if c.SWIR() {
		r |= SWIR
	}
	return r
}

// Entrance returns the selected entrance.
func (c OpticalConfig) Entrance() Entrance {
	var e Entrance
	if c.Radiance() {
		e |= Radiance
	}
	if c.Irradiance() {
		e |= Irradiance
	}
	return e
}

func (c OpticalConfig) String() string {
	return fmt.Sprintf("%s/%s", c.Radiometer(), c.Entrance())
}

// CaptureRequest describes a spectra acquisition. A zero integration time
// for a selected module requests automatic exposure.
type CaptureRequest struct {
	Radiometer         Radiometer `yaml:"radiometer" json:"radiometer"`
	Entrance           Entrance   `yaml:"entrance" json:"entrance"`
	VNIRIntegrationMs  uint16     `yaml:"vnir_integration_ms" json:"vnirIntegrationMs"`
	SWIRIntegrationMs  uint16     `yaml:"swir_integration_ms" json:"swirIntegrationMs"`
	ScanCount          uint16     `yaml:"scan_count" json:"scanCount"`
	MaxSeriesDurationS uint16     `yaml:"max_series_duration_s" json:"maxSeriesDurationS"`
}

// CaptureRequestSize is the encoded size of a CaptureRequest.
const CaptureRequestSize = 9

// Config returns the packed optical configuration for the request.
func (r CaptureRequest) Config() OpticalConfig {
	return NewOpticalConfig(r.Radiometer, r.Entrance)
}

// FixedIntegration reports whether every selected module has an explicit
// integration time.
func (r CaptureRequest) FixedIntegration() bool {
	c := r.Config()
	return (!c.VNIR() || r.VNIRIntegrationMs != 0) && (!c.SWIR() || r.SWIRIntegrationMs != 0)
}

// MaxIntegrationMs is the longer of the two integration times.
func (r CaptureRequest) MaxIntegrationMs() uint16 {
	if r.VNIRIntegrationMs > r.SWIRIntegrationMs {
		return r.VNIRIntegrationMs
	}
	return r.SWIRIntegrationMs
}

// MarshalBinary encodes the 9-byte CAPTURE_SPEC parameter block.
func (r CaptureRequest) MarshalBinary() ([]byte, error) {
	w := newWriter(CaptureRequestSize)
	w.u8(uint8(r.Config()))
	w.u16(r.VNIRIntegrationMs)
	w.u16(r.SWIRIntegrationMs)
	w.u16(r.ScanCount)
	w.u16(r.MaxSeriesDurationS)
	return w.bytes(), nil
}

// UnmarshalBinary decodes a CAPTURE_SPEC parameter block.
func (r *CaptureRequest) UnmarshalBinary(b []byte) error {
	rd := newReader(b)
	c := OpticalConfig(rd.u8())
	r.VNIRIntegrationMs = rd.u16()
	r.SWIRIntegrationMs = rd.u16()
	r.ScanCount = rd.u16()
	r.MaxSeriesDurationS = rd.u16()
	if rd.err != nil {
		return rd.err
	}
	r.Radiometer = c.Radiometer()
	r.Entrance = c.Entrance()
	return nil
}

// AutoIntegrationStatus is reported by the instrument after every step of
// the automatic exposure search.
type AutoIntegrationStatus struct {
	Config               OpticalConfig `json:"config"`
	CurrentIntegrationMs uint16        `json:"currentIntegrationMs"`
	PeakADC              uint16        `json:"peakAdc"`
	NextIntegrationMs    uint16        `json:"nextIntegrationMs"`
	Slot                 uint16        `json:"slot"`
}

// AutoIntegrationStatusSize is the encoded size of an AutoIntegrationStatus.
const AutoIntegrationStatusSize = 9

func DecodeAutoIntegrationStatus(b []byte) (AutoIntegrationStatus, error) {
	rd := newReader(b)
	s := AutoIntegrationStatus{
		Config:               OpticalConfig(rd.u8()),
		CurrentIntegrationMs: rd.u16(),
		PeakADC:              rd.u16(),
		NextIntegrationMs:    rd.u16(),
		Slot:                 rd.u16(),
	}
	return s, rd.err
}

func (s AutoIntegrationStatus) MarshalBinary() ([]byte, error) {
	w := newWriter(AutoIntegrationStatusSize)
	w.u8(uint8(s.Config))
	w.u16(s.CurrentIntegrationMs)
	w.u16(s.PeakADC)
	w.u16(s.NextIntegrationMs)
	w.u16(s.Slot)
	return w.bytes(), nil
}

// Hardware capability bits of the BOOTED packet, LSB first.
const (
	HWVNIR uint16 = 1 << iota
	HWSWIR
	HWMultiplexer
	HWCamera
	HWAccelerometer
	HWHumidity
	HWPressure
	HWTEC
	HWSDCard
	HWPowerMonitor1
	HWPowerMonitor2
)

// HardwareInfo is the BOOTED packet payload.
type HardwareInfo struct {
	FirmwareMajor      uint8  `json:"firmwareMajor"`
	FirmwareMinor      uint8  `json:"firmwareMinor"`
	FirmwareRevision   uint8  `json:"firmwareRevision"`
	SerialNumber       uint32 `json:"serialNumber"`
	MCUHardwareVersion uint8  `json:"mcuHardwareVersion"`
	PSUHardwareVersion uint8  `json:"psuHardwareVersion"`
	VNIRSerialNumber   uint16 `json:"vnirSerialNumber"`
	SWIRSerialNumber   uint32 `json:"swirSerialNumber"`
	MemorySlotCount    uint16 `json:"memorySlotCount"`
	Flags              uint16 `json:"flags"`
}

// HardwareInfoSize is the encoded size of a HardwareInfo.
const HardwareInfoSize = 19

func DecodeHardwareInfo(b []byte) (HardwareInfo, error) {
	rd := newReader(b)
	h := HardwareInfo{
		FirmwareMajor:      rd.u8(),
		FirmwareMinor:      rd.u8(),
		FirmwareRevision:   rd.u8(),
		SerialNumber:       rd.u32(),
		MCUHardwareVersion: rd.u8(),
		PSUHardwareVersion: rd.u8(),
		VNIRSerialNumber:   rd.u16(),
		SWIRSerialNumber:   rd.u32(),
		MemorySlotCount:    rd.u16(),
		Flags:              rd.u16(),
	}
	return h, rd.err
}

func (h HardwareInfo) MarshalBinary() ([]byte, error) {
	w := newWriter(HardwareInfoSize)
	w.u8(h.FirmwareMajor)
	w.u8(h.FirmwareMinor)
	w.u8(h.FirmwareRevision)
	w.u32(h.SerialNumber)
	w.u8(h.MCUHardwareVersion)
	w.u8(h.PSUHardwareVersion)
	w.u16(h.VNIRSerialNumber)
	w.u32(h.SWIRSerialNumber)
	w.u16(h.MemorySlotCount)
	w.u16(h.Flags)
	return w.bytes(), nil
}

func (h HardwareInfo) Has(flag uint16) bool { return h.Flags&flag != 0 }

func (h HardwareInfo) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d.%d", h.FirmwareMajor, h.FirmwareMinor, h.FirmwareRevision)
}

// Capabilities is the boolean view of HardwareInfo.Flags.
type Capabilities struct {
	VNIR          bool `json:"vnir"`
	SWIR          bool `json:"swir"`
	Multiplexer   bool `json:"multiplexer"`
	Camera        bool `json:"camera"`
	Accelerometer bool `json:"accelerometer"`
	Humidity      bool `json:"humidity"`
	Pressure      bool `json:"pressure"`
	TEC           bool `json:"tec"`
	SDCard        bool `json:"sdCard"`
	PowerMonitor1 bool `json:"powerMonitor1"`
	PowerMonitor2 bool `json:"powerMonitor2"`
}

func (h HardwareInfo) Capabilities() Capabilities {
	return Capabilities{
		VNIR:          h.Has(HWVNIR),
		SWIR:          h.Has(HWSWIR),
		Multiplexer:   h.Has(HWMultiplexer),
		Camera:        h.Has(HWCamera),
		Accelerometer: h.Has(HWAccelerometer),
		Humidity:      h.Has(HWHumidity),
		Pressure:      h.Has(HWPressure),
		TEC:           h.Has(HWTEC),
		SDCard:        h.Has(HWSDCard),
		PowerMonitor1: h.Has(HWPowerMonitor1),
		PowerMonitor2: h.Has(HWPowerMonitor2),
	}
}

// FirmwareInfo is the GET_FW_VER payload.
type FirmwareInfo struct {
	Major              uint8 `json:"major"`
	Minor              uint8 `json:"minor"`
	Revision           uint8 `json:"revision"`
	FlashSlot          uint8 `json:"flashSlot"`
	SimulatorMode      bool  `json:"simulatorMode"`
	MCUHardwareVersion uint8 `json:"mcuHardwareVersion"`
	PSUHardwareVersion uint8 `json:"psuHardwareVersion"`
}

// FirmwareInfoSize is the encoded size of a FirmwareInfo.
const FirmwareInfoSize = 7

func DecodeFirmwareInfo(b []byte) (FirmwareInfo, error) {
	rd := newReader(b)
	f := FirmwareInfo{
		Major:              rd.u8(),
		Minor:              rd.u8(),
		Revision:           rd.u8(),
		FlashSlot:          rd.u8(),
		SimulatorMode:      rd.u8() != 0,
		MCUHardwareVersion: rd.u8(),
		PSUHardwareVersion: rd.u8(),
	}
	return f, rd.err
}

func (f FirmwareInfo) MarshalBinary() ([]byte, error) {
	w := newWriter(FirmwareInfoSize)
	w.u8(f.Major)
	w.u8(f.Minor)
	w.u8(f.Revision)
	w.u8(f.FlashSlot)
	if f.SimulatorMode {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(f.MCUHardwareVersion)
	w.u8(f.PSUHardwareVersion)
	return w.bytes(), nil
}

// IsZero reports whether no version has been read yet.
func (f FirmwareInfo) IsZero() bool { return f.Major == 0 && f.Minor == 0 }

func (f FirmwareInfo) String() string {
	return fmt.Sprintf("%d.%d.%d (slot %d)", f.Major, f.Minor, f.Revision, f.FlashSlot)
}

// PowerBus groups the readings of one monitored supply rail.
type PowerBus struct {
	EnergyMWh float32 `json:"energyMWh"`
	Voltage   float32 `json:"voltage"`
	Current   float32 `json:"current"`
}

// EnvironmentLogEntry is one GET_ENV record. Units follow the instrument:
// humidity sensor temperature in 0.01 °C, humidity in 0.1 %RH, pressure in
// 0.1 mbar, pressure sensor temperature in 0.01 °C, accelerometer in ADC
// counts.
type EnvironmentLogEntry struct {
	Timestamp                  int64    `json:"timestamp"`
	HumiditySensorTemperature  int16    `json:"humiditySensorTemperature"`
	Humidity                   uint16   `json:"humidity"`
	Pressure                   int32    `json:"pressure"`
	PressureSensorTemperature  int32    `json:"pressureSensorTemperature"`
	Acceleration               [3]int16 `json:"acceleration"`
	InternalAmbientTemperature float32  `json:"internalAmbientTemperature"`
	SWIRBodyTemperature        float32  `json:"swirBodyTemperature"`
	SWIRHeatsinkTemperature    float32  `json:"swirHeatsinkTemperature"`
	Common3V3                  PowerBus `json:"common3v3"`
	MCU3V3                     PowerBus `json:"mcu3v3"`
	Camera3V3                  PowerBus `json:"camera3v3"`
	SWIR12V                    PowerBus `json:"swir12v"`
	Multiplexer12V             PowerBus `json:"multiplexer12v"`
	VNIR5V                     PowerBus `json:"vnir5v"`
	Input12V                   PowerBus `json:"input12v"`
}

// EnvironmentLogEntrySize is the encoded size of an EnvironmentLogEntry.
const EnvironmentLogEntrySize = 122

// Time returns the entry timestamp.
func (e *EnvironmentLogEntry) Time() time.Time { return time.Unix(e.Timestamp, 0).UTC() }

// The 3.3 V rails are laid out energy, voltage, current per group of three
// rails; the 12 V/5 V rails follow the same pattern for four rails.
func (e *EnvironmentLogEntry) lowRails() []*PowerBus {
	return []*PowerBus{&e.Common3V3, &e.MCU3V3, &e.Camera3V3}
}

func (e *EnvironmentLogEntry) highRails() []*PowerBus {
	return []*PowerBus{&e.SWIR12V, &e.Multiplexer12V, &e.VNIR5V, &e.Input12V}
}

func DecodeEnvironmentLogEntry(b []byte) (EnvironmentLogEntry, error) {
	var e EnvironmentLogEntry
	rd := newReader(b)
	e.Timestamp = rd.i64()
	e.HumiditySensorTemperature = rd.i16()
	e.Humidity = rd.u16()
	e.Pressure = rd.i32()
	e.PressureSensorTemperature = rd.i32()
	for i := range e.Acceleration {
		e.Acceleration[i] = rd.i16()
	}
	e.InternalAmbientTemperature = rd.f32()
	e.SWIRBodyTemperature = rd.f32()
	e.SWIRHeatsinkTemperature = rd.f32()
	for _, rails := range [][]*PowerBus{e.lowRails(), e.highRails()} {
		for _, p := range rails {
			p.EnergyMWh = rd.f32()
		}
		for _, p := range rails {
			p.Voltage = rd.f32()
		}
		for _, p := range rails {
			p.Current = rd.f32()
		}
	}
	return e, rd.err
}

func (e EnvironmentLogEntry) MarshalBinary() ([]byte, error) {
	w := newWriter(EnvironmentLogEntrySize)
	w.i64(e.Timestamp)
	w.i16(e.HumiditySensorTemperature)
	w.u16(e.Humidity)
	w.i32(e.Pressure)
	w.i32(e.PressureSensorTemperature)
	for _, a := range e.Acceleration {
		w.i16(a)
	}
	w.f32(e.InternalAmbientTemperature)
	w.f32(e.SWIRBodyTemperature)
	w.f32(e.SWIRHeatsinkTemperature)
	for _, rails := range [][]*PowerBus{e.lowRails(), e.highRails()} {
		for _, p := range rails {
			w.f32(p.EnergyMWh)
		}
		for _, p := range rails {
			w.f32(p.Voltage)
		}
		for _, p := range rails {
			w.f32(p.Current)
		}
	}
	return w.bytes(), nil
}

// ImageFormat is the camera output format. Only JPEG is supported by
// current firmware.
type ImageFormat uint8

const ImageFormatJPEG ImageFormat = 0x0B

// Resolution is one of the camera's JPEG frame sizes.
type Resolution int

const (
	QQVGA Resolution = iota
	QCIF
	QVGA
	WQVGA
	CIF
	VGA
	WVGA
	XGA
	Res720p
	SXGA
	UXGA
	Res1080p
	WUXGA
	QXGA
	Res5MP
)

var resolutionSizes = [...][2]uint16{
	QQVGA:    {160, 120},
	QCIF:     {176, 144},
	QVGA:     {320, 240},
	WQVGA:    {400, 240},
	CIF:      {352, 288},
	VGA:      {640, 480},
	WVGA:     {800, 600},
	XGA:      {1024, 768},
	Res720p:  {1280, 720},
	SXGA:     {2080, 960},
	UXGA:     {1600, 1200},
	Res1080p: {1920, 1080},
	WUXGA:    {1920, 1200},
	QXGA:     {2048, 1536},
	Res5MP:   {2592, 1944},
}

// Size returns the width and height. Unknown values map to 5MP.
func (r Resolution) Size() (w, h uint16) {
	if r < 0 || int(r) >= len(resolutionSizes) {
		r = Res5MP
	}
	s := resolutionSizes[r]
	return s[0], s[1]
}

// ImageRequest is the 6-byte CAPTURE_MM_IMG parameter block.
type ImageRequest struct {
	Format    ImageFormat
	Width     uint16
	Height    uint16
	Scale     bool
	FlipV     bool
	MirrorH   bool
	AutoFocus bool
}

// ImageRequestSize is the encoded size of an ImageRequest.
const ImageRequestSize = 6

func (r ImageRequest) MarshalBinary() ([]byte, error) {
	var flags uint8
	if r.Scale {
		flags |= 1 << 0
	}
	if r.FlipV {
		flags |= 1 << 1
	}
	if r.MirrorH {
		flags |= 1 << 2
	}
	if r.AutoFocus {
		flags |= 1 << 3
	}
	w := newWriter(ImageRequestSize)
	w.u8(uint8(r.Format))
	w.u16(r.Width)
	w.u16(r.Height)
	w.u8(flags)
	return w.bytes(), nil
}

func (r *ImageRequest) UnmarshalBinary(b []byte) error {
	rd := newReader(b)
	r.Format = ImageFormat(rd.u8())
	r.Width = rd.u16()
	r.Height = rd.u16()
	flags := rd.u8()
	if rd.err != nil {
		return rd.err
	}
	r.Scale = flags&(1<<0) != 0
	r.FlipV = flags&(1<<1) != 0
	r.MirrorH = flags&(1<<2) != 0
	r.AutoFocus = flags&(1<<3) != 0
	return nil
}

// Image is a downloaded camera image. Data holds the reassembled dataset
// without its trailing CRC.
type Image struct {
	Format ImageFormat
	Data   []byte
	Size   int
}

func (r Radiometer) MarshalText() ([]byte, error) { return []byte(strings.ToLower(r.String())), nil }

func (r *Radiometer) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "vnir":
		*r = VNIR
	case "swir":
		*r = SWIR
	case "both":
		*r = Both
	default:
		return fmt.Errorf("protocol: unknown radiometer %q", b)
	}
	return nil
}

func (e Entrance) MarshalText() ([]byte, error) { return []byte(strings.ToLower(e.String())), nil }

func (e *Entrance) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "dark":
		*e = Dark
	case "radiance":
		*e = Radiance
	case "irradiance":
		*e = Irradiance
	default:
		return fmt.Errorf("protocol: unknown entrance %q", b)
	}
	return nil
}
