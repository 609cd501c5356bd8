package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	calibrationFieldWidth = 14

	// BasicCalibrationSize is the CAL_COEFS payload size.
	BasicCalibrationSize = (6+8+5)*calibrationFieldWidth + 3*2
	// ExtendedCalibrationSize is the packed extended record including CRC.
	ExtendedCalibrationSize = 4 + 2 + 1 + 1 + 3*2 + 4*(4+2048+2048+9+256+256) + 4
)

// BasicCalibration holds the factory coefficients stored as fixed width
// ASCII numbers.
type BasicCalibration struct {
	VNIRWavelength     [6]float64 `json:"vnirWavelength"`
	VNIRLinearity      [8]float64 `json:"vnirLinearity"`
	SWIRWavelength     [5]float64 `json:"swirWavelength"`
	AccelerometerLevel [3]int16   `json:"accelerometerLevel"`
}

// parseCalibrationField reads one 14-character number. Trailing padding,
// NULs and carriage returns are ignored; an empty field is zero.
func parseCalibrationField(b []byte) (float64, error) {
	if i := bytes.IndexAny(b, "\x00\r"); i >= 0 {
		b = b[:i]
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func DecodeBasicCalibration(b []byte) (BasicCalibration, error) {
	var c BasicCalibration
	if len(b) != BasicCalibrationSize {
		return c, fmt.Errorf("protocol: basic calibration is %d bytes, want %d", len(b), BasicCalibrationSize)
	}
	rd := newReader(b)
	groups := []struct {
		name string
		dst  []float64
	}{
		{"vnir wavelength", c.VNIRWavelength[:]},
		{"vnir linearity", c.VNIRLinearity[:]},
		{"swir wavelength", c.SWIRWavelength[:]},
	}
	for _, g := range groups {
		for i := range g.dst {
			v, err := parseCalibrationField(rd.take(calibrationFieldWidth))
			if err != nil {
				return c, fmt.Errorf("protocol: %s coefficient %d: %w", g.name, i, err)
			}
			g.dst[i] = v
		}
	}
	for i := range c.AccelerometerLevel {
		c.AccelerometerLevel[i] = rd.i16()
	}
	return c, rd.err
}

// MarshalBinary formats the coefficients back into fixed width fields.
func (c BasicCalibration) MarshalBinary() ([]byte, error) {
	w := newWriter(BasicCalibrationSize)
	for _, group := range [][]float64{c.VNIRWavelength[:], c.VNIRLinearity[:], c.SWIRWavelength[:]} {
		for _, v := range group {
			s := strconv.FormatFloat(v, 'E', 6, 64)
			if len(s) > calibrationFieldWidth {
				return nil, fmt.Errorf("protocol: coefficient %v does not fit %d characters", v, calibrationFieldWidth)
			}
			w.raw([]byte(fmt.Sprintf("%-14s", s)))
		}
	}
	for _, a := range c.AccelerometerLevel {
		w.i16(a)
	}
	return w.bytes(), nil
}

// ExtendedCalibration is the per-pixel calibration record kept in
// instrument flash.
type ExtendedCalibration struct {
	SerialNumber       uint32        `json:"serialNumber"`
	Year               uint16        `json:"year"`
	Month              uint8         `json:"month"`
	Day                uint8         `json:"day"`
	AccelerometerLevel [3]int16      `json:"accelerometerLevel"`
	VNIRNonlinearity   [4]float32    `json:"vnirNonlinearity"`
	VNIRRadiance       [2048]float32 `json:"vnirRadiance"`
	VNIRIrradiance     [2048]float32 `json:"vnirIrradiance"`
	SWIRNonlinearity   [9]float32    `json:"swirNonlinearity"`
	SWIRRadiance       [256]float32  `json:"swirRadiance"`
	SWIRIrradiance     [256]float32  `json:"swirIrradiance"`
	CRC32              uint32        `json:"crc32"`
}

// DecodeExtendedCalibration parses the record. The CRC is not checked here.
func DecodeExtendedCalibration(b []byte) (*ExtendedCalibration, error) {
	if len(b) < ExtendedCalibrationSize {
		return nil, fmt.Errorf("protocol: extended calibration is %d bytes, want %d", len(b), ExtendedCalibrationSize)
	}
	c := &ExtendedCalibration{}
	rd := newReader(b)
	c.SerialNumber = rd.u32()
	c.Year = rd.u16()
	c.Month = rd.u8()
	c.Day = rd.u8()
	for i := range c.AccelerometerLevel {
		c.AccelerometerLevel[i] = rd.i16()
	}
	rd.f32s(c.VNIRNonlinearity[:])
	rd.f32s(c.VNIRRadiance[:])
	rd.f32s(c.VNIRIrradiance[:])
	rd.f32s(c.SWIRNonlinearity[:])
	rd.f32s(c.SWIRRadiance[:])
	rd.f32s(c.SWIRIrradiance[:])
	c.CRC32 = rd.u32()
	return c, rd.err
}

// MarshalBinary encodes the record with a freshly computed CRC, which is
// also stored back into c.
func (c *ExtendedCalibration) MarshalBinary() ([]byte, error) {
	w := newWriter(ExtendedCalibrationSize)
	w.u32(c.SerialNumber)
	w.u16(c.Year)
	w.u8(c.Month)
	w.u8(c.Day)
	for _, a := range c.AccelerometerLevel {
		w.i16(a)
	}
	w.f32s(c.VNIRNonlinearity[:])
	w.f32s(c.VNIRRadiance[:])
	w.f32s(c.VNIRIrradiance[:])
	w.f32s(c.SWIRNonlinearity[:])
	w.f32s(c.SWIRRadiance[:])
	w.f32s(c.SWIRIrradiance[:])
	w.u32(0)
	b := w.bytes()
	c.CRC32 = SealDataset(b)
	return b, nil
}

func (c *ExtendedCalibration) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", c.Year, c.Month, c.Day)
}
