package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// SpectrumHeaderSize is the packed size of the spectrum header.
	SpectrumHeaderSize = 31
	// MaxSpectrumPixels is the VNIR pixel count and the size of the
	// fixed pixel body.
	MaxSpectrumPixels = 2048
	// SWIRPixels is the SWIR module pixel count.
	SWIRPixels = 256
	// SpectrumDatasetSize is the fixed layout produced by Spectrum.Bytes.
	SpectrumDatasetSize = SpectrumHeaderSize + 2*MaxSpectrumPixels + 4
)

// AxisStats holds accelerometer statistics for one axis over a capture.
type AxisStats struct {
	Mean   int16 `json:"mean"`
	StdDev int16 `json:"stdDev"`
}

// AccelerationStats holds per-axis accelerometer statistics.
type AccelerationStats struct {
	X AxisStats `json:"x"`
	Y AxisStats `json:"y"`
	Z AxisStats `json:"z"`
}

// Spectrum is one downloaded capture.
type Spectrum struct {
	TotalLength       uint16            `json:"totalLength"`
	Config            OpticalConfig     `json:"config"`
	TimestampMs       int64             `json:"timestampMs"`
	IntegrationMs     uint16            `json:"integrationMs"`
	SensorTemperature float32           `json:"sensorTemperature"`
	PixelCount        uint16            `json:"pixelCount"`
	Acceleration      AccelerationStats `json:"acceleration"`
	Pixels            []uint16          `json:"pixels"`
	CRC32             uint32            `json:"crc32"`
}

func (s *Spectrum) Radiometer() Radiometer { return s.Config.Radiometer() }
func (s *Spectrum) Entrance() Entrance     { return s.Config.Entrance() }

// Time returns the capture timestamp.
func (s *Spectrum) Time() time.Time { return time.UnixMilli(s.TimestampMs).UTC() }

func (s *Spectrum) String() string {
	return fmt.Sprintf("%s it=%dms pixels=%d t=%.1f", s.Config, s.IntegrationMs, s.PixelCount, s.SensorTemperature)
}

// DecodeSpectrum parses a reassembled GET_SPEC dataset. The CRC is read from
// directly after the last pixel, which for SWIR is well inside the fixed
// body.
func DecodeSpectrum(b []byte) (*Spectrum, error) {
	rd := newReader(b)
	s := &Spectrum{
		TotalLength:       rd.u16(),
		Config:            OpticalConfig(rd.u8()),
		TimestampMs:       rd.i64(),
		IntegrationMs:     rd.u16(),
		SensorTemperature: rd.f32(),
		PixelCount:        rd.u16(),
	}
	for _, a := range []*AxisStats{&s.Acceleration.X, &s.Acceleration.Y, &s.Acceleration.Z} {
		a.Mean = rd.i16()
		a.StdDev = rd.i16()
	}
	if rd.err != nil {
		return nil, fmt.Errorf("protocol: spectrum header: %w", rd.err)
	}
	if s.PixelCount > MaxSpectrumPixels {
		return nil, fmt.Errorf("protocol: spectrum pixel count %d exceeds %d", s.PixelCount, MaxSpectrumPixels)
	}
	s.Pixels = make([]uint16, s.PixelCount)
	for i := range s.Pixels {
		s.Pixels[i] = rd.u16()
	}
	s.CRC32 = rd.u32()
	if rd.err != nil {
		return nil, fmt.Errorf("protocol: spectrum body: %w", rd.err)
	}
	return s, nil
}

func (s *Spectrum) header(w *writer) {
	w.u16(s.TotalLength)
	w.u8(uint8(s.Config))
	w.i64(s.TimestampMs)
	w.u16(s.IntegrationMs)
	w.f32(s.SensorTemperature)
	w.u16(s.PixelCount)
	for _, a := range []AxisStats{s.Acceleration.X, s.Acceleration.Y, s.Acceleration.Z} {
		w.i16(a.Mean)
		w.i16(a.StdDev)
	}
}

// Bytes returns the fixed 4131-byte layout: header, 2048-pixel body and the
// CRC in the trailing slot. Pixels past PixelCount are zero, so for SWIR the
// area right after pixel 256 holds no CRC.
func (s *Spectrum) Bytes() []byte {
	w := newWriter(SpectrumDatasetSize)
	s.header(w)
	for i := 0; i < MaxSpectrumPixels; i++ {
		if i < len(s.Pixels) {
			w.u16(s.Pixels[i])
		} else {
			w.u16(0)
		}
	}
	w.u32(s.CRC32)
	return w.bytes()
}

// Dataset encodes the spectrum the way the instrument sends it: header,
// PixelCount pixels and a trailing dataset CRC. TotalLength and CRC32 are
// updated.
func (s *Spectrum) Dataset() []byte {
	s.PixelCount = uint16(len(s.Pixels))
	s.TotalLength = uint16(SpectrumHeaderSize + 2*len(s.Pixels) + 4)
	w := newWriter(int(s.TotalLength))
	s.header(w)
	for _, p := range s.Pixels {
		w.u16(p)
	}
	w.u32(0)
	b := w.bytes()
	s.CRC32 = SealDataset(b)
	return b
}

// SealDataset computes the dataset CRC over b with its last four bytes
// zeroed, writes it into those bytes (LE) and returns it. b must be at least
// four bytes long.
func SealDataset(b []byte) uint32 {
	tail := b[len(b)-4:]
	for i := range tail {
		tail[i] = 0
	}
	crc := ChecksumPadded(b[:len(b)-4])
	binary.LittleEndian.PutUint32(tail, crc)
	return crc
}

// VerifyDataset checks the trailing CRC of a reassembled dataset. b is not
// modified.
func VerifyDataset(b []byte) (got, want uint32, ok bool) {
	if len(b) < 4 {
		return 0, 0, false
	}
	got = binary.LittleEndian.Uint32(b[len(b)-4:])
	want = ChecksumPadded(b[:len(b)-4])
	return got, want, got == want
}
