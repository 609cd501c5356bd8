package sim

import (
	"math"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

const darkLevel = 2000

func (i *Instrument) captureSpectra(raw, p []byte) {
	var req protocol.CaptureRequest
	if err := req.UnmarshalBinary(p); err != nil {
		i.nak(raw, protocol.CodeMissingParms)
		return
	}
	cfg := req.Config()
	switch {
	case req.Radiometer == 0:
		i.badParm(raw, protocol.CodeWrongSpec, 1)
		return
	case cfg.VNIR() && !i.hw.Has(protocol.HWVNIR), cfg.SWIR() && !i.hw.Has(protocol.HWSWIR):
		i.badParm(raw, protocol.CodeHWNotAvailable, 1)
		return
	case req.Entrance != protocol.Dark && !i.hw.Has(protocol.HWMultiplexer):
		i.badParm(raw, protocol.CodeHWNotAvailable, 1)
		return
	case req.ScanCount == 0 && req.MaxSeriesDurationS == 0:
		i.badParm(raw, protocol.CodeNoLimit, 4)
		return
	case !req.FixedIntegration() && req.Entrance == protocol.Dark && i.lastIT == 0:
		i.badParm(raw, protocol.CodeNoLimit, 2)
		return
	}
	i.ack(protocol.CaptureSpec)

	vnirIT, swirIT := req.VNIRIntegrationMs, req.SWIRIntegrationMs
	if !req.FixedIntegration() {
		target := i.autoIT
		if req.Entrance == protocol.Dark {
			target = i.lastIT
		} else {
			if cfg.VNIR() && vnirIT == 0 {
				i.searchExposure(protocol.VNIR, req.Entrance)
			}
			if cfg.SWIR() && swirIT == 0 {
				i.searchExposure(protocol.SWIR, req.Entrance)
			}
		}
		if vnirIT == 0 {
			vnirIT = target
		}
		if swirIT == 0 {
			swirIT = target
		}
	}
	if !cfg.VNIR() {
		vnirIT = 0
	}
	if !cfg.SWIR() {
		swirIT = 0
	}
	longest := vnirIT
	if swirIT > longest {
		longest = swirIT
	}

	scans := int(req.ScanCount)
	if scans == 0 {
		scans = int(req.MaxSeriesDurationS) * 1000 / (int(longest) + 200)
		if scans < 1 {
			scans = 1
		}
	}

	i.lastSlots = i.lastSlots[:0]
	for s := 0; s < scans; s++ {
		if cfg.VNIR() {
			i.store(i.spectrum(protocol.VNIR, req.Entrance, vnirIT, protocol.MaxSpectrumPixels))
		}
		if cfg.SWIR() {
			i.store(i.spectrum(protocol.SWIR, req.Entrance, swirIT, protocol.SWIRPixels))
		}
	}
	i.lastIT = longest
	i.later(i.done(protocol.CaptureSpec, uint16(len(i.lastSlots))))
}

// searchExposure queues the status packets of a three step exposure
// search converging on autoIT.
func (i *Instrument) searchExposure(r protocol.Radiometer, e protocol.Entrance) {
	steps := []uint16{i.autoIT / 4, i.autoIT / 2, i.autoIT}
	for k, it := range steps {
		if it == 0 {
			it = 1
		}
		next := i.autoIT
		if k+1 < len(steps) {
			next = steps[k+1]
		}
		st := protocol.AutoIntegrationStatus{
			Config:               protocol.NewOpticalConfig(r, e),
			CurrentIntegrationMs: it,
			PeakADC:              uint16(math.Min(65535, float64(it)*800)),
			NextIntegrationMs:    next,
			Slot:                 i.nextSlot,
		}
		b, _ := st.MarshalBinary()
		i.later(protocol.Encode(protocol.AutoIntStatus, b))
	}
}

func (i *Instrument) store(s *protocol.Spectrum) {
	slot := i.nextSlot
	i.spectra[slot] = s
	i.lastSlots = append(i.lastSlots, slot)
	i.nextSlot++
	if i.hw.MemorySlotCount != 0 && i.nextSlot >= i.hw.MemorySlotCount {
		i.nextSlot = 0
	}
}

// spectrum synthesises a capture: a dark offset plus, for lit entrances, a
// broad peak that scales with exposure.
func (i *Instrument) spectrum(r protocol.Radiometer, e protocol.Entrance, it uint16, pixels int) *protocol.Spectrum {
	now := time.Now().Add(i.timeOffset)
	s := &protocol.Spectrum{
		Config:            protocol.NewOpticalConfig(r, e),
		TimestampMs:       now.UnixMilli(),
		IntegrationMs:     it,
		SensorTemperature: 24 + float32(i.rnd.Float64()),
		Acceleration: protocol.AccelerationStats{
			X: protocol.AxisStats{Mean: i.basic.AccelerometerLevel[0], StdDev: 2},
			Y: protocol.AxisStats{Mean: i.basic.AccelerometerLevel[1], StdDev: 2},
			Z: protocol.AxisStats{Mean: i.basic.AccelerometerLevel[2], StdDev: 3},
		},
		Pixels: make([]uint16, pixels),
	}
	if r == protocol.SWIR && i.tec != -100 {
		s.SensorTemperature = i.tec
	}
	gain := 0.0
	switch e {
	case protocol.Radiance:
		gain = 300
	case protocol.Irradiance:
		gain = 500
	}
	center, width := 0.45*float64(pixels), 0.25*float64(pixels)
	for p := range s.Pixels {
		x := (float64(p) - center) / width
		v := darkLevel + gain*float64(it)*math.Exp(-x*x) + i.rnd.NormFloat64()*8
		s.Pixels[p] = uint16(math.Max(0, math.Min(65535, v)))
	}
	s.Dataset()
	return s
}

func (i *Instrument) captureImage(raw, p []byte) {
	var req protocol.ImageRequest
	if err := req.UnmarshalBinary(p); err != nil {
		i.nak(raw, protocol.CodeMissingParms)
		return
	}
	if !i.hw.Has(protocol.HWCamera) {
		i.badParm(raw, protocol.CodeHWNotAvailable, 1)
		return
	}
	if req.Format != protocol.ImageFormatJPEG {
		i.badParm(raw, protocol.CodeBadImgType, 1)
		return
	}
	known := false
	for r := protocol.QQVGA; r <= protocol.Res5MP; r++ {
		if w, h := r.Size(); w == req.Width && h == req.Height {
			known = true
			break
		}
	}
	if !known {
		i.badParm(raw, protocol.CodeBadResolution, 2)
		return
	}
	i.ack(protocol.CaptureMMImg)
	i.imageReq = req

	size := int(req.Width) * int(req.Height) / 100
	img := make([]byte, 1, 1+size+4)
	img[0] = byte(req.Format)
	img = append(img, 0xFF, 0xD8, 0xFF, 0xE0)
	for len(img) < 1+size-2 {
		img = append(img, byte(i.rnd.Intn(0xFF)))
	}
	img = append(img, 0xFF, 0xD9, 0, 0, 0, 0)
	protocol.SealDataset(img)
	i.image = img

	i.later(i.done(protocol.CaptureMMImg, uint16(math.Min(65535, float64(len(img))))))
}

// environment synthesises the index-th most recent log entry.
func (i *Instrument) environment(index int) protocol.EnvironmentLogEntry {
	ts := i.envBase.Add(i.timeOffset).Add(-time.Duration(index) * time.Minute)
	phase := float64(ts.Unix()%86400) / 86400 * 2 * math.Pi
	temp := 22 + 6*math.Sin(phase)
	return protocol.EnvironmentLogEntry{
		Timestamp:                  ts.Unix(),
		HumiditySensorTemperature:  int16(temp * 100),
		Humidity:                   uint16(450 + 100*math.Cos(phase)),
		Pressure:                   10132 + int32(i.rnd.Intn(20)),
		PressureSensorTemperature:  int32(temp*100) + 50,
		Acceleration:               i.basic.AccelerometerLevel,
		InternalAmbientTemperature: float32(temp + 3),
		SWIRBodyTemperature:        float32(temp + 1),
		SWIRHeatsinkTemperature:    float32(temp + 4),
		Common3V3:                  protocol.PowerBus{EnergyMWh: 120, Voltage: 3.31, Current: 0.21},
		MCU3V3:                     protocol.PowerBus{EnergyMWh: 80, Voltage: 3.30, Current: 0.12},
		Camera3V3:                  protocol.PowerBus{EnergyMWh: 15, Voltage: 3.29, Current: 0.02},
		SWIR12V:                    protocol.PowerBus{EnergyMWh: 900, Voltage: 12.02, Current: 0.45},
		Multiplexer12V:             protocol.PowerBus{EnergyMWh: 40, Voltage: 12.03, Current: 0.01},
		VNIR5V:                     protocol.PowerBus{EnergyMWh: 110, Voltage: 5.01, Current: 0.18},
		Input12V:                   protocol.PowerBus{EnergyMWh: 1400, Voltage: 12.10, Current: 0.95},
	}
}
