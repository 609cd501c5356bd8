package hypstar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

// Capture timeout envelope: every estimate is multiplied by
// captureTimeoutMult and captureTimeoutAdd seconds are added on top.
const (
	captureTimeoutMult    = 1.2
	captureTimeoutAddEach = 0.2 // seconds of overhead per scan
	captureTimeoutAdd     = 5.0

	darkAutoFallback   = 66 * time.Second
	autoInitialTimeout = time.Second
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// FixedCaptureTimeout returns how long to wait for DONE after a capture
// with explicit integration times. scans and seriesS are the request's
// scan count and maximum series duration; either may be zero.
func FixedCaptureTimeout(maxIntegrationMs, scans, seriesS uint16) time.Duration {
	perScan := float64(maxIntegrationMs)/1000 + captureTimeoutAddEach
	switch {
	case scans != 0 && seriesS == 0:
		return seconds(captureTimeoutMult*float64(scans)*perScan + captureTimeoutAdd)
	case scans == 0 && seriesS != 0:
		return seconds(captureTimeoutMult*float64(seriesS) + captureTimeoutAdd)
	case scans != 0 && seriesS != 0:
		return seconds(max(perScan*float64(scans), float64(seriesS))*captureTimeoutMult + captureTimeoutAdd)
	default:
		// the instrument rejects this request, DONE never comes
		return seconds(captureTimeoutAdd)
	}
}

// DarkAutoTimeout returns the DONE timeout for an automatic DARK capture,
// which reuses the exposure of the previous capture. With no previous
// capture known the longest possible series is assumed.
func DarkAutoTimeout(lastIntegrationMs, scans uint16) time.Duration {
	if lastIntegrationMs == 0 {
		return darkAutoFallback
	}
	return seconds(float64(scans)*float64(lastIntegrationMs)*1e-3*captureTimeoutMult + captureTimeoutAdd)
}

// NextAutoTimeout returns the read timeout implied by an automatic
// exposure status announcing nextIntegrationMs.
func NextAutoTimeout(nextIntegrationMs, scans uint16) time.Duration {
	return seconds(float64(nextIntegrationMs)*1e-3*captureTimeoutMult*float64(scans) + captureTimeoutAdd)
}

// CaptureSpectra starts a capture and waits for it to finish. It returns the
// number of spectra the instrument stored. onStatus, if not nil, is called
// for every automatic exposure step.
func (d *Driver) CaptureSpectra(req protocol.CaptureRequest, onStatus func(protocol.AutoIntegrationStatus)) (uint16, error) {
	params, err := req.MarshalBinary()
	if err != nil {
		return 0, err
	}
	log := d.log.WithFields(logrus.Fields{
		"radiometer": req.Radiometer,
		"entrance":   req.Entrance,
		"vnir_ms":    req.VNIRIntegrationMs,
		"swir_ms":    req.SWIRIntegrationMs,
		"scans":      req.ScanCount,
		"series_s":   req.MaxSeriesDurationS,
	})
	log.Debug("capture spectra")

	start := time.Now()
	if err := d.sendAndAwaitAck(protocol.CaptureSpec, params); err != nil {
		return 0, err
	}

	var done *protocol.Frame
	fixed := req.FixedIntegration()
	switch {
	case fixed:
		longest := req.MaxIntegrationMs()
		timeout := FixedCaptureTimeout(longest, req.ScanCount, req.MaxSeriesDurationS)
		log.Debugf("fixed integration, waiting %s", timeout)
		done, err = d.awaitDone(protocol.CaptureSpec, timeout)
		if err == nil {
			d.lastCaptureMs = longest
		}
	case req.Entrance == protocol.Dark:
		timeout := DarkAutoTimeout(d.lastCaptureMs, req.ScanCount)
		log.Debugf("dark with automatic integration, waiting %s", timeout)
		done, err = d.awaitDone(protocol.CaptureSpec, timeout)
	default:
		done, err = d.awaitAutoIntegration(req.ScanCount, onStatus)
	}
	if err != nil {
		return 0, fmt.Errorf("hypstar: capture: %w", err)
	}
	d.metrics.capture(req.Radiometer, fixed, time.Since(start))

	count, ok := done.DoneParam()
	if !ok {
		return 0, &protocol.Error{Kind: protocol.MalformedFrame, Command: protocol.CaptureSpec,
			Received: len(done.Payload), Expected: 3, Err: protocol.ErrTooShort}
	}
	log.Debugf("captured %d spectra in %s", count, time.Since(start).Round(time.Millisecond))
	return count, nil
}

// awaitAutoIntegration follows the instrument's exposure search until the
// capture's DONE arrives. The read timeout starts at one second and only
// grows as status frames announce longer exposures.
func (d *Driver) awaitAutoIntegration(scans uint16, onStatus func(protocol.AutoIntegrationStatus)) (*protocol.Frame, error) {
	d.lastCaptureMs = 0
	timeout := autoInitialTimeout
	garbled := 0
	for step := 1; ; {
		f, err := d.readFrame(timeout)
		if err != nil {
			if protocol.KindOf(err) == protocol.TransportTimeout {
				return nil, err
			}
			garbled++
			if garbled >= maxAttempts || protocol.KindOf(err) == 0 {
				return nil, err
			}
			if err := d.discardInput(); err != nil {
				return nil, err
			}
			if err := d.send(protocol.Resend, nil); err != nil {
				return nil, err
			}
			continue
		}
		garbled = 0

		switch f.ID {
		case protocol.Done:
			if f.Echo() == protocol.CaptureSpec {
				return f, nil
			}
		case protocol.Nak:
			if err := d.nak(f); protocol.IsRejection(err) {
				return nil, err
			}
		case protocol.AutoIntStatus:
			st, err := protocol.DecodeAutoIntegrationStatus(f.Payload)
			if err != nil {
				return nil, fmt.Errorf("hypstar: %s: %w", f.ID, err)
			}
			// VNIR and SWIR steps interleave, the shorter one must not
			// cut the wait for the longer one
			timeout = max(timeout, NextAutoTimeout(st.NextIntegrationMs, scans))
			d.lastCaptureMs = max(d.lastCaptureMs, st.NextIntegrationMs)
			d.log.Debugf("exposure step %d: %s it=%dms peak=%d next=%dms slot=%d",
				step, st.Config, st.CurrentIntegrationMs, st.PeakADC, st.NextIntegrationMs, st.Slot)
			step++
			if onStatus != nil {
				onStatus(st)
			}
		}
	}
}

// MemorySlots returns the slots holding the spectra of the last capture.
// count is the capture count reported by CaptureSpectra and must match.
func (d *Driver) MemorySlots(count uint16) ([]uint16, error) {
	data, err := d.fetchDataset(protocol.GetSlots, nil)
	if err != nil {
		return nil, err
	}
	// the trailer is either a valid CRC or the 0xFFFFFFFF left by firmware
	// that never fills it in
	if len(data) == 2*int(count)+4 {
		_, _, ok := protocol.VerifyDataset(data)
		if ok || bytes.Equal(data[len(data)-4:], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
			data = data[:len(data)-4]
		}
	}
	if len(data)%2 != 0 {
		return nil, &protocol.Error{Kind: protocol.MalformedFrame, Command: protocol.GetSlots,
			Received: len(data), Err: protocol.ErrLengthMismatch}
	}
	slots := make([]uint16, len(data)/2)
	for i := range slots {
		slots[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	if len(slots) != int(count) {
		d.log.Errorf("memory slot count (%d) does not match number of captured spectra (%d)", len(slots), count)
		return nil, &protocol.Error{Kind: protocol.SlotCountMismatch, Command: protocol.GetSlots,
			Received: len(slots), Expected: int(count)}
	}
	d.log.Debugf("captured %d spectra in slots %v", count, slots)
	return slots, nil
}

// DownloadSpectra fetches the spectra stored in slots. Nothing is returned
// if any download fails.
func (d *Driver) DownloadSpectra(slots []uint16) ([]*protocol.Spectrum, error) {
	spectra := make([]*protocol.Spectrum, 0, len(slots))
	for _, slot := range slots {
		data, err := d.fetchDataset(protocol.GetSpec, binary.LittleEndian.AppendUint16(nil, slot))
		if err != nil {
			return nil, fmt.Errorf("hypstar: spectrum in slot %d: %w", slot, err)
		}
		s, err := protocol.DecodeSpectrum(data)
		if err != nil {
			return nil, fmt.Errorf("hypstar: spectrum in slot %d: %w", slot, err)
		}
		spectra = append(spectra, s)
	}
	return spectra, nil
}

// AcquireSpectra captures, looks up the memory slots and downloads every
// spectrum of the series.
func (d *Driver) AcquireSpectra(req protocol.CaptureRequest, onStatus func(protocol.AutoIntegrationStatus)) ([]*protocol.Spectrum, error) {
	count, err := d.CaptureSpectra(req, onStatus)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	slots, err := d.MemorySlots(count)
	if err != nil {
		return nil, err
	}
	return d.DownloadSpectra(slots)
}
