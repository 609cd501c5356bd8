package sim

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/shaunagostinho/hypstar-go/internal/protocol"
)

func (i *Instrument) handle(raw []byte) {
	f, err := protocol.DecodeCommand(raw)
	if err != nil || i.faults.RejectCommands > 0 {
		if err == nil {
			i.faults.RejectCommands--
		}
		i.respond(protocol.Encode(protocol.Nak, []byte{byte(protocol.CodeBadCRC)}))
		return
	}
	i.received = append(i.received, f.ID)
	p := f.Payload

	if f.ID == protocol.Resend {
		if i.last != nil {
			i.respond(i.last)
		}
		return
	}
	if i.updateMode && f.ID != protocol.EnterFlashWriteMode && f.ID != protocol.FWData &&
		f.ID != protocol.SaveNewFW && f.ID != protocol.BootNewFW && f.ID != protocol.GetFWVer {
		i.nak(raw, protocol.CodeBadState)
		return
	}

	switch f.ID {
	case protocol.Booted:
		b, _ := i.hw.MarshalBinary()
		i.respond(protocol.Encode(protocol.Booted, b))

	case protocol.GetFWVer:
		b, _ := i.fw.MarshalBinary()
		i.respond(protocol.Encode(protocol.GetFWVer, b))

	case protocol.GetSysTime:
		now := uint64(time.Now().Add(i.timeOffset).Unix())
		i.respond(protocol.Encode(protocol.GetSysTime, binary.LittleEndian.AppendUint64(nil, now)))

	case protocol.SetSysTime:
		if len(p) < 8 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		t := time.Unix(int64(binary.LittleEndian.Uint64(p)), 0)
		i.timeOffset = time.Until(t)
		i.ack(f.ID)

	case protocol.GetEnv:
		if len(p) < 1 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		b, _ := i.environment(int(p[0])).MarshalBinary()
		i.respond(protocol.Encode(protocol.EnvData, b))

	case protocol.GetCalCoef:
		if len(p) == 0 {
			b, _ := i.basic.MarshalBinary()
			i.respond(protocol.Encode(protocol.CalCoefs, b))
			return
		}
		i.sendPacket(protocol.CalCoefs, i.calibration, p)

	case protocol.SetCalCoef:
		last, ok := i.receivePacket(raw, p)
		if !ok {
			return
		}
		i.ack(f.ID)
		if last {
			i.pendingCal = i.upload
			i.upload = nil
		}

	case protocol.SaveCalCoef:
		if i.pendingCal == nil {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		i.calibration = i.pendingCal
		i.pendingCal = nil
		i.ack(f.ID)
		i.later(i.done(f.ID))

	case protocol.SetSWIRTemp:
		if len(p) < 4 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		v := math.Float32frombits(binary.LittleEndian.Uint32(p))
		if !i.hw.Has(protocol.HWTEC) {
			i.badParm(raw, protocol.CodeHWNotAvailable, 1)
			return
		}
		if v != -100 && (v < -15 || v > 40) {
			i.badParm(raw, protocol.CodeParmOutOfRange, 1)
			return
		}
		i.tec = v
		i.ack(f.ID)
		i.later(i.done(f.ID))

	case protocol.CaptureSpec:
		i.captureSpectra(raw, p)

	case protocol.GetSlots:
		var b []byte
		for _, s := range i.lastSlots {
			b = binary.LittleEndian.AppendUint16(b, s)
		}
		if i.slotsCRC {
			b = append(b, 0, 0, 0, 0)
			protocol.SealDataset(b)
		}
		i.sendPacket(protocol.SlotData, b, p)

	case protocol.GetSpec:
		if len(p) < 4 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		s, ok := i.spectra[binary.LittleEndian.Uint16(p)]
		if !ok {
			i.badParm(raw, protocol.CodeParmOutOfRange, 1)
			return
		}
		i.sendPacket(protocol.SpecData, s.Dataset(), p[2:])

	case protocol.CaptureMMImg:
		i.captureImage(raw, p)

	case protocol.GetMMImg:
		if i.image == nil {
			i.badParm(raw, protocol.CodeHWNotAvailable, 1)
			return
		}
		i.sendPacket(protocol.ImgData, i.image, p)

	case protocol.EnterFlashWriteMode:
		if len(p) < 4 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		i.flashMode = true
		i.firmwareSize = int(int32(binary.LittleEndian.Uint32(p)))
		i.upload = nil
		i.respond(i.done(f.ID))

	case protocol.FWData:
		if !i.flashMode {
			i.nak(raw, protocol.CodeBadState)
			return
		}
		last, ok := i.receivePacket(raw, p)
		if !ok {
			return
		}
		if !last {
			i.ack(f.ID)
			return
		}
		if _, _, valid := protocol.VerifyDataset(i.upload); !valid || len(i.upload) != i.firmwareSize {
			i.upload = nil
			i.badParm(raw, protocol.CodeParmOutOfRange, 1)
			return
		}
		i.firmware = i.upload
		i.upload = nil
		i.firmwareSaved = false
		i.respond(i.done(f.ID))

	case protocol.SaveNewFW:
		if i.firmware == nil {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		i.firmwareSaved = true
		i.respond(protocol.Encode(protocol.SaveNewFW, []byte{1}))

	case protocol.BootNewFW:
		if !i.firmwareSaved {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		i.fw.FlashSlot = 3 - i.fw.FlashSlot
		i.fw.Revision++
		i.hw.FirmwareRevision = i.fw.Revision
		i.flashMode = false
		i.updateMode = false
		i.ack(f.ID)

	case protocol.Reboot:
		i.flashMode = false
		i.baud = 115200
		b, _ := i.hw.MarshalBinary()
		i.later(protocol.Encode(protocol.Booted, b))

	case protocol.SetBaud:
		if len(p) < 4 {
			i.nak(raw, protocol.CodeMissingParms)
			return
		}
		rate := protocol.BaudRate(binary.LittleEndian.Uint32(p))
		if !rate.Valid() {
			i.badParm(raw, protocol.CodeParmOutOfRange, 1)
			return
		}
		i.ack(f.ID)
		i.baud = int(rate)
		i.later(i.done(f.ID))

	case protocol.AbortTask, protocol.Shutdown:
		i.deferred = nil
		i.ack(f.ID)

	default:
		// what the firmware does for unknown opcodes, echo included
		i.respond(protocol.Encode(protocol.Nak, []byte{byte(f.ID), 3, 0, byte(protocol.CodeNotImplemented)}))
	}
}

// sendPacket answers one request of a packetized download. The last two
// request bytes select the packet.
func (i *Instrument) sendPacket(id protocol.Command, data, params []byte) {
	if len(params) < 2 {
		i.respond(protocol.Encode(protocol.Nak, []byte{byte(protocol.CodeTooShort)}))
		return
	}
	n := int(binary.LittleEndian.Uint16(params[len(params)-2:]))
	total := (len(data) + protocol.PacketDataSize - 1) / protocol.PacketDataSize
	if total == 0 {
		total = 1
	}
	start := n * protocol.PacketDataSize
	if start > len(data) {
		start = len(data)
	}
	end := start + protocol.PacketDataSize
	if end > len(data) {
		end = len(data)
	}
	payload := make([]byte, 4, 4+end-start)
	binary.LittleEndian.PutUint16(payload[0:], uint16(n))
	binary.LittleEndian.PutUint16(payload[2:], uint16(total))
	payload = append(payload, data[start:end]...)
	i.respond(protocol.Encode(id, payload))
}

// receivePacket appends one upload chunk and reports whether it was the
// last one.
func (i *Instrument) receivePacket(raw, p []byte) (last, ok bool) {
	if len(p) < 4 {
		i.nak(raw, protocol.CodeMissingParms)
		return false, false
	}
	n := binary.LittleEndian.Uint16(p[0:])
	total := binary.LittleEndian.Uint16(p[2:])
	if n == 0 {
		i.upload = nil
	}
	i.upload = append(i.upload, p[4:]...)
	return n+1 >= total, true
}
