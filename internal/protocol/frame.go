package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded packet: [id][len u16 LE][payload][crc8].
type Frame struct {
	ID       Command
	Length   uint16
	Payload  []byte
	Checksum byte
}

// Echo returns the command an ACK, DONE or NAK frame refers to.
func (f *Frame) Echo() Command {
	if len(f.Payload) == 0 {
		return 0
	}
	return Command(f.Payload[0])
}

// DoneParam returns the u16 carried after the echoed command in a DONE
// frame (capture count for spectra, byte count for images).
func (f *Frame) DoneParam() (uint16, bool) {
	if len(f.Payload) < 3 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(f.Payload[1:3]), true
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s len=%d crc=0x%02X", f.ID, f.Length, f.Checksum)
}

// Encode builds a command frame. The checksum is the low byte of the word
// order CRC over everything but the checksum byte, zero padded to 4 bytes.
func Encode(cmd Command, params []byte) []byte {
	txlen := len(params) + FrameOverhead
	crclen := alignUp(txlen - 1)
	buflen := txlen
	if crclen > buflen {
		buflen = crclen
	}
	buf := make([]byte, buflen)
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(txlen))
	copy(buf[HeaderSize:], params)

	crc, _ := ChecksumWords(buf[:crclen])
	buf[txlen-1] = byte(crc)
	return buf[:txlen]
}

// Decode validates a frame received from the instrument.
func Decode(raw []byte) (*Frame, error) {
	return decode(raw, true)
}

// DecodeCommand validates a frame sent by the host. Only the identifier
// check differs from Decode.
func DecodeCommand(raw []byte) (*Frame, error) {
	return decode(raw, false)
}

func decode(raw []byte, inboundOnly bool) (*Frame, error) {
	count := len(raw)
	if count < HeaderSize {
		return nil, &Error{Kind: MalformedFrame, Received: count, Expected: HeaderSize, Err: ErrTooShort}
	}
	id := Command(raw[0])
	if inboundOnly && !IsInbound(id) {
		return nil, &Error{Kind: MalformedFrame, Command: id, Received: count, Err: ErrUnknownIdentifier}
	}
	length := int(binary.LittleEndian.Uint16(raw[1:3]))
	if length != count {
		return nil, &Error{Kind: MalformedFrame, Command: id, Received: count, Expected: length, Err: ErrLengthMismatch}
	}
	if count < FrameOverhead {
		return nil, &Error{Kind: MalformedFrame, Command: id, Received: count, Expected: FrameOverhead, Err: ErrTooShort}
	}

	rx := raw[count-1]
	calc := byte(ChecksumPadded(raw[:count-1]))
	if calc != rx {
		return nil, &Error{Kind: FrameCrcMismatch, Command: id, Received: int(rx), Expected: int(calc)}
	}

	payload := make([]byte, count-FrameOverhead)
	copy(payload, raw[HeaderSize:count-1])
	return &Frame{ID: id, Length: uint16(length), Payload: payload, Checksum: rx}, nil
}

// ParseNAK turns a NAK frame into an error.
//
// A NAK whose last payload byte is BAD_CRC, TOO_SHORT or NOT_IMPLEMENTED
// means our command arrived damaged and should be sent again. Otherwise the
// payload echoes the offending command (id + u16 length) followed by the
// error code, and for BAD_PARM a list of (code, parameter index) pairs.
func ParseNAK(f *Frame) error {
	p := f.Payload
	if len(p) == 0 {
		return &Error{Kind: MalformedFrame, Command: Nak, Err: ErrTooShort}
	}
	// checked first: the echoed command cannot be trusted in these cases
	switch last := Code(p[len(p)-1]); last {
	case CodeBadCRC, CodeTooShort, CodeNotImplemented:
		return &Error{Kind: DeviceReportedCorruption, Code: last}
	}
	if len(p) < HeaderSize {
		return &Error{Kind: MalformedFrame, Command: Nak, Received: len(p), Expected: HeaderSize, Err: ErrTooShort}
	}

	cmd := Command(p[0])
	cmdLen := int(binary.LittleEndian.Uint16(p[1:3]))
	if cmdLen+1 > len(p) {
		return &Error{Kind: MalformedFrame, Command: cmd, Received: len(p), Expected: cmdLen + 1,
			Err: fmt.Errorf("NAK echoes %d command bytes", cmdLen)}
	}

	code := Code(p[cmdLen])
	e := &Error{Kind: DeviceRejected, Command: cmd, Code: code}
	switch code {
	case CodeBadCRC:
		e.Kind = DeviceReportedCorruption
	case CodeBadState:
		e.Kind = InstrumentInFirmwareUpdateMode
	case CodeBadParm:
		n := (len(p) - cmdLen - 1) / 2
		for i := 0; i < n; i++ {
			off := cmdLen + 1 + 2*i
			e.Params = append(e.Params, ParamError{Code: Code(p[off]), Index: p[off+1]})
		}
	}
	return e
}

// EncodeNAK builds a NAK frame rejecting cmdFrame with code. Used by the
// simulator.
func EncodeNAK(cmdFrame []byte, code Code, params ...ParamError) []byte {
	echo := cmdFrame
	if len(echo) > HeaderSize {
		echo = echo[:HeaderSize]
	}
	payload := make([]byte, 0, HeaderSize+1+2*len(params))
	payload = append(payload, echo...)
	for len(payload) < HeaderSize {
		payload = append(payload, 0)
	}
	// only the command header is echoed back
	binary.LittleEndian.PutUint16(payload[1:3], HeaderSize)
	payload = append(payload, byte(code))
	for _, pe := range params {
		payload = append(payload, byte(pe.Code), pe.Index)
	}
	return Encode(Nak, payload)
}
