package protocol

import "fmt"

// Command is a frame identifier: either an opcode sent by the host or a
// packet type sent back by the instrument.
type Command byte

// Host commands.
const (
	GetCalCoef          Command = 0x21
	SetCalCoef          Command = 0x22
	SaveCalCoef         Command = 0x23
	GetEnv              Command = 0x32
	GetLog              Command = 0x33
	SetSWIRTemp         Command = 0x41
	CaptureSpec         Command = 0x51
	GetSpec             Command = 0x52
	GetSlots            Command = 0x53
	CaptureMMImg        Command = 0x61
	GetMMImg            Command = 0x62
	GetFWVer            Command = 0x91
	EnterFlashWriteMode Command = 0x92
	BootNewFW           Command = 0x93
	SaveNewFW           Command = 0x94
	GetSysTime          Command = 0x95
	SetSysTime          Command = 0x96
	AbortTask           Command = 0x97
	Reboot              Command = 0x98
	Shutdown            Command = 0x99
	SetBaud             Command = 0x9A
)

// Data packet and status identifiers.
const (
	SpecData      Command = 0xB1
	ImgData       Command = 0xB2
	LogData       Command = 0xB3
	SlotData      Command = 0xB5
	EnvData       Command = 0xBE
	FWData        Command = 0xBF
	AutoIntStatus Command = 0xC8
	Resend        Command = 0xC9
	Ack           Command = 0xCA
	Booted        Command = 0xCB
	CalCoefs      Command = 0xCC
	Done          Command = 0xCD
	Nak           Command = 0xCE
)

var commandNames = map[Command]string{
	GetCalCoef:          "GET_CAL_COEF",
	SetCalCoef:          "SET_CAL_COEF",
	SaveCalCoef:         "SAVE_CAL_COEF",
	GetEnv:              "GET_ENV",
	GetLog:              "GET_LOG",
	SetSWIRTemp:         "SET_SWIR_TEMP",
	CaptureSpec:         "CAPTURE_SPEC",
	GetSpec:             "GET_SPEC",
	GetSlots:            "GET_SLOTS",
	CaptureMMImg:        "CAPTURE_MM_IMG",
	GetMMImg:            "GET_MM_IMG",
	GetFWVer:            "GET_FW_VER",
	EnterFlashWriteMode: "ENTER_FLASH_WRITE_MODE",
	BootNewFW:           "BOOT_NEW_FW",
	SaveNewFW:           "SAVE_NEW_FW",
	GetSysTime:          "GET_SYSTIME",
	SetSysTime:          "SET_SYSTIME",
	AbortTask:           "ABORT_TASK",
	Reboot:              "REBOOT",
	Shutdown:            "SHUTDOWN",
	SetBaud:             "SET_BAUD",
	SpecData:            "SPEC_DATA",
	ImgData:             "IMG_DATA",
	LogData:             "LOG_DATA",
	SlotData:            "SLOT_DATA",
	EnvData:             "ENV_DATA",
	FWData:              "FW_DATA",
	AutoIntStatus:       "AUTOINT_STATUS",
	Resend:              "RESEND",
	Ack:                 "ACK",
	Booted:              "BOOTED",
	CalCoefs:            "CAL_COEFS",
	Done:                "DONE",
	Nak:                 "NAK",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// inbound lists every identifier the instrument may start a frame with.
// GET_FW_VER, SAVE_NEW_FW and GET_SYSTIME answer with their own opcode.
var inbound = map[Command]bool{
	AutoIntStatus: true,
	Ack:           true,
	Done:          true,
	ImgData:       true,
	SpecData:      true,
	SlotData:      true,
	EnvData:       true,
	Nak:           true,
	Booted:        true,
	CalCoefs:      true,
	LogData:       true,
	FWData:        true,
	SaveNewFW:     true,
	GetFWVer:      true,
	GetSysTime:    true,
}

// IsInbound reports whether c is a legal first byte of an instrument frame.
func IsInbound(c Command) bool {
	return inbound[c]
}

// Code is an error code carried in a NAK payload.
type Code byte

const (
	CodeParmOutOfRange Code = 0x9B
	CodeHWNotAvailable Code = 0x9C
	CodeBadState       Code = 0x9D
	CodeMissingParms   Code = 0x9E
	CodeWrongSpec      Code = 0xA1
	CodeWrongOptics    Code = 0xA2
	CodeNoLimit        Code = 0xA4
	CodeIntTooLong     Code = 0xA5
	CodeSeqTooLong     Code = 0xA6
	CodeBadImgType     Code = 0xB0
	CodeBadResolution  Code = 0xB1
	CodeBadCRC         Code = 0xE0
	CodeBadLength      Code = 0xE1
	CodeBadParm        Code = 0xE2
	CodeTooShort       Code = 0xE4
	CodeNotImplemented Code = 0x9A
)

func (c Code) String() string {
	switch c {
	case CodeParmOutOfRange:
		return "parameter out of range"
	case CodeHWNotAvailable:
		return "hardware not available"
	case CodeBadState:
		return "instrument in firmware update mode"
	case CodeMissingParms:
		return "missing parameters"
	case CodeWrongSpec:
		return "wrong spectrometer selected"
	case CodeWrongOptics:
		return "wrong optics selected"
	case CodeNoLimit:
		return "no integration time or series duration limit"
	case CodeIntTooLong:
		return "integration time too long"
	case CodeSeqTooLong:
		return "series too long"
	case CodeBadImgType:
		return "bad image type"
	case CodeBadResolution:
		return "bad resolution"
	case CodeBadCRC:
		return "bad CRC"
	case CodeBadLength:
		return "bad length"
	case CodeBadParm:
		return "bad parameter"
	case CodeTooShort:
		return "packet too short"
	case CodeNotImplemented:
		return "not implemented"
	default:
		return fmt.Sprintf("unknown error 0x%02X", byte(c))
	}
}

// Frame and transfer sizes.
const (
	HeaderSize     = 3    // id + u16 length
	FrameOverhead  = 4    // header + checksum byte
	MaxFrameSize   = 1024 // largest frame either side will emit
	RxBufferSize   = MaxFrameSize + 4
	PacketDataSize = 1016 // payload bytes per packetized upload chunk
)

// BaudRate is one of the line speeds the instrument supports.
type BaudRate int

const (
	Baud115200  BaudRate = 115200
	Baud460800  BaudRate = 460800
	Baud921600  BaudRate = 921600
	Baud3000000 BaudRate = 3000000
	Baud6000000 BaudRate = 6000000
	Baud8000000 BaudRate = 8000000
)

// BaudRates lists the supported speeds in discovery order.
var BaudRates = []BaudRate{Baud115200, Baud460800, Baud921600, Baud3000000, Baud6000000, Baud8000000}

// Valid reports whether b is a supported speed.
func (b BaudRate) Valid() bool {
	for _, v := range BaudRates {
		if v == b {
			return true
		}
	}
	return false
}
