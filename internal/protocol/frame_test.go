package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	f := Encode(GetSpec, []byte{0x05, 0x00, 0x00, 0x00})
	if len(f) != 8 {
		t.Fatalf("len = %d, want 8", len(f))
	}
	if f[0] != byte(GetSpec) || f[1] != 8 || f[2] != 0 {
		t.Errorf("header = % X", f[:3])
	}
	want, _ := ChecksumWords([]byte{byte(GetSpec), 8, 0, 5, 0, 0, 0, 0})
	if f[7] != byte(want) {
		t.Errorf("checksum = 0x%02X, want 0x%02X", f[7], byte(want))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []Command{Ack, Done, Nak, SpecData, SlotData, EnvData, Booted, CalCoefs, GetSysTime, GetFWVer, SaveNewFW}
	for _, id := range ids {
		for n := 0; n <= 9; n++ {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i*37 + n)
			}
			raw := Encode(id, payload)
			f, err := Decode(raw)
			if err != nil {
				t.Fatalf("%s/%d: Decode: %v", id, n, err)
			}
			if f.ID != id || !bytes.Equal(f.Payload, payload) || int(f.Length) != len(raw) {
				t.Errorf("%s/%d: got %v payload % X", id, n, f, f.Payload)
			}
		}
	}
}

func TestDecodeCommandAcceptsHostOpcodes(t *testing.T) {
	raw := Encode(CaptureSpec, []byte{1, 2, 3})
	if _, err := Decode(raw); !errors.Is(err, ErrUnknownIdentifier) {
		t.Errorf("Decode err = %v, want ErrUnknownIdentifier", err)
	}
	f, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if f.ID != CaptureSpec {
		t.Errorf("ID = %s", f.ID)
	}
}

func TestDecodeErrors(t *testing.T) {
	good := Encode(Done, []byte{byte(CaptureSpec), 2, 0})

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	longer := append(append([]byte(nil), good...), 0x00)

	tests := []struct {
		name   string
		raw    []byte
		kind   Kind
		reason error
	}{
		{"empty", nil, MalformedFrame, ErrTooShort},
		{"two bytes", []byte{0xCA, 0x04}, MalformedFrame, ErrTooShort},
		{"unknown id", []byte{0x42, 0x04, 0x00, 0x00}, MalformedFrame, ErrUnknownIdentifier},
		{"truncated", good[:len(good)-1], MalformedFrame, ErrLengthMismatch},
		{"trailing byte", longer, MalformedFrame, ErrLengthMismatch},
		{"header only", []byte{0xCA, 0x03, 0x00}, MalformedFrame, ErrTooShort},
		{"bad checksum", badCRC, FrameCrcMismatch, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != tt.kind {
				t.Errorf("kind = %v, want %v", KindOf(err), tt.kind)
			}
			if tt.reason != nil && !errors.Is(err, tt.reason) {
				t.Errorf("err = %v, want %v", err, tt.reason)
			}
			if !errors.Is(err, ErrFrame) {
				t.Errorf("%v does not match ErrFrame", err)
			}
		})
	}
}

func TestFrameAccessors(t *testing.T) {
	f, err := Decode(Encode(Done, []byte{byte(CaptureSpec), 0x10, 0x01}))
	if err != nil {
		t.Fatal(err)
	}
	if f.Echo() != CaptureSpec {
		t.Errorf("Echo = %s", f.Echo())
	}
	n, ok := f.DoneParam()
	if !ok || n != 0x0110 {
		t.Errorf("DoneParam = %d, %v", n, ok)
	}
}

func TestParseNAK(t *testing.T) {
	cmd := Encode(CaptureSpec, make([]byte, CaptureRequestSize))

	tests := []struct {
		name    string
		payload []byte
		kind    Kind
		code    Code
		params  []ParamError
	}{
		{
			name:    "bad crc only",
			payload: []byte{byte(CodeBadCRC)},
			kind:    DeviceReportedCorruption,
			code:    CodeBadCRC,
		},
		{
			name:    "too short trailing",
			payload: []byte{byte(CaptureSpec), 3, 0, byte(CodeTooShort)},
			kind:    DeviceReportedCorruption,
			code:    CodeTooShort,
		},
		{
			name:    "not implemented",
			payload: []byte{byte(CodeNotImplemented)},
			kind:    DeviceReportedCorruption,
			code:    CodeNotImplemented,
		},
		{
			name:    "firmware update mode",
			payload: []byte{byte(Booted), 3, 0, byte(CodeBadState)},
			kind:    InstrumentInFirmwareUpdateMode,
			code:    CodeBadState,
		},
		{
			name:    "missing parms",
			payload: []byte{byte(CaptureSpec), 3, 0, byte(CodeMissingParms)},
			kind:    DeviceRejected,
			code:    CodeMissingParms,
		},
		{
			name:    "bad parm list",
			payload: []byte{byte(CaptureSpec), 3, 0, byte(CodeBadParm), byte(CodeWrongOptics), 1, byte(CodeIntTooLong), 2},
			kind:    DeviceRejected,
			code:    CodeBadParm,
			params:  []ParamError{{CodeWrongOptics, 1}, {CodeIntTooLong, 2}},
		},
		{
			name:    "echo longer than nak",
			payload: []byte{byte(CaptureSpec), 40, 0, byte(CodeMissingParms)},
			kind:    MalformedFrame,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(Encode(Nak, tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			err = ParseNAK(f)
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", pe.Kind, tt.kind)
			}
			if tt.code != 0 && pe.Code != tt.code {
				t.Errorf("code = %v, want %v", pe.Code, tt.code)
			}
			if len(pe.Params) != len(tt.params) {
				t.Fatalf("params = %v, want %v", pe.Params, tt.params)
			}
			for i := range tt.params {
				if pe.Params[i] != tt.params[i] {
					t.Errorf("param %d = %v, want %v", i, pe.Params[i], tt.params[i])
				}
			}
		})
	}

	t.Run("encoded by EncodeNAK", func(t *testing.T) {
		f, err := Decode(EncodeNAK(cmd, CodeBadParm, ParamError{CodeNoLimit, 4}))
		if err != nil {
			t.Fatal(err)
		}
		err = ParseNAK(f)
		if !IsRejection(err) {
			t.Fatalf("err = %v, want rejection", err)
		}
		var pe *Error
		errors.As(err, &pe)
		if pe.Command != CaptureSpec || len(pe.Params) != 1 || pe.Params[0].Index != 4 {
			t.Errorf("got %+v", pe)
		}
	})
}

func TestErrorMatching(t *testing.T) {
	inner := &Error{Kind: TransportTimeout}
	outer := &Error{Kind: RetriesExhausted, Command: GetEnv, Err: inner}

	if !errors.Is(outer, RetriesExhausted) || !errors.Is(outer, TransportTimeout) {
		t.Error("kind matching through the chain failed")
	}
	if errors.Is(outer, ErrRejected) {
		t.Error("timeout should not match ErrRejected")
	}
	if KindOf(outer) != RetriesExhausted {
		t.Errorf("KindOf = %v", KindOf(outer))
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Error("KindOf(plain) should be 0")
	}
	rej := &Error{Kind: InstrumentInFirmwareUpdateMode, Code: CodeBadState}
	if !errors.Is(rej, ErrRejected) || errors.Is(rej, ErrFrame) {
		t.Error("category matching for firmware update mode")
	}
}
