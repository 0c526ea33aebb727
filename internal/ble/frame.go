package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire frame: 0xAA | op | seq | len (2 bytes, big endian) | payload | xor.
// The checksum is the XOR of every preceding byte. Responses echo op and
// seq and carry a status byte as the first payload byte.
const (
	frameMagic    byte = 0xAA
	frameOverhead      = 6
	maxPayload         = 512
)

// Op identifies a lock or gateway command.
type Op byte

const (
	OpInit             Op = 0x01
	OpQueryInit        Op = 0x02
	OpSetAdminPasscode Op = 0x03
	OpCalibrateTime    Op = 0x04
	OpReadClock        Op = 0x05
	OpConfigureWiFi    Op = 0x10
	OpFirmwareVersion  Op = 0x20
	OpBattery          Op = 0x21
	OpFactoryReset     Op = 0x22
)

func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpQueryInit:
		return "query_init"
	case OpSetAdminPasscode:
		return "set_admin_passcode"
	case OpCalibrateTime:
		return "calibrate_time"
	case OpReadClock:
		return "read_clock"
	case OpConfigureWiFi:
		return "configure_wifi"
	case OpFirmwareVersion:
		return "firmware_version"
	case OpBattery:
		return "battery"
	case OpFactoryReset:
		return "factory_reset"
	default:
		return fmt.Sprintf("op(0x%02x)", byte(o))
	}
}

// Status is the device's verdict on a command.
type Status byte

const (
	StatusOK                 Status = 0x00
	StatusAlreadyInitialized Status = 0x01
	StatusNotSettingMode     Status = 0x02
	StatusBadRequest         Status = 0x03
	StatusUnauthorized       Status = 0x04
	StatusUnsupported        Status = 0x05
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAlreadyInitialized:
		return "already initialized"
	case StatusNotSettingMode:
		return "not in setting mode"
	case StatusBadRequest:
		return "bad request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(0x%02x)", byte(s))
	}
}

var (
	ErrShortFrame  = errors.New("ble: short frame")
	ErrBadMagic    = errors.New("ble: bad frame magic")
	ErrBadChecksum = errors.New("ble: bad frame checksum")
	ErrTooLarge    = errors.New("ble: payload too large")
)

// Frame is one decoded wire frame.
type Frame struct {
	Op      Op
	Seq     byte
	Payload []byte
}

// Encode serialises f.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, ErrTooLarge
	}
	buf := make([]byte, 0, frameOverhead+len(f.Payload))
	buf = append(buf, frameMagic, byte(f.Op), f.Seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return append(buf, checksum(buf)), nil
}

// DecodeFrame parses exactly one frame from b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameOverhead {
		return Frame{}, ErrShortFrame
	}
	if b[0] != frameMagic {
		return Frame{}, ErrBadMagic
	}
	n := int(binary.BigEndian.Uint16(b[3:5]))
	if n > maxPayload {
		return Frame{}, ErrTooLarge
	}
	if len(b) != frameOverhead+n {
		return Frame{}, ErrShortFrame
	}
	if checksum(b[:len(b)-1]) != b[len(b)-1] {
		return Frame{}, ErrBadChecksum
	}
	payload := make([]byte, n)
	copy(payload, b[5:5+n])
	return Frame{Op: Op(b[1]), Seq: b[2], Payload: payload}, nil
}

func checksum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// PayloadWriter builds command payloads out of length-prefixed fields.
type PayloadWriter struct {
	buf []byte
}

func (w *PayloadWriter) PutString(s string) *PayloadWriter {
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *PayloadWriter) PutUint8(v uint8) *PayloadWriter {
	w.buf = append(w.buf, v)
	return w
}

func (w *PayloadWriter) PutUint16(v uint16) *PayloadWriter {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *PayloadWriter) PutUint64(v uint64) *PayloadWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *PayloadWriter) Bytes() []byte {
	return w.buf
}

// PayloadReader reads fields written by PayloadWriter. The first error
// sticks; check Err once after reading.
type PayloadReader struct {
	buf []byte
	err error
}

func NewPayloadReader(b []byte) *PayloadReader {
	return &PayloadReader{buf: b}
}

func (r *PayloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *PayloadReader) ReadString() string {
	l := r.take(1)
	if l == nil {
		return ""
	}
	return string(r.take(int(l[0])))
}

func (r *PayloadReader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *PayloadReader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *PayloadReader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *PayloadReader) Err() error {
	return r.err
}
