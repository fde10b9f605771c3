// Package comport serves the filter's control plane: a single-client
// request/reply channel carrying five typed commands, plus the agent-side
// client for it. The wire format is fixed-layout little-endian binary.
package comport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/SitinCloud/Owlyshield/internal/irp"
)

// Request types.
const (
	MsgAddScanDirectory uint32 = iota
	MsgRemoveScanDirectory
	MsgGetOps
	MsgSetAgent
	MsgTerminateGroup
)

// NT-style status codes carried on the wire. The terminate sentinels are
// negative when viewed as signed 32-bit values.
const (
	StatusSuccess               uint32 = 0x00000000
	StatusInvalidParameter      uint32 = 0xC000000D
	StatusNoSuchGroup           uint32 = 0xC000005E
	StatusInsufficientResources uint32 = 0xC000009A
	StatusMemoryNotAllocated    uint32 = 0xC00000A0
	StatusInternalError         uint32 = 0xC00000E5
	StatusFailCheck             uint32 = 0xC0000229
)

// Wire sizes. A request frame is the client's output capacity followed by
// the fixed-size message; a reply frame is status, payload length, then
// the payload.
const (
	// MessageSize is the fixed request struct: type u32, pid u32,
	// gid u64, path wchar[520] null-terminated.
	MessageSize = 4 + 4 + 8 + irp.MaxFileNameSize
	// RequestFrameSize is outCap u32 + the message.
	RequestFrameSize = 4 + MessageSize
	// ReplyHeaderSize is status u32 + length u32.
	ReplyHeaderSize = 8
)

// Per-type output-buffer contracts, validated like the original port
// validates OutputBufferLength.
const (
	outCapBoolean   = 1
	outCapTerminate = 4
)

// ErrBadMessage reports a request that does not decode.
var ErrBadMessage = errors.New("comport: malformed message")

// Message is one control-port request.
type Message struct {
	Type uint32
	PID  uint32
	Gid  uint64
	Path string
}

// EncodeTo writes the fixed-size request struct into buf, which must
// hold MessageSize bytes. Paths longer than the field are truncated,
// keeping the terminator.
func (m *Message) EncodeTo(buf []byte) {
	for i := range buf[:MessageSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:], m.Type)
	binary.LittleEndian.PutUint32(buf[4:], m.PID)
	binary.LittleEndian.PutUint64(buf[8:], m.Gid)
	units := utf16.Encode([]rune(m.Path))
	if len(units) > irp.MaxFileNameLength-1 {
		units = units[:irp.MaxFileNameLength-1]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[16+2*i:], u)
	}
}

// DecodeMessage parses a fixed-size request struct.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < MessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrBadMessage, len(buf))
	}
	m := Message{
		Type: binary.LittleEndian.Uint32(buf[0:]),
		PID:  binary.LittleEndian.Uint32(buf[4:]),
		Gid:  binary.LittleEndian.Uint64(buf[8:]),
	}
	if m.Type > MsgTerminateGroup {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrBadMessage, m.Type)
	}
	units := make([]uint16, 0, 64)
	for i := 0; i < irp.MaxFileNameLength; i++ {
		u := binary.LittleEndian.Uint16(buf[16+2*i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	m.Path = string(utf16.Decode(units))
	return m, nil
}
