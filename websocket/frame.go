package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"strconv"
)

var randReader io.Reader = rand.Reader

// Opcode identifies the frame type, RFC 6455, section 5.2.
type Opcode byte

// Opcodes defined in RFC 6455, section 11.8.
const (
	ContinuationFrame Opcode = 0x0
	TextMessage       Opcode = 0x1
	BinaryMessage     Opcode = 0x2
	CloseMessage      Opcode = 0x8
	PingMessage       Opcode = 0x9
	PongMessage       Opcode = 0xA
)

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

// IsData reports whether op starts a data message (text or binary).
func (op Opcode) IsData() bool {
	return op == TextMessage || op == BinaryMessage
}

func (op Opcode) valid() bool {
	switch op {
	case ContinuationFrame, TextMessage, BinaryMessage, CloseMessage, PingMessage, PongMessage:
		return true
	default:
		return false
	}
}

func (op Opcode) String() string {
	switch op {
	case ContinuationFrame:
		return "continuation"
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	case CloseMessage:
		return "close"
	case PingMessage:
		return "ping"
	case PongMessage:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(op)) + ")"
	}
}

// Frame header constants per RFC 6455, section 5.2.
const (
	maxControlFramePayloadSize = 125 // RFC 6455, section 5.5

	// DefaultMaxPayloadBytes bounds a single frame, and by extension a
	// reassembled message, when no explicit limit is configured.
	DefaultMaxPayloadBytes = 4 << 20

	// First byte bits.
	finalBit = 1 << 7
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4

	// Second byte bits.
	maskBit = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127
)

// Frame is a single RFC 6455 protocol unit.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Codec decodes frames from a byte buffer. It holds no state beyond its
// limits and is safe for concurrent use.
type Codec struct {
	// MaxPayloadBytes rejects frames advertising a larger payload before
	// anything is allocated. Zero means DefaultMaxPayloadBytes.
	MaxPayloadBytes int64
}

func (c *Codec) maxPayload() uint64 {
	if c == nil || c.MaxPayloadBytes <= 0 {
		return DefaultMaxPayloadBytes
	}
	return uint64(c.MaxPayloadBytes)
}

// Decode parses one frame from the start of buf and returns it together with
// the number of bytes it occupied. Truncated input yields ErrNeedMoreData and
// consumes nothing. Malformed input yields a *ProtocolError.
//
// The returned payload is a fresh slice, already unmasked; buf is not
// modified.
func (c *Codec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreData
	}

	b0, b1 := buf[0], buf[1]
	if b0&(rsv1Bit|rsv2Bit|rsv3Bit) != 0 {
		return Frame{}, 0, newProtocolError(CloseProtocolError, ErrReservedBits)
	}

	op := Opcode(b0 & opcodeMask)
	if !op.valid() {
		return Frame{}, 0, newProtocolError(CloseProtocolError, ErrInvalidOpcode)
	}

	fin := b0&finalBit != 0
	masked := b1&maskBit != 0
	length := uint64(b1 & payloadLenMask)

	// RFC 6455, section 5.5: control frames are never fragmented and carry
	// at most 125 bytes, so the 7-bit length must already be final.
	if op.IsControl() {
		if !fin {
			return Frame{}, 0, newProtocolError(CloseProtocolError, ErrFragmentedControlFrame)
		}
		if length > maxControlFramePayloadSize {
			return Frame{}, 0, newProtocolError(CloseProtocolError, ErrControlFramePayloadTooBig)
		}
	}

	pos := 2
	switch length {
	case payloadLen16:
		if len(buf) < pos+2 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
	case payloadLen64:
		if len(buf) < pos+8 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		// The most significant bit must be 0.
		if length>>63 != 0 {
			return Frame{}, 0, newProtocolError(CloseProtocolError, ErrInvalidPayloadLength)
		}
	}

	if length > c.maxPayload() {
		return Frame{}, 0, newProtocolError(CloseProtocolError, ErrPayloadTooBig)
	}

	f := Frame{Fin: fin, Opcode: op, Masked: masked}
	if masked {
		if len(buf) < pos+4 {
			return Frame{}, 0, ErrNeedMoreData
		}
		copy(f.MaskKey[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < length {
		return Frame{}, 0, ErrNeedMoreData
	}

	end := pos + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[pos:end])
	if masked {
		MaskBytes(f.MaskKey, 0, f.Payload)
	}

	return f, end, nil
}

// HeaderSize returns the encoded header length for a payload of n bytes.
func HeaderSize(n int, masked bool) int {
	size := 2
	switch {
	case n > 65535:
		size += 8
	case n > 125:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// AppendFrame appends the wire encoding of f to dst. When f.Masked is set
// the payload is masked with f.MaskKey; f.Payload itself is left intact.
func AppendFrame(dst []byte, f Frame) []byte {
	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= finalBit
	}

	var b1 byte
	if f.Masked {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n <= 125:
		dst = append(dst, b0, b1|byte(n))
	case n <= 65535:
		dst = append(dst, b0, b1|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !f.Masked {
		return append(dst, f.Payload...)
	}

	dst = append(dst, f.MaskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	MaskBytes(f.MaskKey, 0, dst[start:])
	return dst
}

// EncodeFrame returns a single encoded frame. Masked frames get a random
// key; server-originated frames must pass masked=false.
func EncodeFrame(opcode Opcode, payload []byte, fin, masked bool) []byte {
	f := Frame{Fin: fin, Opcode: opcode, Masked: masked, Payload: payload}
	if masked {
		f.MaskKey = NewMaskKey()
	}
	buf := make([]byte, 0, HeaderSize(len(payload), masked)+len(payload))
	return AppendFrame(buf, f)
}

// EncodeMessage encodes an unmasked message. When fragmentSize is positive
// and smaller than the payload, the message is split into frames of at most
// fragmentSize bytes: the first carries opcode, the rest are continuations,
// and only the last has FIN set.
func EncodeMessage(opcode Opcode, payload []byte, fragmentSize int) []byte {
	if fragmentSize <= 0 || len(payload) <= fragmentSize {
		return EncodeFrame(opcode, payload, true, false)
	}

	frames := (len(payload) + fragmentSize - 1) / fragmentSize
	buf := make([]byte, 0, frames*HeaderSize(fragmentSize, false)+len(payload))

	op := opcode
	for off := 0; off < len(payload); off += fragmentSize {
		end := min(off+fragmentSize, len(payload))
		buf = AppendFrame(buf, Frame{
			Fin:     end == len(payload),
			Opcode:  op,
			Payload: payload[off:end],
		})
		op = ContinuationFrame
	}
	return buf
}

// NewMaskKey returns a random masking key per RFC 6455, section 5.3.
func NewMaskKey() [4]byte {
	var key [4]byte
	_, _ = io.ReadFull(randReader, key[:])
	return key
}

// MaskBytes applies XOR masking to data per RFC 6455, section 5.3, starting
// at key offset pos. It returns the key offset for the next byte, so a
// payload can be masked in several pieces.
func MaskBytes(key [4]byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= key[(pos+i)%4]
	}
	return (pos + len(data)) % 4
}
