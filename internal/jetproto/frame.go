// Package jetproto implements the Jet wire protocol: the signed, masked,
// length-prefixed frame used to carry accept/connect/test handshakes, and
// the HTTP/1.1-style message it frames.
package jetproto

import (
	"encoding/binary"
	"errors"
)

// Signature is the 4-byte magic "JET\0", transmitted little-endian.
var Signature = [4]byte{'J', 'E', 'T', 0x00}

// FrameHeaderSize is the number of bytes preceding the payload: signature
// (4) + size (2) + flags (1) + mask (1).
const FrameHeaderSize = 4 + 2 + 1 + 1

// DefaultMask is the XOR mask applied to frame payloads unless overridden
// by JET_MSG_MASK.
const DefaultMask byte = 0x73

var (
	// ErrBadFrame is returned when the frame signature doesn't match.
	ErrBadFrame = errors.New("jetproto: bad frame signature")
	// ErrTooShort is returned when the declared size is smaller than the header.
	ErrTooShort = errors.New("jetproto: declared frame size too short")
	// ErrIncomplete is returned when fewer bytes are buffered than the frame declares.
	ErrIncomplete = errors.New("jetproto: incomplete frame")
)

// Frame is one length-prefixed Jet wire frame.
type Frame struct {
	Flags   byte
	Mask    byte
	Payload []byte // unmasked application payload
}

// xorMask XORs every byte of b with mask, in place, and returns b.
func xorMask(b []byte, mask byte) []byte {
	for i := range b {
		b[i] ^= mask
	}
	return b
}

// Encode serializes f into a complete Jet frame, masking the payload with
// f.Mask (or DefaultMask if zero).
func Encode(f Frame) []byte {
	mask := f.Mask
	if mask == 0 {
		mask = DefaultMask
	}

	size := FrameHeaderSize + len(f.Payload)
	buf := make([]byte, FrameHeaderSize, size)
	copy(buf[0:4], Signature[:])
	binary.BigEndian.PutUint16(buf[4:6], uint16(size))
	buf[6] = f.Flags
	buf[7] = mask

	masked := make([]byte, len(f.Payload))
	copy(masked, f.Payload)
	xorMask(masked, mask)
	buf = append(buf, masked...)
	return buf
}

// Decode parses a single frame from the front of data. It returns the
// decoded frame, the number of bytes consumed, and an error. ErrIncomplete
// means the caller should read more bytes and retry; it is not a protocol
// violation.
func Decode(data []byte) (Frame, int, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, 0, ErrIncomplete
	}
	if data[0] != Signature[0] || data[1] != Signature[1] || data[2] != Signature[2] || data[3] != Signature[3] {
		return Frame{}, 0, ErrBadFrame
	}

	size := int(binary.BigEndian.Uint16(data[4:6]))
	if size < FrameHeaderSize {
		return Frame{}, 0, ErrTooShort
	}
	if len(data) < size {
		return Frame{}, 0, ErrIncomplete
	}

	flags := data[6]
	mask := data[7]

	payload := make([]byte, size-FrameHeaderSize)
	copy(payload, data[FrameHeaderSize:size])
	xorMask(payload, mask)

	return Frame{Flags: flags, Mask: mask, Payload: payload}, size, nil
}

// LooksLikeSignature reports whether the given bytes (at least 4) start
// with the Jet frame signature, used by the connect dispatcher (C5) to
// branch on the first bytes of a fresh connection.
func LooksLikeSignature(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return b[0] == Signature[0] && b[1] == Signature[1] && b[2] == Signature[2] && b[3] == Signature[3]
}
