package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

// pcbHeaderSize is cbSize(4) + Flags(4) + Version(4), all little-endian,
// preceding the UTF-16LE token payload — the wire shape of a preconnection
// blob as used for plain-forward routing.
const pcbHeaderSize = 12

// MaxPCBSize bounds the preconnection blob accumulator the same way the
// RDCleanPath request is bounded, so a hostile cbSize can't justify an
// unbounded allocation.
const MaxPCBSize = 64 * 1024

// PCB is a decoded preconnection blob: a length-prefixed PDU whose payload
// is a UTF-16LE-encoded token.
type PCB struct {
	Flags   uint32
	Version uint32
	Token   string
}

// ReadPCB reads exactly one preconnection blob from r (which must start
// with the PCB's own first byte — dispatch never consumes what it peeked):
// the fixed header first, then exactly the declared cbSize. Any client
// bytes already pipelined after the PCB are left unread in r so they reach
// the upstream side verbatim once the splice starts.
func ReadPCB(r io.Reader) (PCB, error) {
	header := make([]byte, pcbHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return PCB{}, fmt.Errorf("dispatch: eof while reading pcb header: %w", io.ErrUnexpectedEOF)
		}
		return PCB{}, err
	}

	cbSize := int(binary.LittleEndian.Uint32(header[:4]))
	if cbSize > MaxPCBSize {
		return PCB{}, fmt.Errorf("dispatch: pcb cbSize %d exceeds cap %d", cbSize, MaxPCBSize)
	}
	if cbSize < pcbHeaderSize {
		return PCB{}, fmt.Errorf("dispatch: pcb cbSize %d smaller than header", cbSize)
	}

	buf := make([]byte, cbSize)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[pcbHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return PCB{}, fmt.Errorf("dispatch: eof while reading pcb: %w", io.ErrUnexpectedEOF)
		}
		return PCB{}, err
	}
	return decodePCB(buf)
}

func decodePCB(buf []byte) (PCB, error) {
	if len(buf) < pcbHeaderSize {
		return PCB{}, fmt.Errorf("dispatch: pcb shorter than header")
	}
	flags := binary.LittleEndian.Uint32(buf[4:8])
	version := binary.LittleEndian.Uint32(buf[8:12])

	payload := buf[pcbHeaderSize:]
	if len(payload)%2 != 0 {
		payload = payload[:len(payload)-1]
	}
	units := make([]uint16, len(payload)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(payload[i*2:])
	}
	// Drop a trailing NUL terminator, if present, the way a UTF-16
	// C-string payload typically carries one.
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}

	return PCB{Flags: flags, Version: version, Token: string(utf16.Decode(units))}, nil
}

// EncodePCB builds the wire bytes for a PCB carrying token, for tests and
// for any component that needs to originate one.
func EncodePCB(flags, version uint32, token string) []byte {
	units := utf16.Encode([]rune(token))
	payload := make([]byte, len(units)*2+2) // +2 for the NUL terminator
	for i, u := range units {
		binary.LittleEndian.PutUint16(payload[i*2:], u)
	}

	total := pcbHeaderSize + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], version)
	copy(buf[pcbHeaderSize:], payload)
	return buf
}
