package cleanpath

import (
	"fmt"
	"io"
)

// ReadRequestPDU accumulates bytes from r until a complete RDCleanPath
// request PDU has arrived, then decodes it. It reads in chunks of up to
// 4096 bytes; if the bytes received (leftover included) run past the
// PDU's declared length, it fails with ErrUnexpectedTrailing instead of
// keeping the surplus.
func ReadRequestPDU(r io.Reader, leftover []byte) (PDU, error) {
	return readRequestPDU(r, leftover, MaxRequestSize)
}

func readRequestPDU(r io.Reader, leftover []byte, maxSize int) (PDU, error) {
	buf := append([]byte(nil), leftover...)
	for {
		total, err := DeclaredLength(buf, maxSize)
		switch {
		case err == nil:
			if len(buf) < total {
				break
			}
			if len(buf) > total {
				return PDU{}, ErrUnexpectedTrailing
			}
			return Decode(buf)
		case err == ErrNeedMore:
			// fall through to read more
		default:
			return PDU{}, err
		}

		chunk := make([]byte, 4096)
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return PDU{}, fmt.Errorf("cleanpath: eof while reading request PDU: %w", io.ErrUnexpectedEOF)
			}
			return PDU{}, rerr
		}
	}
}

const (
	// x224MinResponseSize is the smallest possible X.224 connection
	// confirm: a 4-byte TPKT header plus a 15-byte X.224 CC TPDU.
	x224MinResponseSize = 19
	// tpktHeaderSize is the TPKT header's fixed length: version(1),
	// reserved(1), total length(2, big-endian, includes the header
	// itself).
	tpktHeaderSize = 4
)

// tpktDeclaredLength reads the TPKT total-length field out of a header
// that must already be fully buffered, reporting ok=false if buf is too
// short to contain one yet.
func tpktDeclaredLength(buf []byte) (length int, ok bool) {
	if len(buf) < tpktHeaderSize {
		return 0, false
	}
	return int(buf[2])<<8 | int(buf[3]), true
}

// ReadX224Response reads the server's X.224 connection confirm with a
// two-stage buffer: an initial x224MinResponseSize read, then grows to
// whatever the TPKT header declares (up to MaxResponseSize), refusing
// anything larger.
func ReadX224Response(r io.Reader) ([]byte, error) {
	return readX224Response(r, MaxResponseSize)
}

func readX224Response(r io.Reader, maxSize int) ([]byte, error) {
	buf := make([]byte, x224MinResponseSize)
	filled := 0

	for {
		n, err := r.Read(buf[filled:])
		filled += n

		if length, ok := tpktDeclaredLength(buf[:filled]); ok {
			if length > maxSize {
				return nil, fmt.Errorf("cleanpath: x224 response too large (max %d)", maxSize)
			}
			switch {
			case filled == length:
				return buf[:filled], nil
			case filled > length:
				return nil, fmt.Errorf("cleanpath: x224 response has unexpected trailing bytes")
			case filled > len(buf):
				return nil, fmt.Errorf("cleanpath: x224 response read overrun")
			case length > len(buf):
				grown := make([]byte, length)
				copy(grown, buf[:filled])
				buf = grown
			}
		}

		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("cleanpath: eof reading x224 response: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}
