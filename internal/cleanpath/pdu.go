// Package cleanpath implements the RDCleanPath control PDU codec and the
// single-round-trip upstream negotiation handler (C1 + C6): a client hands
// the gateway a token, an optional preconnection blob, and an X.224
// connection request in one DER-encoded SEQUENCE; the gateway dials the
// token's target, relays the X.224 exchange, TLS-wraps the upstream
// connection, and answers with the server's address, its X.224 response,
// and its certificate chain — or, on failure, a DER-encoded error.
package cleanpath

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

// MaxRequestSize bounds the accumulator used while reading a request PDU
// from the client (spec.md §6's 64 KiB request cap).
const MaxRequestSize = 64 * 1024

// MaxResponseSize bounds the buffer used while reading the server's X.224
// connection confirm (the 512 B cap). The response PDU sent back to the
// client is not size-capped.
const MaxResponseSize = 512

var (
	// ErrNeedMore indicates fewer bytes are buffered than the DER header
	// declares; the caller should read more and retry.
	ErrNeedMore = errors.New("cleanpath: need more bytes")
	// ErrUnexpectedTrailing indicates more bytes arrived than the DER
	// header declared.
	ErrUnexpectedTrailing = errors.New("cleanpath: unexpected trailing bytes")
	// ErrTooLarge indicates the declared length exceeds the configured cap.
	ErrTooLarge = errors.New("cleanpath: declared length exceeds cap")
)

// PDU mirrors the RDCleanPath control message in both directions. Only the
// fields relevant to the side being encoded are populated; the rest take
// their zero value and are omitted on the wire via the "optional" tag.
type PDU struct {
	ProxyAuth         string `asn1:"tag:0,optional,utf8"`
	Destination       string `asn1:"tag:1,optional,utf8"`
	PreconnectionBlob []byte `asn1:"tag:2,optional"`
	X224ConnectionPDU []byte `asn1:"tag:3,optional"`

	ServerAddr   string   `asn1:"tag:4,optional,utf8"`
	X224Response []byte   `asn1:"tag:5,optional"`
	CertChain    [][]byte `asn1:"tag:6,optional"`

	HTTPStatus int `asn1:"tag:7,optional"`
	TLSAlert   int `asn1:"tag:8,optional"`
	WSAError   int `asn1:"tag:9,optional"`
}

// IsErrorResponse reports whether p carries one of the three error
// dispositions instead of a successful negotiation result.
func (p PDU) IsErrorResponse() bool {
	return p.HTTPStatus != 0 || p.TLSAlert != 0 || p.WSAError != 0
}

// Encode serializes p to its DER form.
func Encode(p PDU) ([]byte, error) {
	out, err := asn1.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("cleanpath: encode: %w", err)
	}
	return out, nil
}

// Decode parses a complete DER-encoded PDU. It returns ErrUnexpectedTrailing
// if buf contains more bytes than the PDU's own declared length.
func Decode(buf []byte) (PDU, error) {
	var p PDU
	rest, err := asn1.Unmarshal(buf, &p)
	if err != nil {
		return PDU{}, fmt.Errorf("cleanpath: decode: %w", err)
	}
	if len(rest) != 0 {
		return PDU{}, ErrUnexpectedTrailing
	}
	return p, nil
}

// DeclaredLength inspects a DER SEQUENCE header (tag + length octets) and
// reports the total encoded length including the header, returning
// ErrNeedMore if buf doesn't yet contain the full header needed to compute
// it. maxLen bounds how large a declared length is accepted before
// ErrTooLarge, so a hostile declared length can never justify an
// allocation larger than the configured ceiling.
func DeclaredLength(buf []byte, maxLen int) (int, error) {
	if len(buf) < 2 {
		return 0, ErrNeedMore
	}
	// buf[0] is the tag octet (0x30 for a constructed SEQUENCE); callers
	// are expected to have already sniffed this before routing here.
	lenByte := buf[1]
	if lenByte < 0x80 {
		total := 2 + int(lenByte)
		if total > maxLen {
			return 0, ErrTooLarge
		}
		return total, nil
	}

	numLenBytes := int(lenByte & 0x7f)
	if numLenBytes == 0 || numLenBytes > 4 {
		return 0, fmt.Errorf("cleanpath: unsupported DER length encoding")
	}
	if len(buf) < 2+numLenBytes {
		return 0, ErrNeedMore
	}
	length := 0
	for _, b := range buf[2 : 2+numLenBytes] {
		length = length<<8 | int(b)
	}
	total := 2 + numLenBytes + length
	if total > maxLen {
		return 0, ErrTooLarge
	}
	return total, nil
}

// LooksLikeSequence reports whether b starts with a DER constructed
// SEQUENCE tag, the signal the connect dispatcher (C5) uses to route a
// fresh connection to the RDCleanPath handler.
func LooksLikeSequence(b []byte) bool {
	return len(b) > 0 && b[0] == 0x30
}

// NewHTTPErrorResponse builds an error PDU carrying an HTTP-like status.
func NewHTTPErrorResponse(status int) PDU { return PDU{HTTPStatus: status} }

// NewTLSAlertResponse builds an error PDU carrying a TLS alert byte.
func NewTLSAlertResponse(alert int) PDU { return PDU{TLSAlert: alert} }

// NewWSAErrorResponse builds an error PDU carrying a WinSock-style error code.
func NewWSAErrorResponse(code int) PDU { return PDU{WSAError: code} }

// NewSuccessResponse builds the success response: the selected server
// address, its raw X.224 response bytes, and its certificate chain in DER
// form, in the order received.
func NewSuccessResponse(serverAddr string, x224Response []byte, certChain [][]byte) PDU {
	return PDU{ServerAddr: serverAddr, X224Response: x224Response, CertChain: certChain}
}
