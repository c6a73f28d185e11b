// Package dispatch implements the connect dispatcher (C5): peeking the
// first protocol-identifying bytes of a freshly accepted stream and
// routing it to the rendezvous matcher, the RDCleanPath handler, or plain
// forward mode, without consuming any byte the chosen handler will need.
package dispatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/devolutions/gateway-go/internal/cleanpath"
	"github.com/devolutions/gateway-go/internal/jetproto"
)

// PeekTimeout is the ceiling for receiving the first protocol-identifying
// bytes of a new connection.
const PeekTimeout = 10 * time.Second

// peekSize is large enough to hold the Jet frame signature+header and the
// DER SEQUENCE tag+length octets; it never consumes payload bytes since
// bufio.Reader.Peek does not advance the read position.
const peekSize = 8

// Mode is the connection mode a dispatch decided on.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeRendezvous
	ModeCleanPath
	ModeForward
)

func (m Mode) String() string {
	switch m {
	case ModeRendezvous:
		return "rendezvous"
	case ModeCleanPath:
		return "cleanpath"
	case ModeForward:
		return "forward"
	default:
		return "unknown"
	}
}

var (
	// ErrHandshakeTimeout means no decision could be made within PeekTimeout.
	ErrHandshakeTimeout = errors.New("dispatch: handshake timeout")
	// ErrIncomplete means the connection closed before enough bytes arrived
	// to recognize any known protocol signature.
	ErrIncomplete = errors.New("dispatch: incomplete handshake")
)

// deadliner is the subset of net.Conn dispatch needs to bound the initial
// peek; most callers pass a *net.TCPConn or a WS-to-stream adapter that
// implements it.
type deadliner interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Decision is the outcome of Peek: which mode the connection should be
// routed to, plus a buffered reader positioned at the very first byte —
// nothing has been consumed, so the chosen handler reads the same bytes
// dispatch peeked at.
type Decision struct {
	Mode   Mode
	Reader *bufio.Reader
}

// Peek reads (without consuming) the first bytes of conn and classifies
// the connection's mode. Peek sets a read deadline bounded by PeekTimeout
// and clears it (no deadline) before returning, so a read deadline the
// caller had set beforehand is not preserved.
func Peek(conn deadliner) (Decision, error) {
	return PeekWithTimeout(conn, PeekTimeout)
}

// PeekWithTimeout is Peek with an overridable ceiling, split out so tests
// don't have to wait out the real 10-second default.
func PeekWithTimeout(conn deadliner, timeout time.Duration) (Decision, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Decision{}, fmt.Errorf("dispatch: set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	r := bufio.NewReaderSize(conn, peekSize*4)
	head, err := r.Peek(peekSize)
	if err != nil {
		if len(head) == 0 {
			if isTimeout(err) {
				return Decision{}, ErrHandshakeTimeout
			}
			return Decision{}, ErrIncomplete
		}
		// Partial peek: fewer bytes arrived than peekSize before EOF or
		// timeout. Classify on what we have: cleanpath recognizes its tag
		// from the first byte, jetproto needs its full 4-byte signature.
	}

	switch {
	case jetproto.LooksLikeSignature(head):
		return Decision{Mode: ModeRendezvous, Reader: r}, nil
	case cleanpath.LooksLikeSequence(head):
		return Decision{Mode: ModeCleanPath, Reader: r}, nil
	case len(head) > 0:
		return Decision{Mode: ModeForward, Reader: r}, nil
	default:
		return Decision{}, ErrIncomplete
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
