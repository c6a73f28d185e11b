// Package shutdown classifies the error a splice or dispatch step observed
// into either a benign end-of-stream condition (peer hung up or reset the
// connection, local close, canceled context) or a real failure (including
// any timeout or deadline) worth surfacing in logs and
// session records. This is the C11 shutdown coordinator's core decision:
// both halves of a splice always end in an error of some kind, and the
// difference between "the session ended" and "the session broke" is
// entirely in which kind it is.
package shutdown

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
)

// Kind tags the outcome of a connection teardown.
type Kind int

const (
	// KindBenign means the stream ended the way streams normally end:
	// EOF, a local or remote close (including a reset connection or a
	// broken pipe), or a canceled context during an intentional shutdown.
	KindBenign Kind = iota
	// KindFailure means the error reflects a genuine problem: a timeout
	// (an exceeded deadline or any net.Error reporting Timeout), or
	// anything unrecognized.
	KindFailure
)

func (k Kind) String() string {
	if k == KindBenign {
		return "benign"
	}
	return "failure"
}

// Classify walks err's chain to find the innermost recognizable I/O
// condition and reports whether it is benign or a real failure. A nil err
// classifies as benign (clean close).
func Classify(err error) Kind {
	if err == nil {
		return KindBenign
	}
	if isBenign(err) {
		return KindBenign
	}
	return KindFailure
}

func isBenign(err error) bool {
	switch {
	case errors.Is(err, io.EOF):
		return true
	case errors.Is(err, io.ErrClosedPipe):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	// net.OpError wraps syscall-level errors without always satisfying
	// errors.Is against a stdlib sentinel; match the common reset/close
	// phrasings by substring the way socket-heavy Go code typically does
	// at this boundary.
	msg := err.Error()
	for _, phrase := range []string{
		"use of closed network connection",
		"connection reset by peer",
		"broken pipe",
		"reset by peer",
	} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}

	return false
}

// CloseGraceful closes w's write half if it exposes one (via
// CloseWrite), suppressing any error, matching the splice engine's
// half-close-then-shutdown sequencing. It falls back to a full Close if no
// CloseWrite is available.
func CloseGraceful(w io.Closer) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := w.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = w.Close()
}
