package cleanpath

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// WinSock-style error codes, mirroring the subset the original Rust
// implementation maps socket I/O errors onto so existing clients keep
// seeing the numbers they already know how to interpret.
const (
	wsaeIntr        = 10004
	wsaeAcces       = 10013
	wsaeInval       = 10022
	wsaeWouldBlock  = 10035
	wsaeOpNotSupp   = 10045
	wsaeAddrInUse   = 10048
	wsaeNetReset    = 10052
	wsaeConnAborted = 10053
	wsaeConnReset   = 10054
	wsaeNotConn     = 10057
	wsaeTimedOut    = 10060
	wsaeConnRefused = 10061
	wsaQosGeneric   = 11015
)

// mapWSAError classifies a socket-layer error the way the original
// implementation's WsaError::from(&io::Error) does, matching on the most
// specific condition available to Go's error chain.
func mapWSAError(err error) int {
	if err == nil {
		return wsaQosGeneric
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return wsaeConnReset
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return wsaeTimedOut
	}
	if errors.Is(err, os.ErrPermission) {
		return wsaeAcces
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wsaeTimedOut
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return wsaeConnRefused
		case syscall.ECONNRESET:
			return wsaeConnReset
		case syscall.ECONNABORTED:
			return wsaeConnAborted
		case syscall.ETIMEDOUT:
			return wsaeTimedOut
		case syscall.EADDRINUSE:
			return wsaeAddrInUse
		case syscall.EINTR:
			return wsaeIntr
		case syscall.EINVAL:
			return wsaeInval
		case syscall.EAGAIN:
			return wsaeWouldBlock
		case syscall.ENOTCONN:
			return wsaeNotConn
		case syscall.EACCES:
			return wsaeAcces
		case syscall.ENOTSUP:
			return wsaeOpNotSupp
		}
	}

	return wsaQosGeneric
}
