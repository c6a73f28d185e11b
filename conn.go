package gateway

import (
	"bufio"
	"io"
	"net"

	"github.com/devolutions/gateway-go/internal/dispatch"
	"github.com/devolutions/gateway-go/internal/registry"
	"github.com/devolutions/gateway-go/internal/session"
	"github.com/devolutions/gateway-go/internal/token"
)

// rwc pairs a *bufio.Reader that may already hold peeked-but-unconsumed
// bytes with the underlying net.Conn for writes and close, so every
// downstream component (PCB reader, RDCleanPath reader, Jet frame reader,
// splice) sees one continuous stream starting at the very first byte the
// client sent, regardless of which dispatch step already looked at it.
type rwc struct {
	r *bufio.Reader
	net.Conn
}

func (c *rwc) Read(p []byte) (int, error) { return c.r.Read(p) }

// CloseWrite shuts down only the write half when the underlying transport
// supports it, so the splice engine's graceful close reaches the real
// socket through the buffering wrapper instead of degrading to a full
// close while the other direction is still draining.
func (c *rwc) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// authAdapter bridges token.Authorizer to the session manager's
// disconnected-info sidecar: before validating a token's signature, it
// parses (without verifying) the association id it claims so a matching
// just-closed session's reconnect grant can be looked up and passed
// through, satisfying spec.md §4.2's "matching disconnected_info" clause
// without every caller having to wire that lookup itself.
type authAdapter struct {
	authz    *token.Authorizer
	sessions *session.Manager
}

func (a *authAdapter) Authenticate(clientIP net.IP, tok string, _ *token.DisconnectedInfo) (token.Claims, error) {
	var disc *token.DisconnectedInfo
	if aid, err := token.ExtractSessionID(tok); err == nil {
		if info, ok := a.sessions.GetDisconnectedInfo(aid); ok {
			disc = &info
		}
	}
	return a.authz.Authenticate(clientIP, tok, disc)
}

// handleConn classifies a freshly accepted stream and routes it to the
// matching protocol handler. Each handler owns conn's lifetime from this
// point: forward and RDCleanPath always close it when their session ends,
// while a Jet accept candidate instead hands ownership to whichever
// connect peer pairs with it.
func (s *Server) handleConn(conn net.Conn, kind registry.TransportKind) {
	clientIP := clientIPOf(conn)

	decision, err := dispatch.PeekWithTimeout(conn, s.cfg.HandshakeTimeout)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", remoteAddrOf(conn)).Msg("dispatch: no protocol decision")
		conn.Close()
		return
	}

	switch decision.Mode {
	case dispatch.ModeRendezvous:
		s.handleJet(conn, decision.Reader, kind)
	case dispatch.ModeCleanPath:
		s.handleCleanPath(conn, decision.Reader, clientIP)
	case dispatch.ModeForward:
		s.handleForward(conn, decision.Reader, clientIP)
	default:
		conn.Close()
	}
}

func clientIPOf(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func remoteAddrOf(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

var _ io.ReadWriteCloser = (*rwc)(nil)
