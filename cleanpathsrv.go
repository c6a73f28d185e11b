package gateway

import (
	"bufio"
	"net"
)

// handleCleanPath implements spec.md §4.6: one DER-encoded round trip
// authorizes the token, relays the X.224 exchange to the selected target,
// TLS-wraps the upstream connection, and answers with the server's
// certificate chain before handing both streams to the splice engine.
// cleanpath.Handler has already written an error response and the caller
// should just close when Handle returns an error.
func (s *Server) handleCleanPath(conn net.Conn, r *bufio.Reader, clientIP net.IP) {
	client := &rwc{r: r, Conn: conn}

	outcome, err := s.cleanpathHandler.Handle(s.sessionContext(), client, clientIP, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("cleanpath: negotiation failed")
		client.Close()
		return
	}

	s.runSpliceSession(s.sessionContext(), outcome.Claims, client, outcome.ServerStream, outcome.Target)
}
