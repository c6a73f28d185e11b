package gateway

import (
	"bufio"
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/jetproto"
	"github.com/devolutions/gateway-go/internal/registry"
	"github.com/devolutions/gateway-go/internal/token"
)

// handleJet implements the Jet rendezvous handshake (C4 over the wire):
// read one framed message, then branch on its method. Accept binds a
// candidate via the rendezvous matcher and blocks (this goroutine's only
// job) until a connect peer pairs with it or the accept timeout reaps the
// association; Connect looks up an already-bound candidate and, on
// success, owns both streams from here on and splices them.
func (s *Server) handleJet(conn net.Conn, r *bufio.Reader, kind registry.TransportKind) {
	frame, err := jetproto.ReadFrame(r)
	if err != nil {
		s.log.Debug().Err(err).Msg("jet: read frame")
		conn.Close()
		return
	}

	msg, err := jetproto.DecodeMessage(frame.Payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("jet: decode message")
		conn.Close()
		return
	}

	switch msg.Method {
	case jetproto.MethodAccept:
		s.handleJetAccept(conn, r, msg, kind)
	case jetproto.MethodConnect:
		s.handleJetConnect(conn, r, msg)
	case jetproto.MethodTest:
		s.writeJet(conn, jetResponse(msg.Version, s.instanceID, 200, "OK"))
		conn.Close()
	default:
		s.writeJet(conn, jetResponse(msg.Version, s.instanceID, 400, "Bad Request"))
		conn.Close()
	}
}

func jetResponse(version int, instance string, status int, reason string) jetproto.Message {
	return jetproto.Message{
		Version:      version,
		IsResponse:   true,
		StatusCode:   status,
		StatusReason: reason,
		Instance:     instance,
	}
}

func (s *Server) writeJet(conn net.Conn, m jetproto.Message) error {
	payload, err := jetproto.EncodeMessage(m)
	if err != nil {
		return err
	}
	return jetproto.WriteFrame(conn, jetproto.Frame{Mask: s.mask, Payload: payload})
}

// handleJetAccept binds the accept-side candidate via the rendezvous
// matcher and answers 200 immediately once it's bound (scenario 2:
// "Gateway responds 200 to both with matching instance"), then awaits the
// connect half without holding any response open — the 200 already went
// out, this goroutine is just keeping the candidate's transport alive
// until Connect claims it or the registry reaps the association.
func (s *Server) handleJetAccept(conn net.Conn, r *bufio.Reader, m jetproto.Message, kind registry.TransportKind) {
	if m.Association == uuid.Nil || m.Candidate == uuid.Nil {
		s.writeJet(conn, jetResponse(m.Version, s.instanceID, 400, "Bad Request"))
		conn.Close()
		return
	}

	if _, _, ok := s.registry.Get(m.Association); !ok {
		s.writeJet(conn, jetResponse(m.Version, s.instanceID, 404, "Not Found"))
		conn.Close()
		return
	}

	transport := &rwc{r: r, Conn: conn}

	if err := s.matcher.Bind(m.Association, m.Candidate, kind, transport); err != nil {
		code, reason := 404, "Not Found"
		if errors.Is(err, registry.ErrBadState) {
			code, reason = 409, "Conflict"
		}
		s.writeJet(conn, jetResponse(m.Version, s.instanceID, code, reason))
		conn.Close()
		return
	}

	if err := s.writeJet(conn, jetResponse(m.Version, s.instanceID, 200, "OK")); err != nil {
		s.registry.Remove(m.Association, m.Candidate)
		conn.Close()
		return
	}

	// Either Connect claims the transport (this goroutine's job is done —
	// the connect side owns and splices it from here) or Await reports a
	// timeout/cancellation, in which case the transport was never taken
	// and must still be closed here.
	if err := s.matcher.Await(s.sessionContext(), m.Association, m.Candidate); err != nil {
		conn.Close()
	}
}

func (s *Server) handleJetConnect(conn net.Conn, r *bufio.Reader, m jetproto.Message) {
	if m.Association == uuid.Nil || m.Candidate == uuid.Nil {
		s.writeJet(conn, jetResponse(m.Version, s.instanceID, 400, "Bad Request"))
		conn.Close()
		return
	}

	acceptTransport, err := s.matcher.Connect(m.Association, m.Candidate)
	if err != nil {
		code, reason := 404, "Not Found"
		if errors.Is(err, registry.ErrBadState) {
			code, reason = 409, "Conflict"
		}
		s.writeJet(conn, jetResponse(m.Version, s.instanceID, code, reason))
		conn.Close()
		return
	}

	if err := s.writeJet(conn, jetResponse(m.Version, s.instanceID, 200, "OK")); err != nil {
		acceptTransport.Close()
		conn.Close()
		return
	}

	connectTransport := &rwc{r: r, Conn: conn}
	claims, _ := s.assocClaims.Load(m.Association)
	s.assocClaims.Delete(m.Association)

	var tc token.Claims
	if c, ok := claims.(token.Claims); ok {
		tc = c
	} else {
		// No claims on record (the association-creating caller never ran,
		// or already had them consumed by a prior pairing); spec.md §9's
		// independent-per-(aid,cid) stance means we still splice, just
		// without TTL/app-protocol-driven session bookkeeping.
		tc = token.Claims{AssociationID: m.Association, Mode: token.ModeRendezvous}
	}

	s.runSpliceSession(s.sessionContext(), tc, connectTransport, acceptTransport, "")
}
