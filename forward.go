package gateway

import (
	"bufio"
	"net"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/broker"
	"github.com/devolutions/gateway-go/internal/dispatch"
	"github.com/devolutions/gateway-go/internal/token"
)

// handleForward implements spec.md §4.5's plain-forward path: the client's
// first PDU is a preconnection blob carrying the access token; once
// authorized, the broker dials the token's target list and the two
// streams are spliced, with any bytes already buffered past the PCB
// (scenario 1's "4096 bytes of payload") delivered to the target first
// simply because they're still sitting in r, unread.
func (s *Server) handleForward(conn net.Conn, r *bufio.Reader, clientIP net.IP) {
	client := &rwc{r: r, Conn: conn}

	pcb, err := dispatch.ReadPCB(r)
	if err != nil {
		s.log.Debug().Err(err).Msg("forward: read pcb")
		client.Close()
		return
	}

	var claims token.Claims
	if pcb.Token == "" {
		// generic_client fallback (supplemented from the original's
		// generic_client.rs): a bare PCB with no embedded token is only
		// honored when the operator opted in and configured a single
		// default target, never by default.
		if !s.cfg.AllowUnauthenticatedGenericForward || s.cfg.GenericForwardDefaultTarget == "" {
			s.log.Debug().Msg("forward: pcb carries no token and generic forward is disabled")
			client.Close()
			return
		}
		claims = token.Claims{
			AssociationID: uuid.New(),
			Mode:          token.ModeForward,
			Targets:       []string{s.cfg.GenericForwardDefaultTarget},
			AppProtocol:   token.AppGeneric,
		}
	} else {
		claims, err = s.auth.Authenticate(clientIP, pcb.Token, nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("forward: authorize")
			client.Close()
			return
		}
		if claims.Mode != token.ModeForward || len(claims.Targets) == 0 {
			s.log.Debug().Msg("forward: token is not forward-mode with targets")
			client.Close()
			return
		}
	}

	ctx := s.sessionContext()
	targets := broker.NormalizeTargets(claims.Targets, claims.DefaultPort())
	conn2, target, err := broker.SuccessiveTry(ctx, s.dialer, s.network, targets)
	if err != nil {
		s.log.Debug().Err(err).Msg("forward: connect upstream")
		client.Close()
		return
	}

	s.runSpliceSession(ctx, claims, client, conn2, target)
}
