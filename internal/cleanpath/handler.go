package cleanpath

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/devolutions/gateway-go/internal/broker"
	"github.com/devolutions/gateway-go/internal/token"
)

// Authorizer is the subset of token.Authorizer the handler needs, so tests
// can substitute a fake without signing real JWTs.
type Authorizer interface {
	Authenticate(clientIP net.IP, tok string, disconnected *token.DisconnectedInfo) (token.Claims, error)
}

// Handler performs the C6 upstream negotiation: authorize, connect, relay
// X.224, wrap in TLS, harvest certificates, answer the client in one
// round trip.
type Handler struct {
	Authorizer Authorizer
	Dialer     broker.Dialer
	Network    string // defaults to "tcp"

	// RequestCap and X224ResponseCap override the package defaults for the
	// two bounded reads. Zero means MaxRequestSize / MaxResponseSize.
	RequestCap      int
	X224ResponseCap int
}

// Outcome is the result of a successful negotiation, ready to be handed to
// the splice engine.
type Outcome struct {
	Claims       token.Claims
	Target       string
	ServerStream *tls.Conn
}

// Handle reads one RDCleanPath request PDU from client (prefixed by any
// bytes the dispatcher already peeked, via leftover), authorizes it,
// connects upstream, performs the X.224 relay and TLS handshake, and
// writes the response PDU to client. On success it returns the streams
// ready for splicing; on failure it has already written an error response
// and the caller should simply close client.
func (h *Handler) Handle(ctx context.Context, client io.ReadWriter, clientIP net.IP, leftover []byte) (*Outcome, error) {
	network := h.Network
	if network == "" {
		network = "tcp"
	}
	reqCap := h.RequestCap
	if reqCap <= 0 {
		reqCap = MaxRequestSize
	}
	respCap := h.X224ResponseCap
	if respCap <= 0 {
		respCap = MaxResponseSize
	}

	req, err := readRequestPDU(client, leftover, reqCap)
	if err != nil {
		h.respondError(client, NewHTTPErrorResponse(400))
		return nil, fmt.Errorf("cleanpath: read request: %w", err)
	}

	if req.ProxyAuth == "" {
		h.respondError(client, NewHTTPErrorResponse(401))
		return nil, fmt.Errorf("cleanpath: missing proxy_auth")
	}

	claims, err := h.Authorizer.Authenticate(clientIP, req.ProxyAuth, nil)
	if err != nil {
		h.respondError(client, authErrorResponse(err))
		return nil, fmt.Errorf("cleanpath: authorize: %w", err)
	}
	if claims.Mode != token.ModeForward || len(claims.Targets) == 0 {
		h.respondError(client, NewHTTPErrorResponse(400))
		return nil, fmt.Errorf("cleanpath: token is not forward mode with targets")
	}

	if req.X224ConnectionPDU == nil {
		h.respondError(client, NewHTTPErrorResponse(400))
		return nil, fmt.Errorf("cleanpath: missing x224 connection pdu")
	}

	targets := broker.NormalizeTargets(claims.Targets, claims.DefaultPort())
	conn, target, err := broker.SuccessiveTry(ctx, h.Dialer, network, targets)
	if err != nil {
		h.respondError(client, NewHTTPErrorResponse(500))
		return nil, fmt.Errorf("cleanpath: connect upstream: %w", err)
	}

	if len(req.PreconnectionBlob) > 0 {
		if _, err := conn.Write(req.PreconnectionBlob); err != nil {
			conn.Close()
			h.respondError(client, wsaErrorResponse(err))
			return nil, fmt.Errorf("cleanpath: write preconnection blob: %w", err)
		}
	}

	if _, err := conn.Write(req.X224ConnectionPDU); err != nil {
		conn.Close()
		h.respondError(client, wsaErrorResponse(err))
		return nil, fmt.Errorf("cleanpath: write x224 request: %w", err)
	}

	x224Resp, err := readX224Response(conn, respCap)
	if err != nil {
		conn.Close()
		h.respondError(client, wsaErrorResponse(err))
		return nil, fmt.Errorf("cleanpath: read x224 response: %w", err)
	}

	host, _, _ := net.SplitHostPort(target)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // the client verifies the harvested chain, not the gateway
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		h.respondError(client, tlsErrorResponse(err))
		return nil, fmt.Errorf("cleanpath: upstream tls handshake: %w", err)
	}

	var chain [][]byte
	for _, cert := range tlsConn.ConnectionState().PeerCertificates {
		chain = append(chain, cert.Raw)
	}

	resp := NewSuccessResponse(target, x224Resp, chain)
	if err := h.writeResponse(client, resp); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("cleanpath: write success response: %w", err)
	}

	return &Outcome{Claims: claims, Target: target, ServerStream: tlsConn}, nil
}

func (h *Handler) respondError(client io.Writer, resp PDU) {
	_ = h.writeResponse(client, resp)
}

func (h *Handler) writeResponse(client io.Writer, resp PDU) error {
	encoded, err := Encode(resp)
	if err != nil {
		return err
	}
	_, err = client.Write(encoded)
	return err
}

func authErrorResponse(err error) PDU {
	var tokErr *token.Error
	if e, ok := err.(*token.Error); ok {
		tokErr = e
	}
	if tokErr == nil {
		return NewHTTPErrorResponse(500)
	}
	switch tokErr.Kind {
	case token.KindUnauthorized:
		return NewHTTPErrorResponse(401)
	case token.KindForbidden:
		return NewHTTPErrorResponse(403)
	default:
		return NewHTTPErrorResponse(400)
	}
}

// tlsErrorResponse maps a failed upstream handshake to the response PDU's
// tls_alert field. crypto/tls does not expose the raw alert byte it sent
// or received the way rustls does, so we report the generic handshake
// failure alert (40) for any TLS-layer error and fall back to a WSA
// mapping only for socket-level errors (those mapWSAError recognizes).
func tlsErrorResponse(err error) PDU {
	if code := mapWSAError(err); code != wsaQosGeneric {
		return NewWSAErrorResponse(code)
	}
	return NewTLSAlertResponse(tlsAlertHandshakeFailure)
}

const tlsAlertHandshakeFailure = 40

func wsaErrorResponse(err error) PDU {
	return NewWSAErrorResponse(mapWSAError(err))
}
