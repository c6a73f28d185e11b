package gateway

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/cleanpath"
	"github.com/devolutions/gateway-go/internal/config"
	"github.com/devolutions/gateway-go/internal/dispatch"
	"github.com/devolutions/gateway-go/internal/jetproto"
	"github.com/devolutions/gateway-go/internal/registry"
	"github.com/devolutions/gateway-go/internal/token"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, &priv.PublicKey
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// serveOnce accepts exactly one connection from ln and hands it to
// srv.handleConn, mirroring what ListenAndServe's accept loop does per
// connection without the surrounding infinite loop a test has no need for.
func serveOnce(t *testing.T, srv *Server, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	srv.handleConn(conn, registry.TransportTCP)
}

func TestForwardSessionSplice(t *testing.T) {
	priv, pub := testKeyPair(t)

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len("ping"))
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("pong"))
	}()

	cfg := config.Default()
	srv, err := New(cfg, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	aid := uuid.New()
	now := time.Now()
	claims := jwt.MapClaims{
		"jet_aid": aid.String(),
		"jet_cm":  "forward",
		"targets": []any{upstream.Addr().String()},
		"jet_ap":  "generic",
		"jti":     "fwd-jti-1",
		"nbf":     now.Add(-time.Minute).Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	}
	raw := signToken(t, priv, claims)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go serveOnce(t, srv, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(dispatch.EncodePCB(0, 0, raw)); err != nil {
		t.Fatalf("write pcb: %v", err)
	}
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, len("pong"))
	if _, err := readFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("reply = %q, want %q", reply, "pong")
	}

	<-upstreamDone
}

func TestJetRendezvousPairing(t *testing.T) {
	_, pub := testKeyPair(t)

	cfg := config.Default()
	srv, err := New(cfg, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, registry.TransportTCP)
		}
	}()

	aid := uuid.New()
	cid := uuid.New()

	if err := srv.CreateAssociation(token.Claims{AssociationID: aid, Mode: token.ModeRendezvous}, 2); err != nil {
		t.Fatalf("CreateAssociation: %v", err)
	}

	acceptConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial accept: %v", err)
	}
	defer acceptConn.Close()

	if err := jetproto.WriteFrame(acceptConn, encodeJetMsg(t, jetproto.Message{
		Version: 2, Method: jetproto.MethodAccept, Association: aid, Candidate: cid,
	})); err != nil {
		t.Fatalf("write accept frame: %v", err)
	}

	acceptR := bufio.NewReader(acceptConn)
	acceptResp := readJetResponse(t, acceptR)
	if acceptResp.StatusCode != 200 {
		t.Fatalf("accept status = %d, want 200", acceptResp.StatusCode)
	}

	connectConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial connect: %v", err)
	}
	defer connectConn.Close()

	if err := jetproto.WriteFrame(connectConn, encodeJetMsg(t, jetproto.Message{
		Version: 2, Method: jetproto.MethodConnect, Association: aid, Candidate: cid,
	})); err != nil {
		t.Fatalf("write connect frame: %v", err)
	}

	connectR := bufio.NewReader(connectConn)
	connectResp := readJetResponse(t, connectR)
	if connectResp.StatusCode != 200 {
		t.Fatalf("connect status = %d, want 200", connectResp.StatusCode)
	}

	connectConn.SetDeadline(time.Now().Add(5 * time.Second))
	acceptConn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := connectConn.Write([]byte("hello")); err != nil {
		t.Fatalf("write via connect side: %v", err)
	}
	got := make([]byte, len("hello"))
	if _, err := readFullBuf(acceptR, got); err != nil {
		t.Fatalf("read via accept side: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("spliced payload = %q, want %q", got, "hello")
	}
}

// TestCleanPathSessionSplice exercises the RDCleanPath path end to end: a
// client sends one DER-encoded request PDU carrying a forward-mode token
// and a fake X.224 connection request, the gateway relays it to a fake
// upstream, TLS-wraps the upstream stream, answers with the harvested
// certificate chain, and splices the rest of the raw client connection
// through the TLS tunnel.
func TestCleanPathSessionSplice(t *testing.T) {
	priv, pub := testKeyPair(t)
	cert := selfSignedCert(t)

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()

	fakeX224Request := buildFakeTPKT(4)
	fakeX224Response := buildFakeTPKT(4)

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req := make([]byte, len(fakeX224Request))
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		if _, err := conn.Write(fakeX224Response); err != nil {
			return
		}

		tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		defer tlsConn.Close()

		buf := make([]byte, len("ping"))
		if _, err := io.ReadFull(tlsConn, buf); err != nil {
			return
		}
		tlsConn.Write([]byte("pong"))
	}()

	cfg := config.Default()
	srv, err := New(cfg, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	aid := uuid.New()
	now := time.Now()
	claims := jwt.MapClaims{
		"jet_aid": aid.String(),
		"jet_cm":  "forward",
		"targets": []any{upstream.Addr().String()},
		"jet_ap":  "generic",
		"jti":     "cp-jti-1",
		"nbf":     now.Add(-time.Minute).Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	}
	raw := signToken(t, priv, claims)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go serveOnce(t, srv, ln)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	reqPDU := cleanpath.PDU{ProxyAuth: raw, X224ConnectionPDU: fakeX224Request}
	encoded, err := cleanpath.Encode(reqPDU)
	if err != nil {
		t.Fatalf("encode request pdu: %v", err)
	}
	if _, err := client.Write(encoded); err != nil {
		t.Fatalf("write request pdu: %v", err)
	}

	respPDU := readCleanPathResponse(t, client)
	if respPDU.IsErrorResponse() {
		t.Fatalf("response is an error PDU: %+v", respPDU)
	}
	if respPDU.ServerAddr != upstream.Addr().String() {
		t.Fatalf("server addr = %q, want %q", respPDU.ServerAddr, upstream.Addr().String())
	}
	if len(respPDU.CertChain) != 1 {
		t.Fatalf("cert chain length = %d, want 1", len(respPDU.CertChain))
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	reply := make([]byte, len("pong"))
	if _, err := readFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("reply = %q, want %q", reply, "pong")
	}

	<-upstreamDone
}

// buildFakeTPKT returns a minimal TPKT-framed buffer of exactly total bytes,
// enough to satisfy ReadX224Response's header check; the handler only
// relays these bytes, never inspects the X.224 payload itself.
func buildFakeTPKT(total int) []byte {
	buf := make([]byte, total)
	buf[0] = 3
	buf[1] = 0
	buf[2] = byte(total >> 8)
	buf[3] = byte(total)
	return buf
}

// selfSignedCert builds a minimal throwaway ECDSA certificate, kept free of
// extensions and a subject since the handler only needs a syntactically
// valid chain to harvest. The handler always dials upstream TLS with
// InsecureSkipVerify, so no CA setup or SAN is needed for the client side
// of the handshake to succeed.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate cert key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// readCleanPathResponse accumulates and decodes one DER-encoded response
// PDU from conn; ReadRequestPDU's accumulate-then-decode loop is generic
// over PDU so it serves equally well reading the response direction.
func readCleanPathResponse(t *testing.T, conn net.Conn) cleanpath.PDU {
	t.Helper()
	pdu, err := cleanpath.ReadRequestPDU(conn, nil)
	if err != nil {
		t.Fatalf("read response pdu: %v", err)
	}
	return pdu
}

func encodeJetMsg(t *testing.T, m jetproto.Message) jetproto.Frame {
	t.Helper()
	payload, err := jetproto.EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	return jetproto.Frame{Payload: payload}
}

func readJetResponse(t *testing.T, r *bufio.Reader) jetproto.Message {
	t.Helper()
	frame, err := jetproto.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, err := jetproto.DecodeMessage(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readFullBuf(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
