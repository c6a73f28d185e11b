package cleanpath

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/devolutions/gateway-go/internal/broker"
	"github.com/devolutions/gateway-go/internal/token"
)

type fakeAuthorizer struct {
	claims token.Claims
	err    error
}

func (f fakeAuthorizer) Authenticate(clientIP net.IP, tok string, disconnected *token.DisconnectedInfo) (token.Claims, error) {
	return f.claims, f.err
}

type rwPair struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func (p *rwPair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *rwPair) Write(b []byte) (int, error) { return p.w.Write(b) }

func TestHandlerRejectsMissingAuth(t *testing.T) {
	h := &Handler{Authorizer: fakeAuthorizer{}, Dialer: broker.DefaultDialer(time.Second)}
	req := PDU{X224ConnectionPDU: []byte{0x03, 0x00, 0x00, 0x13}}
	encoded, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}

	client := &bytes.Buffer{}
	buf := bytes.NewBuffer(append([]byte(nil), encoded...))
	out, err := h.Handle(context.Background(), &rwPair{r: buf, w: client}, nil, nil)
	if out != nil || err == nil {
		t.Fatalf("expected error for missing proxy_auth, got out=%v err=%v", out, err)
	}

	resp, derr := Decode(client.Bytes())
	if derr != nil {
		t.Fatalf("Decode response: %v", derr)
	}
	if resp.HTTPStatus != 401 {
		t.Fatalf("HTTPStatus = %d, want 401", resp.HTTPStatus)
	}
}

func TestHandlerRejectsWrongMode(t *testing.T) {
	claims := token.Claims{Mode: token.ModeRendezvous}
	h := &Handler{Authorizer: fakeAuthorizer{claims: claims}, Dialer: broker.DefaultDialer(time.Second)}
	req := PDU{ProxyAuth: "tok", X224ConnectionPDU: []byte{0x03, 0x00, 0x00, 0x13}}
	encoded, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}

	client := &bytes.Buffer{}
	buf := bytes.NewBuffer(append([]byte(nil), encoded...))
	_, err = h.Handle(context.Background(), &rwPair{r: buf, w: client}, nil, nil)
	if err == nil {
		t.Fatal("expected error for non-forward-mode token")
	}
	resp, derr := Decode(client.Bytes())
	if derr != nil {
		t.Fatalf("Decode: %v", derr)
	}
	if resp.HTTPStatus != 400 {
		t.Fatalf("HTTPStatus = %d, want 400", resp.HTTPStatus)
	}
}

func TestHandlerRejectsMissingX224PDU(t *testing.T) {
	claims := token.Claims{Mode: token.ModeForward, Targets: []string{"127.0.0.1:1"}}
	h := &Handler{Authorizer: fakeAuthorizer{claims: claims}, Dialer: broker.DefaultDialer(time.Second)}
	req := PDU{ProxyAuth: "tok"}
	encoded, err := Encode(req)
	if err != nil {
		t.Fatal(err)
	}

	client := &bytes.Buffer{}
	buf := bytes.NewBuffer(append([]byte(nil), encoded...))
	_, err = h.Handle(context.Background(), &rwPair{r: buf, w: client}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing x224 connection pdu")
	}
	resp, derr := Decode(client.Bytes())
	if derr != nil {
		t.Fatalf("Decode: %v", derr)
	}
	if resp.HTTPStatus != 400 {
		t.Fatalf("HTTPStatus = %d, want 400", resp.HTTPStatus)
	}
}
