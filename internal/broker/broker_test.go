package broker

import (
	"context"
	"errors"
	"net"
	"testing"
)

type fakeDialer struct {
	fail    map[string]error
	dialed  []string
	conn    net.Conn
	succeed string
}

func (f *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.dialed = append(f.dialed, address)
	if err, ok := f.fail[address]; ok {
		return nil, err
	}
	if address == f.succeed {
		return f.conn, nil
	}
	return nil, errors.New("unexpected target in test")
}

func TestSuccessiveTryFirstTargetWins(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &fakeDialer{conn: client, succeed: "10.0.0.1:3389"}
	conn, target, err := SuccessiveTry(context.Background(), d, "tcp", []string{"10.0.0.1:3389", "10.0.0.2:3389"})
	if err != nil {
		t.Fatalf("SuccessiveTry: %v", err)
	}
	if target != "10.0.0.1:3389" || conn != client {
		t.Fatalf("target = %q, conn = %v", target, conn)
	}
	if len(d.dialed) != 1 {
		t.Fatalf("expected only first target to be dialed, got %v", d.dialed)
	}
}

func TestSuccessiveTryFallsThrough(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := &fakeDialer{
		fail:    map[string]error{"10.0.0.1:3389": errors.New("refused")},
		conn:    client,
		succeed: "10.0.0.2:3389",
	}
	conn, target, err := SuccessiveTry(context.Background(), d, "tcp", []string{"10.0.0.1:3389", "10.0.0.2:3389"})
	if err != nil {
		t.Fatalf("SuccessiveTry: %v", err)
	}
	if target != "10.0.0.2:3389" || conn != client {
		t.Fatalf("target = %q, conn = %v", target, conn)
	}
}

func TestSuccessiveTryAllFail(t *testing.T) {
	d := &fakeDialer{fail: map[string]error{
		"10.0.0.1:3389": errors.New("refused"),
		"10.0.0.2:3389": errors.New("timed out"),
	}}
	_, _, err := SuccessiveTry(context.Background(), d, "tcp", []string{"10.0.0.1:3389", "10.0.0.2:3389"})
	if err == nil {
		t.Fatal("expected error when every target fails")
	}
}

func TestNormalizeTarget(t *testing.T) {
	cases := []struct{ in, def, want string }{
		{"10.0.0.2:3390", "3389", "10.0.0.2:3390"},
		{"10.0.0.2", "3389", "10.0.0.2:3389"},
		{"rdp.internal", "3389", "rdp.internal:3389"},
		{"::1", "3389", "[::1]:3389"},
		{"[::1]", "3389", "[::1]:3389"},
		{"[::1]:3390", "3389", "[::1]:3390"},
		{"rdp.internal", "", "rdp.internal"},
	}
	for _, c := range cases {
		if got := NormalizeTarget(c.in, c.def); got != c.want {
			t.Errorf("NormalizeTarget(%q, %q) = %q, want %q", c.in, c.def, got, c.want)
		}
	}
}

func TestSuccessiveTryNoTargets(t *testing.T) {
	d := &fakeDialer{}
	_, _, err := SuccessiveTry(context.Background(), d, "tcp", nil)
	if err != ErrNoTargets {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}
