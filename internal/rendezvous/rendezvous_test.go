package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/registry"
)

func TestAcceptThenConnectPairs(t *testing.T) {
	reg := registry.New(time.Second)
	m := New(reg)
	aid, cid := uuid.New(), uuid.New()
	if _, err := reg.Create(aid, 2); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		done <- m.Accept(context.Background(), aid, cid, registry.TransportTCP, a)
	}()

	// Give Accept a moment to register before Connect races in.
	time.Sleep(10 * time.Millisecond)

	got, err := m.Connect(aid, cid)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != a {
		t.Fatal("Connect did not return the bound accept transport")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never unblocked after Connect")
	}
}

func TestConnectBeforeAcceptRegistersFails(t *testing.T) {
	reg := registry.New(time.Second)
	m := New(reg)
	aid, cid := uuid.New(), uuid.New()
	if _, err := reg.Create(aid, 2); err != nil {
		t.Fatal(err)
	}
	if err := reg.AddCandidate(aid, cid, registry.TransportTCP); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Connect(aid, cid); err != registry.ErrBadState {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestAcceptTimesOutWithoutConnect(t *testing.T) {
	reg := registry.New(20 * time.Millisecond)
	m := New(reg)
	aid, cid := uuid.New(), uuid.New()
	if _, err := reg.Create(aid, 2); err != nil {
		t.Fatal(err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := m.Accept(context.Background(), aid, cid, registry.TransportTCP, a)
	if err != ErrTimedOut {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
}

func TestAcceptCanceledByContext(t *testing.T) {
	reg := registry.New(time.Second)
	m := New(reg)
	aid, cid := uuid.New(), uuid.New()
	if _, err := reg.Create(aid, 2); err != nil {
		t.Fatal(err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Accept(ctx, aid, cid, registry.TransportTCP, a)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept never unblocked after cancel")
	}

	if _, _, ok := reg.Get(aid); ok {
		t.Fatal("expected association to be removed after cancellation")
	}
}
