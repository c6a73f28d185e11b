package dispatch

import (
	"net"
	"testing"
	"time"
)

func TestPeekRecognizesJetSignature(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { b.Write([]byte("JET\x00extra-bytes-after-signature")) }()

	dec, err := Peek(a)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if dec.Mode != ModeRendezvous {
		t.Fatalf("Mode = %v, want rendezvous", dec.Mode)
	}
	head, err := dec.Reader.Peek(4)
	if err != nil || string(head) != "JET\x00" {
		t.Fatalf("head = %q, err = %v", head, err)
	}
}

func TestPeekRecognizesDERSequence(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { b.Write([]byte{0x30, 0x10, 1, 2, 3, 4, 5, 6}) }()

	dec, err := Peek(a)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if dec.Mode != ModeCleanPath {
		t.Fatalf("Mode = %v, want cleanpath", dec.Mode)
	}
}

func TestPeekFallsBackToForward(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { b.Write([]byte{0x40, 0x00, 0x00, 0x00, 0, 0, 0, 0}) }()

	dec, err := Peek(a)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if dec.Mode != ModeForward {
		t.Fatalf("Mode = %v, want forward", dec.Mode)
	}
}

func TestPeekTimesOut(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := PeekWithTimeout(a, 20*time.Millisecond)
		if err != ErrHandshakeTimeout {
			t.Errorf("err = %v, want ErrHandshakeTimeout", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Peek did not respect its timeout")
	}
}
