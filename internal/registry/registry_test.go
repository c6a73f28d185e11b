package registry

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateAddBindMatch(t *testing.T) {
	r := New(5 * time.Second)
	aid, cid := uuid.New(), uuid.New()

	if _, err := r.Create(aid, 2); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.AddCandidate(aid, cid, TransportTCP); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if err := r.BindAccept(aid, cid, a); err != nil {
		t.Fatalf("BindAccept: %v", err)
	}
	st, err := r.CandidateState(aid, cid)
	if err != nil || st != StateAccepted {
		t.Fatalf("state = %v, %v, want Accepted", st, err)
	}

	got, err := r.MatchConnect(aid, cid)
	if err != nil {
		t.Fatalf("MatchConnect: %v", err)
	}
	if got != a {
		t.Fatal("MatchConnect did not return the bound accept transport")
	}

	st, err = r.CandidateState(aid, cid)
	if err != nil || st != StateConnected {
		t.Fatalf("state = %v, %v, want Connected", st, err)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := New(time.Second)
	aid := uuid.New()
	if _, err := r.Create(aid, 1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(aid, 1); err != ErrAlreadyExists {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateBadVersion(t *testing.T) {
	r := New(time.Second)
	if _, err := r.Create(uuid.New(), 3); err != ErrVersionMismatch {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestStateMachineForwardOnly(t *testing.T) {
	r := New(time.Second)
	aid, cid := uuid.New(), uuid.New()
	if _, err := r.Create(aid, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.AddCandidate(aid, cid, TransportTCP); err != nil {
		t.Fatal(err)
	}

	// MatchConnect before BindAccept should fail: still in Created.
	if _, err := r.MatchConnect(aid, cid); err != ErrBadState {
		t.Fatalf("err = %v, want ErrBadState", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := r.BindAccept(aid, cid, a); err != nil {
		t.Fatal(err)
	}
	// Binding again should fail: no longer Created.
	if err := r.BindAccept(aid, cid, a); err != ErrBadState {
		t.Fatalf("err = %v, want ErrBadState", err)
	}
}

func TestNotFound(t *testing.T) {
	r := New(time.Second)
	if err := r.AddCandidate(uuid.New(), uuid.New(), TransportTCP); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.MatchConnect(uuid.New(), uuid.New()); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRemoveCandidateThenAssociation(t *testing.T) {
	r := New(time.Second)
	aid, cid := uuid.New(), uuid.New()
	if _, err := r.Create(aid, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.AddCandidate(aid, cid, TransportTCP); err != nil {
		t.Fatal(err)
	}

	r.Remove(aid, cid)
	if _, _, ok := r.Get(aid); ok {
		t.Fatal("expected association to be removed once its last candidate is gone")
	}

	// Idempotent.
	r.Remove(aid, cid)
}

func TestAcceptTimeoutReapsAssociation(t *testing.T) {
	r := New(30 * time.Millisecond)
	aid, cid := uuid.New(), uuid.New()
	if _, err := r.Create(aid, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.AddCandidate(aid, cid, TransportTCP); err != nil {
		t.Fatal(err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := r.BindAccept(aid, cid, a); err != nil {
		t.Fatal(err)
	}

	reaped := make(chan uuid.UUID, 1)
	r.OnReap(func(got uuid.UUID) { reaped <- got })

	select {
	case got := <-reaped:
		if got != aid {
			t.Fatalf("reaped %v, want %v", got, aid)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reap")
	}

	if _, _, ok := r.Get(aid); ok {
		t.Fatal("association should be gone after reap")
	}
}

func TestConnectRacesReapAndWins(t *testing.T) {
	r := New(40 * time.Millisecond)
	aid, cid := uuid.New(), uuid.New()
	if _, err := r.Create(aid, 2); err != nil {
		t.Fatal(err)
	}
	if err := r.AddCandidate(aid, cid, TransportTCP); err != nil {
		t.Fatal(err)
	}
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := r.BindAccept(aid, cid, a); err != nil {
		t.Fatal(err)
	}

	if _, err := r.MatchConnect(aid, cid); err != nil {
		t.Fatalf("MatchConnect: %v", err)
	}

	// The reaper still fires and removes the bookkeeping entry, but by then
	// the splice engine already owns the transport handed back by
	// MatchConnect, so this has no functional effect on the running session.
	time.Sleep(80 * time.Millisecond)
	if _, _, ok := r.Get(aid); ok {
		t.Fatal("expected the association bookkeeping to be reaped regardless of a completed match")
	}
}
