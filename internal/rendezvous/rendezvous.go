// Package rendezvous implements the rendezvous matcher (C4): pairing an
// accept-side transport with a connect-side transport for the same
// (association, candidate) and handing the accept transport to the connect
// side. The accept side must bind first; a connect that arrives earlier is
// refused, not held.
package rendezvous

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/registry"
)

// Matcher pairs accept and connect candidates registered in a Registry.
// Only the accept side waits: Accept (or Await) blocks until Connect claims
// the candidate, and Connect completes that wait immediately. Connect never
// waits; called before the accept side has bound the candidate, it fails
// with registry.ErrBadState (registry.ErrNotFound if the candidate was
// never added). The accept-side wait mirrors Atsika-aznet's Conn.keepAlive/
// Listener.janitor use of select over ctx.Done() alongside a ticker,
// adapted here to a one-shot rendezvous instead of a periodic sweep.
type Matcher struct {
	reg *registry.Registry
}

// New builds a Matcher over reg.
func New(reg *registry.Registry) *Matcher {
	return &Matcher{reg: reg}
}

// Accept registers transport as the accept-side candidate for (aid, cid) and
// blocks until a connect peer claims it via Connect, the accept timeout
// configured on the registry reaps the association, or ctx is canceled. On
// timeout or cancellation the candidate is removed and transport is left
// for the caller to close. It is Bind followed by Await, for callers with
// no need to do anything (such as writing a response) between the two.
func (m *Matcher) Accept(ctx context.Context, aid, cid uuid.UUID, kind registry.TransportKind, transport io.ReadWriteCloser) error {
	if err := m.Bind(aid, cid, kind, transport); err != nil {
		return err
	}
	return m.Await(ctx, aid, cid)
}

// Bind registers transport as the accept-side candidate for (aid, cid)
// without blocking, so a caller that must write a response between binding
// and waiting (the wire handshake answers 200 as soon as the candidate is
// bound, before a connect peer necessarily exists) can do so before calling
// Await. A retried Accept for a candidate id already added is tolerated
// (BindAccept is attempted regardless) since a client may legitimately
// resend its Accept after a transient disconnect before any peer paired.
func (m *Matcher) Bind(aid, cid uuid.UUID, kind registry.TransportKind, transport io.ReadWriteCloser) error {
	if err := m.reg.AddCandidate(aid, cid, kind); err != nil && !errors.Is(err, registry.ErrAlreadyExists) {
		return err
	}
	return m.reg.BindAccept(aid, cid, transport)
}

// Await blocks until a connect peer claims the candidate bound by Bind, the
// accept timeout reaps the association, or ctx is canceled. On timeout or
// cancellation the candidate is removed and transport is left for the
// caller to close; on success the connect side now owns transport.
func (m *Matcher) Await(ctx context.Context, aid, cid uuid.UUID) error {
	woken := m.reg.AwaitConnected(aid, cid)

	select {
	case <-woken:
		st, err := m.reg.CandidateState(aid, cid)
		if err == nil && st == registry.StateConnected {
			return nil
		}
		return ErrTimedOut
	case <-ctx.Done():
		m.reg.Remove(aid, cid)
		return ctx.Err()
	}
}

// Connect consults the registry for (aid, cid); if the accept side has
// already registered (state Accepted), it returns the paired accept
// transport immediately. The caller owns the returned transport and is
// responsible for splicing it with its own connect-side transport.
func (m *Matcher) Connect(aid, cid uuid.UUID) (io.ReadWriteCloser, error) {
	return m.reg.MatchConnect(aid, cid)
}

// ErrTimedOut is returned from Accept when the association is reaped
// before a connect peer arrives.
var ErrTimedOut = errTimedOut{}

type errTimedOut struct{}

func (errTimedOut) Error() string { return "rendezvous: timed out waiting for connect peer" }
