// Package gateway wires the relay core (C1-C11) into a runnable rendezvous
// gateway: a TCP listener (plus an optional WebSocket one) that dispatches
// every accepted connection to plain-forward, RDCleanPath, or Jet
// rendezvous handling, the way Atsika-aznet's root package exposed
// Listen/Dial over its own transport instead of net.Listener directly.
package gateway

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devolutions/gateway-go/internal/broker"
	"github.com/devolutions/gateway-go/internal/cleanpath"
	"github.com/devolutions/gateway-go/internal/config"
	"github.com/devolutions/gateway-go/internal/gwlog"
	"github.com/devolutions/gateway-go/internal/pcaptap"
	"github.com/devolutions/gateway-go/internal/registry"
	"github.com/devolutions/gateway-go/internal/rendezvous"
	"github.com/devolutions/gateway-go/internal/session"
	"github.com/devolutions/gateway-go/internal/token"
)

// defaultDialTimeout bounds a single upstream dial attempt inside
// broker.SuccessiveTry's per-target loop unless WithDialer replaces the
// dialer.
const defaultDialTimeout = 10 * time.Second

// Server owns every live piece of gateway state: the association registry,
// the token authorizer, the session table, and the listeners that feed
// connections into the dispatcher.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mask       byte
	instanceID string

	registry   *registry.Registry
	matcher    *rendezvous.Matcher
	authorizer *token.Authorizer
	auth       *authAdapter
	sessions   *session.Manager

	dialer  broker.Dialer
	network string

	cleanpathHandler *cleanpath.Handler

	jrlOverride      token.RevocationList
	notifierOverride session.Notifier
	archiveUploader  *pcaptap.ArchiveUploader

	assocClaims sync.Map // uuid.UUID -> token.Claims, set by CreateAssociation

	tcpListener net.Listener
	wsServer    *http.Server

	wg sync.WaitGroup
}

// Option configures a Server at construction, following the functional
// options style Atsika-aznet used for Listen/Dial.
type Option func(*Server)

// WithLogger overrides the default stderr JSON logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithDialer overrides the broker's outbound dialer, letting tests
// substitute a fake without opening real sockets.
func WithDialer(d broker.Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithRevocationList attaches a JRL backing store (in-memory by default,
// or a TableMirror-fed one) consulted on every authorize call.
func WithRevocationList(jrl token.RevocationList) Option {
	return func(s *Server) { s.jrlOverride = jrl }
}

// WithSessionNotifier attaches a best-effort session lifecycle subscriber
// (e.g. an Azure Queue-backed one) to the session manager.
func WithSessionNotifier(n session.Notifier) Option {
	return func(s *Server) { s.notifierOverride = n }
}

// WithArchiveUploader enables uploading completed PCAP captures to blob
// storage once a session with the PCAP tap enabled ends.
func WithArchiveUploader(u *pcaptap.ArchiveUploader) Option {
	return func(s *Server) { s.archiveUploader = u }
}

// New builds a Server from cfg and the RSA public key used to verify
// token signatures. Call ListenAndServe (and, if cfg.ListenAddrWS is set,
// ListenAndServeWS) to start accepting connections.
func New(cfg *config.Config, publicKey *rsa.PublicKey, opts ...Option) (*Server, error) {
	mask, err := cfg.Mask()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		log:        gwlog.New(nil, cfg.LogLevel, cfg.LogPretty),
		ctx:        ctx,
		cancel:     cancel,
		mask:       mask,
		instanceID: cfg.InstanceID,
		network:    "tcp",
		registry:   registry.New(cfg.AcceptTimeout),
	}
	s.matcher = rendezvous.New(s.registry)
	for _, opt := range opts {
		opt(s)
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	if s.dialer == nil {
		s.dialer = broker.DefaultDialer(defaultDialTimeout)
	}

	s.authorizer = token.NewAuthorizer(publicKey, s.jrlOverride)
	s.sessions = session.New(
		session.WithGracePeriod(cfg.DisconnectGrace),
		session.WithSweepInterval(cfg.SessionSweepInterval),
		session.WithNotifier(s.notifierOverride),
	)
	s.auth = &authAdapter{authz: s.authorizer, sessions: s.sessions}
	s.cleanpathHandler = &cleanpath.Handler{
		Authorizer:      s.auth,
		Dialer:          s.dialer,
		Network:         s.network,
		RequestCap:      cfg.CleanPathRequestCap,
		X224ResponseCap: cfg.CleanPathResponseCap,
	}

	s.registry.OnReap(func(aid uuid.UUID) {
		s.assocClaims.Delete(aid)
		s.log.Debug().Stringer("association", aid).Msg("association reaped: no connect peer within accept timeout")
	})

	return s, nil
}

// CreateAssociation registers a new rendezvous association for claims, as
// the out-of-scope admin/OpenAPI surface would before handing the
// association id to both peers. Exported so a caller that does own that
// surface (or a test standing in for it) can drive the registry without
// reaching into internal packages.
func (s *Server) CreateAssociation(claims token.Claims, version int) error {
	if claims.Mode != token.ModeRendezvous {
		return registry.ErrWrongMode
	}
	if version != 1 && version != 2 {
		version = 2
	}
	if _, err := s.registry.Create(claims.AssociationID, version); err != nil {
		return err
	}
	s.assocClaims.Store(claims.AssociationID, claims)
	return nil
}

// Close stops accepting new connections and the session sweeper, and
// cancels the context every session runs under: live splices have both of
// their streams closed and waiting Jet accept candidates give up. It
// returns once every connection handler started by the listeners has
// returned.
func (s *Server) Close() error {
	s.cancel()
	if s.tcpListener != nil {
		_ = s.tcpListener.Close()
	}
	if s.wsServer != nil {
		_ = s.wsServer.Close()
	}
	s.sessions.Close()
	s.wg.Wait()
	return nil
}

// sessionContext is the parent context for every in-flight session's
// splice: canceled only when the whole Server is closed, never per-request,
// so a single slow connection can't affect another's deadline bookkeeping.
func (s *Server) sessionContext() context.Context {
	return s.ctx
}
