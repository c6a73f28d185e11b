// Package token implements the token-gated authorization contract (C2):
// signature validation, JRL enforcement, and one-shot replay semantics for
// the opaque claims every relay mode consults before forwarding a byte.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ConnectionMode tags how a token authorizes a session.
type ConnectionMode int

const (
	ModeUnknown ConnectionMode = iota
	ModeRendezvous
	ModeForward
)

// ApplicationProtocol tags the downstream protocol a session carries.
type ApplicationProtocol string

const (
	AppRDP     ApplicationProtocol = "rdp"
	AppSSH     ApplicationProtocol = "ssh"
	AppGeneric ApplicationProtocol = "generic"
)

// ReusePolicy governs whether a token may authorize more than one session.
type ReusePolicy int

const (
	ReuseForbidden ReusePolicy = iota
	ReuseAllowed
)

// Credentials is an opaque credential bundle carried by a Forward-mode
// token; the core never interprets its contents.
type Credentials struct {
	Username string
	Password string
	Domain   string
}

// Claims is the read-only view of a validated token that the core
// consumes. It intentionally mirrors spec.md §3's "Token claims" shape.
type Claims struct {
	AssociationID uuid.UUID
	Mode          ConnectionMode
	Targets       []string // Forward mode only
	Creds         *Credentials
	AppProtocol   ApplicationProtocol
	Record        bool
	Filter        bool
	TTL           time.Duration // zero means no TTL
	Reuse         ReusePolicy
	JTI           string

	raw jwt.MapClaims
}

// DefaultPort is the conventional destination port for the session's
// application protocol, applied when a target address omits one. Protocols
// with no conventional port return "" and the address is dialed as given.
func (c Claims) DefaultPort() string {
	switch c.AppProtocol {
	case AppRDP:
		return "3389"
	case AppSSH:
		return "22"
	default:
		return ""
	}
}

// Kind classifies why authentication/authorization failed, following
// spec.md §7's taxonomy restricted to the subset token validation can
// produce.
type Kind int

const (
	KindUnauthorized Kind = iota // token missing
	KindForbidden                // valid but not allowed (revoked, replayed)
	KindBadToken                 // malformed or signature invalid
)

// Error reports why authenticate failed.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("token: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func forbidden(reason string) *Error { return &Error{Kind: KindForbidden, Reason: reason} }
func badToken(reason string, err error) *Error {
	return &Error{Kind: KindBadToken, Reason: reason, Err: err}
}

// DisconnectedInfo is retained metadata about a just-closed session,
// consulted to permit a single authorized reconnect within the grace
// window when jet_reuse allows it. The session manager stores values of this
// type directly, which keeps the dependency one-way (session imports token).
type DisconnectedInfo struct {
	JTI       string
	ExpiresAt time.Time
}

// RevocationList answers whether a jti has been revoked (the JRL). The
// default implementation is in-memory; an Azure Table-backed mirror can be
// substituted via WithRevocationList.
type RevocationList interface {
	IsRevoked(jti string) bool
}

// MemoryRevocationList is a simple in-memory JRL, suitable as the default
// and as the backing store a table-mirror syncs into.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewMemoryRevocationList returns an empty revocation list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{revoked: make(map[string]struct{})}
}

func (r *MemoryRevocationList) IsRevoked(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[jti]
	return ok
}

// Revoke adds jti to the list.
func (r *MemoryRevocationList) Revoke(jti string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = struct{}{}
}

// Replace atomically swaps the revoked set, used by mirrors refreshing from
// an external source.
func (r *MemoryRevocationList) Replace(jtis []string) {
	next := make(map[string]struct{}, len(jtis))
	for _, j := range jtis {
		next[j] = struct{}{}
	}
	r.mu.Lock()
	r.revoked = next
	r.mu.Unlock()
}

// replayEntry records the first-seen instant of a one-shot jti, so the
// cache can be evicted lazily once the token's own lifetime has elapsed.
type replayEntry struct {
	firstSeen time.Time
	expiresAt time.Time
}

// Authorizer validates tokens with a configured RSA public key, enforces
// the JRL, and tracks one-shot jti replay with TTL equal to the token's
// remaining lifetime. Eviction is lazy: every authenticate call that checks
// replay first drops all cached entries whose token has expired, so growth
// stays bounded without a background sweeper (spec.md §9).
type Authorizer struct {
	publicKey *rsa.PublicKey
	jrl       RevocationList
	leeway    time.Duration

	mu      sync.Mutex
	replays map[string]replayEntry
}

// NewAuthorizer builds an Authorizer. jrl may be nil, in which case no
// token is ever considered revoked by the list (useful for tests).
func NewAuthorizer(publicKey *rsa.PublicKey, jrl RevocationList) *Authorizer {
	if jrl == nil {
		jrl = NewMemoryRevocationList()
	}
	return &Authorizer{
		publicKey: publicKey,
		jrl:       jrl,
		leeway:    30 * time.Second,
		replays:   make(map[string]replayEntry),
	}
}

// Authenticate validates token, returning typed Claims on success or a
// *Error describing the failure class. disconnected, if non-nil, is
// consulted to grant a single reconnect for an otherwise one-shot token
// whose jti matches a just-closed session within its grace window.
func (a *Authorizer) Authenticate(clientIP net.IP, token string, disconnected *DisconnectedInfo) (Claims, error) {
	if token == "" {
		return Claims{}, &Error{Kind: KindUnauthorized, Reason: "missing token"}
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	}, jwt.WithLeeway(a.leeway), jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	if err != nil {
		return Claims{}, badToken("signature/claims validation failed", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, badToken("invalid claims", nil)
	}

	claims, err := decodeClaims(mapClaims)
	if err != nil {
		return Claims{}, badToken("malformed jet claims", err)
	}

	if a.jrl.IsRevoked(claims.JTI) {
		return Claims{}, forbidden("jti revoked")
	}

	if err := a.checkReplay(claims, disconnected); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

func (a *Authorizer) checkReplay(claims Claims, disconnected *DisconnectedInfo) error {
	if claims.Reuse == ReuseAllowed {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictExpiredLocked()

	if _, seen := a.replays[claims.JTI]; seen {
		if disconnected != nil && disconnected.JTI == claims.JTI && time.Now().Before(disconnected.ExpiresAt) {
			return nil
		}
		return forbidden("replay")
	}

	expiresAt := time.Now().Add(time.Hour)
	if exp, ok := claims.raw["exp"]; ok {
		if expF, ok := exp.(float64); ok {
			expiresAt = time.Unix(int64(expF), 0)
		}
	}
	a.replays[claims.JTI] = replayEntry{firstSeen: time.Now(), expiresAt: expiresAt}
	return nil
}

// evictExpiredLocked drops cache entries past their token's expiry. Must be
// called with a.mu held.
func (a *Authorizer) evictExpiredLocked() {
	now := time.Now()
	for jti, entry := range a.replays {
		if now.After(entry.expiresAt) {
			delete(a.replays, jti)
		}
	}
}

// ExtractSessionID parses (without validating signature) the jet_aid claim
// from token, for callers that only need routing info, per spec.md §4.2.
func ExtractSessionID(token string) (uuid.UUID, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return uuid.Nil, err
	}
	return claimUUID(claims, "jet_aid")
}

// ExtractJTI parses (without validating signature) the jti claim.
func ExtractJTI(token string) (string, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return "", err
	}
	jti, _ := claims["jti"].(string)
	return jti, nil
}

func parseUnverified(token string) (jwt.MapClaims, error) {
	p := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := p.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return claims, nil
}

var errMalformed = errors.New("token: malformed")

func decodeClaims(m jwt.MapClaims) (Claims, error) {
	aid, err := claimUUID(m, "jet_aid")
	if err != nil {
		return Claims{}, err
	}

	c := Claims{AssociationID: aid, raw: m}

	switch cm, _ := m["jet_cm"].(string); cm {
	case "rendezvous":
		c.Mode = ModeRendezvous
	case "forward":
		c.Mode = ModeForward
		if targets, ok := m["targets"].([]any); ok {
			for _, t := range targets {
				if s, ok := t.(string); ok {
					c.Targets = append(c.Targets, s)
				}
			}
		}
		if creds, ok := m["creds"].(map[string]any); ok {
			cr := &Credentials{}
			cr.Username, _ = creds["username"].(string)
			cr.Password, _ = creds["password"].(string)
			cr.Domain, _ = creds["domain"].(string)
			c.Creds = cr
		}
	default:
		return Claims{}, fmt.Errorf("unknown jet_cm %q", cm)
	}

	c.AppProtocol = AppGeneric
	if ap, ok := m["jet_ap"].(string); ok && ap != "" {
		c.AppProtocol = ApplicationProtocol(ap)
	}
	c.Record, _ = m["jet_rec"].(bool)
	c.Filter, _ = m["jet_flt"].(bool)
	if ttl, ok := m["jet_ttl"].(float64); ok && ttl > 0 {
		c.TTL = time.Duration(ttl) * time.Second
	}
	if reuse, ok := m["jet_reuse"].(bool); ok && reuse {
		c.Reuse = ReuseAllowed
	}
	jti, _ := m["jti"].(string)
	if jti == "" {
		return Claims{}, errors.New("missing jti")
	}
	c.JTI = jti

	return c, nil
}

func claimUUID(m jwt.MapClaims, key string) (uuid.UUID, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return uuid.Nil, fmt.Errorf("missing %s claim", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", key, err)
	}
	return id, nil
}
