// Package broker implements the connection broker (C10): trying a list of
// targets in order and returning the first one that connects.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dialer matches the subset of net.Dialer used by SuccessiveTry, so tests
// can substitute a fake without opening real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultDialer builds a Dialer backed by net.Dialer with timeout.
func DefaultDialer(timeout time.Duration) Dialer {
	return &net.Dialer{Timeout: timeout}
}

// SuccessiveTry dials each target in order over network ("tcp", "tcp4", ...)
// and returns the first successful connection along with the target that
// produced it. Per-target name resolution is handled by DialContext itself,
// so IPv6 literals and hostnames are both accepted. If every target fails,
// all errors are joined and returned; none is swallowed.
func SuccessiveTry(ctx context.Context, dialer Dialer, network string, targets []string) (net.Conn, string, error) {
	if len(targets) == 0 {
		return nil, "", ErrNoTargets
	}

	var errs []error
	for _, target := range targets {
		conn, err := dialer.DialContext(ctx, network, target)
		if err == nil {
			return conn, target, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", target, err))
	}
	return nil, "", fmt.Errorf("broker: all targets failed: %w", errors.Join(errs...))
}

// ErrNoTargets is returned when SuccessiveTry is called with an empty
// target list.
var ErrNoTargets = errors.New("broker: no targets to try")

// NormalizeTarget returns address with defaultPort appended when it carries
// no port of its own. Bare IPv6 literals are bracketed as needed; an empty
// defaultPort leaves a portless address unchanged.
func NormalizeTarget(address, defaultPort string) string {
	if address == "" || defaultPort == "" {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	host := address
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return net.JoinHostPort(host, defaultPort)
}

// NormalizeTargets maps NormalizeTarget over targets.
func NormalizeTargets(targets []string, defaultPort string) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = NormalizeTarget(t, defaultPort)
	}
	return out
}
