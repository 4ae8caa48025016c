package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrNotAllowed is returned by dialers that refuse a target by policy
var ErrNotAllowed = errors.New("connection not allowed by ruleset")

// Dialer opens outbound connections for proxied requests.
//
// DirectDialer is the only implementation shipped here; it dials over the
// local network stack. A dialer that routes through the overlay can be
// substituted without touching Session or Relay.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver turns a host name into addresses
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// DirectDialer dials targets directly, optionally resolving names with Resolver
type DirectDialer struct {
	Resolver Resolver
	Dialer   *net.Dialer
}

// NewDirectDialer creates a DirectDialer. A nil resolver leaves name
// resolution to net.Dialer.
func NewDirectDialer(resolver Resolver) *DirectDialer {
	return &DirectDialer{
		Resolver: resolver,
		Dialer:   &net.Dialer{},
	}
}

// DialContext implements Dialer
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	if d.Resolver == nil {
		return dialer.DialContext(ctx, network, address)
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return dialer.DialContext(ctx, network, address)
	}

	addrs, err := d.Resolver.LookupNetIP(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return nil, lastErr
}

// DialError records a failed outbound dial and the reply code sent for it
type DialError struct {
	Target string
	Code   byte
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to dial %s: %v (%s)", e.Target, e.Err, ReplyText(e.Code))
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// DialReplyCode maps a dial error to a reply code. Transport failures map
// to connection refused unless the errno says the network or host is
// unreachable; anything else is a general failure.
func DialReplyCode(err error) byte {
	if err == nil {
		return ReplySucceeded
	}

	if errors.Is(err, ErrNotAllowed) {
		return ReplyNotAllowed
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReplyGeneralFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReplyConnectionRefused
	}

	return ReplyGeneralFailure
}
