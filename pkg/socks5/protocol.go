package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Protocol version
const Version5 byte = 0x05

// Authentication methods
const (
	MethodNoAuth       byte = 0x00
	MethodGSSAPI       byte = 0x01
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// Commands
const (
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
)

// Address types
const (
	AddrTypeIPv4   byte = 0x01
	AddrTypeDomain byte = 0x03
	AddrTypeIPv6   byte = 0x04
)

// Reply codes
const (
	ReplySucceeded            byte = 0x00
	ReplyGeneralFailure       byte = 0x01
	ReplyNotAllowed           byte = 0x02
	ReplyNetworkUnreachable   byte = 0x03
	ReplyHostUnreachable      byte = 0x04
	ReplyConnectionRefused    byte = 0x05
	ReplyTTLExpired           byte = 0x06
	ReplyCommandNotSupported  byte = 0x07
	ReplyAddrTypeNotSupported byte = 0x08
)

const (
	// GreetingReplySize is the size of an encoded greeting reply
	GreetingReplySize = 2

	// ConnectReplySize is the size of an encoded connect reply
	ConnectReplySize = 10

	// MaxGreetingSize is VER + NMETHODS + 255 methods
	MaxGreetingSize = 2 + 255

	// MaxRequestSize is the header, a length-prefixed 255 byte domain and the port
	MaxRequestSize = 4 + 1 + 255 + 2
)

var (
	ErrMalformedMessage       = errors.New("malformed socks5 message")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
	ErrUnsupportedVersion     = errors.New("unsupported socks version")
	ErrUnsupportedCommand     = errors.New("unsupported command")
	ErrAuthFailed             = errors.New("no acceptable authentication method")
	ErrInvalidAddress         = errors.New("invalid target address")
)

// TargetAddr is the destination requested by a client. Exactly one of
// IP endpoint or domain name is set.
type TargetAddr struct {
	addrPort netip.AddrPort
	domain   string
	port     uint16
}

// IPTarget builds a target from an IP endpoint
func IPTarget(ap netip.AddrPort) TargetAddr {
	return TargetAddr{addrPort: ap}
}

// DomainTarget builds a target from a domain name and port
func DomainTarget(name string, port uint16) TargetAddr {
	return TargetAddr{domain: name, port: port}
}

// IsDomain reports whether the target still needs name resolution
func (t TargetAddr) IsDomain() bool {
	return t.domain != ""
}

// Domain returns the domain name, or "" for IP targets
func (t TargetAddr) Domain() string {
	return t.domain
}

// AddrPort returns the IP endpoint, or the zero value for domain targets
func (t TargetAddr) AddrPort() netip.AddrPort {
	return t.addrPort
}

// Port returns the destination port
func (t TargetAddr) Port() uint16 {
	if t.IsDomain() {
		return t.port
	}
	return t.addrPort.Port()
}

// String returns host:port, suitable for net.Dial
func (t TargetAddr) String() string {
	if t.IsDomain() {
		return net.JoinHostPort(t.domain, strconv.Itoa(int(t.port)))
	}
	return t.addrPort.String()
}

// GreetingRequest is the method negotiation message sent by the client
type GreetingRequest struct {
	Version byte
	Methods []byte
}

// Len returns the number of bytes the greeting occupied on the wire
func (g *GreetingRequest) Len() int {
	return 2 + len(g.Methods)
}

// Offers reports whether the client offered the given method
func (g *GreetingRequest) Offers(method byte) bool {
	for _, m := range g.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ConnectRequest is the request that follows a successful greeting
type ConnectRequest struct {
	Version byte
	Command byte
	Target  TargetAddr
	size    int
}

// Len returns the number of bytes the request occupied on the wire
func (r *ConnectRequest) Len() int {
	return r.size
}

// ParseGreeting decodes a greeting from buf. The version is not checked.
func ParseGreeting(buf []byte) (*GreetingRequest, error) {
	if len(buf) < 2 {
		return nil, ErrMalformedMessage
	}

	n := int(buf[1])
	if len(buf) < 2+n {
		return nil, ErrMalformedMessage
	}

	methods := make([]byte, n)
	copy(methods, buf[2:2+n])

	return &GreetingRequest{
		Version: buf[0],
		Methods: methods,
	}, nil
}

// ParseConnectRequest decodes a connect request from buf
func ParseConnectRequest(buf []byte) (*ConnectRequest, error) {
	if len(buf) < 4 {
		return nil, ErrMalformedMessage
	}

	req := &ConnectRequest{
		Version: buf[0],
		Command: buf[1],
	}

	rest := buf[4:]
	switch buf[3] {
	case AddrTypeIPv4:
		if len(rest) < 4+2 {
			return nil, ErrMalformedMessage
		}
		ip := netip.AddrFrom4([4]byte(rest[:4]))
		port := binary.BigEndian.Uint16(rest[4:6])
		req.Target = IPTarget(netip.AddrPortFrom(ip, port))
		req.size = 4 + 4 + 2

	case AddrTypeDomain:
		if len(rest) < 1 {
			return nil, ErrMalformedMessage
		}
		n := int(rest[0])
		if n == 0 {
			return nil, ErrInvalidAddress
		}
		if len(rest) < 1+n+2 {
			return nil, ErrMalformedMessage
		}
		name := string(rest[1 : 1+n])
		port := binary.BigEndian.Uint16(rest[1+n : 1+n+2])
		req.Target = DomainTarget(name, port)
		req.size = 4 + 1 + n + 2

	case AddrTypeIPv6:
		if len(rest) < 16+2 {
			return nil, ErrMalformedMessage
		}
		ip := netip.AddrFrom16([16]byte(rest[:16]))
		port := binary.BigEndian.Uint16(rest[16:18])
		req.Target = IPTarget(netip.AddrPortFrom(ip, port))
		req.size = 4 + 16 + 2

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddressType, buf[3])
	}

	return req, nil
}

// EncodeGreetingReply encodes the server's method selection
func EncodeGreetingReply(method byte) []byte {
	return []byte{Version5, method}
}

// EncodeConnectReply encodes a reply with a zeroed IPv4 bind address
func EncodeConnectReply(status byte) []byte {
	buf := make([]byte, ConnectReplySize)
	buf[0] = Version5
	buf[1] = status
	buf[2] = 0x00
	buf[3] = AddrTypeIPv4
	// bytes 4..9 stay zero: 0.0.0.0:0
	return buf
}

// ReplyText returns a readable name for a reply code
func ReplyText(status byte) string {
	switch status {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general failure"
	case ReplyNotAllowed:
		return "connection not allowed"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "ttl expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddrTypeNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown (0x%02x)", status)
	}
}
