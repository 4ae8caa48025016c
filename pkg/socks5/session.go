package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ConnState is the phase a Session is in
type ConnState int32

const (
	StateAwaitingGreeting ConnState = iota
	StateAwaitingRequest
	StateConnecting
	StateRelaying
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// CloseReason explains why a Session reached StateClosed
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonVersionMismatch
	ReasonAuthFailed
	ReasonUnsupportedCommand
	ReasonUnsupportedAddress
	ReasonMalformed
	ReasonIOError
	ReasonDialFailed
	ReasonCancelled
	ReasonDone
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonVersionMismatch:
		return "version_mismatch"
	case ReasonAuthFailed:
		return "auth_failed"
	case ReasonUnsupportedCommand:
		return "unsupported_command"
	case ReasonUnsupportedAddress:
		return "unsupported_address"
	case ReasonMalformed:
		return "malformed"
	case ReasonIOError:
		return "io_error"
	case ReasonDialFailed:
		return "dial_failed"
	case ReasonCancelled:
		return "cancelled"
	case ReasonDone:
		return "done"
	default:
		return fmt.Sprintf("reason_%d", int(r))
	}
}

// Session drives one client connection from greeting to relay
type Session struct {
	id      string
	conn    net.Conn
	dialer  Dialer
	metrics *Metrics
	log     *zap.Logger

	handshakeTimeout time.Duration

	state   atomic.Int32
	pending []byte
	scratch [512]byte
}

// NewSession creates a session for conn. metrics may be nil.
func NewSession(conn net.Conn, dialer Dialer, metrics *Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		dialer:  dialer,
		metrics: metrics,
		log: zap.L().Named("socks5").With(
			zap.String("session", id),
			zap.String("remote", conn.RemoteAddr().String()),
		),
	}
}

// ID returns the session identifier used in logs
func (s *Session) ID() string {
	return s.id
}

// State returns the current phase
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(st ConnState) {
	s.state.Store(int32(st))
}

// Run drives the session to completion and returns why it closed. The
// client connection, and the target connection if one was dialed, are
// closed before Run returns. Cancelling ctx stops the session at the next
// phase boundary; an established relay is not interrupted.
func (s *Session) Run(ctx context.Context) (reason CloseReason) {
	var target net.Conn

	s.metrics.sessionOpened()
	defer func() {
		s.setState(StateClosed)
		if err := s.release(target); err != nil {
			s.log.Debug("close error", zap.Error(err))
		}
		s.metrics.sessionClosed(reason)
		s.log.Debug("session closed", zap.Stringer("reason", reason))
	}()

	if s.handshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	}

	s.setState(StateAwaitingGreeting)
	if reason = s.negotiate(); reason != ReasonNone {
		return reason
	}
	if ctx.Err() != nil {
		return ReasonCancelled
	}

	s.setState(StateAwaitingRequest)
	req, reason := s.readRequest()
	if reason != ReasonNone {
		return reason
	}
	if ctx.Err() != nil {
		return ReasonCancelled
	}

	if s.handshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Time{})
	}

	s.setState(StateConnecting)
	target, reason = s.connect(ctx, req.Target)
	if reason != ReasonNone {
		return reason
	}

	s.setState(StateRelaying)
	client := net.Conn(s.conn)
	if len(s.pending) > 0 {
		client = &prefixConn{Conn: s.conn, prefix: s.pending}
		s.pending = nil
	}

	stats, err := Relay(client, target)
	s.metrics.addRelayed(stats)
	if err != nil {
		s.log.Debug("relay ended with error",
			zap.Error(err),
			zap.Int64("up", stats.Upstream),
			zap.Int64("down", stats.Downstream),
		)
	} else {
		s.log.Debug("relay finished",
			zap.Int64("up", stats.Upstream),
			zap.Int64("down", stats.Downstream),
		)
	}

	return ReasonDone
}

// negotiate handles the greeting and selects "no authentication"
func (s *Session) negotiate() CloseReason {
	greeting, err := readMessage(s, MaxGreetingSize, ParseGreeting)
	if err != nil {
		return s.readFailure("greeting", err)
	}
	s.consume(greeting.Len())

	if greeting.Version != Version5 {
		s.log.Debug("rejecting greeting",
			zap.Error(ErrUnsupportedVersion),
			zap.Uint8("version", greeting.Version),
		)
		return ReasonVersionMismatch
	}

	if !greeting.Offers(MethodNoAuth) {
		s.log.Debug("rejecting greeting",
			zap.Error(ErrAuthFailed),
			zap.Binary("methods", greeting.Methods),
		)
		if err := s.write(EncodeGreetingReply(MethodNoAcceptable)); err != nil {
			s.log.Debug("failed to write greeting reply", zap.Error(err))
		}
		return ReasonAuthFailed
	}

	if err := s.write(EncodeGreetingReply(MethodNoAuth)); err != nil {
		s.log.Debug("failed to write greeting reply", zap.Error(err))
		return ReasonIOError
	}

	return ReasonNone
}

// readRequest reads and validates the connect request
func (s *Session) readRequest() (*ConnectRequest, CloseReason) {
	req, err := readMessage(s, MaxRequestSize, ParseConnectRequest)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupportedAddressType):
		s.log.Debug("rejecting request", zap.Error(err))
		s.replyBestEffort(ReplyAddrTypeNotSupported)
		return nil, ReasonUnsupportedAddress
	case errors.Is(err, ErrInvalidAddress):
		s.log.Debug("rejecting request", zap.Error(err))
		s.replyBestEffort(ReplyGeneralFailure)
		return nil, ReasonMalformed
	default:
		return nil, s.readFailure("request", err)
	}
	s.consume(req.Len())

	if req.Version != Version5 {
		s.log.Debug("rejecting request",
			zap.Error(ErrUnsupportedVersion),
			zap.Uint8("version", req.Version),
		)
		return nil, ReasonVersionMismatch
	}

	if req.Command != CmdConnect {
		s.log.Debug("rejecting request",
			zap.Error(ErrUnsupportedCommand),
			zap.Uint8("command", req.Command),
		)
		s.replyBestEffort(ReplyCommandNotSupported)
		return nil, ReasonUnsupportedCommand
	}

	return req, ReasonNone
}

// connect dials the target and reports the outcome to the client
func (s *Session) connect(ctx context.Context, target TargetAddr) (net.Conn, CloseReason) {
	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", target.String())
	s.metrics.observeDial(time.Since(start))

	if err != nil {
		dialErr := &DialError{Target: target.String(), Code: DialReplyCode(err), Err: err}
		s.log.Info("dial failed", zap.Error(dialErr))
		s.replyBestEffort(dialErr.Code)
		return nil, ReasonDialFailed
	}

	if err := s.write(EncodeConnectReply(ReplySucceeded)); err != nil {
		s.log.Debug("failed to write connect reply", zap.Error(err))
		_ = conn.Close()
		return nil, ReasonIOError
	}

	s.log.Debug("connected", zap.String("target", target.String()))
	return conn, ReasonNone
}

// readMessage reads from the client until parse stops reporting a short
// buffer, or until limit bytes are buffered. EOF with a partial message
// buffered is reported as ErrMalformedMessage.
func readMessage[T any](s *Session, limit int, parse func([]byte) (T, error)) (T, error) {
	var readErr error
	for {
		msg, err := parse(s.pending)
		if !errors.Is(err, ErrMalformedMessage) {
			return msg, err
		}
		if len(s.pending) >= limit {
			return msg, err
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && len(s.pending) > 0 {
				return msg, fmt.Errorf("%w: eof after %d bytes", ErrMalformedMessage, len(s.pending))
			}
			return msg, readErr
		}

		var n int
		n, readErr = s.conn.Read(s.scratch[:])
		s.pending = append(s.pending, s.scratch[:n]...)
	}
}

func (s *Session) readFailure(phase string, err error) CloseReason {
	if errors.Is(err, ErrMalformedMessage) {
		s.log.Debug("malformed "+phase, zap.Int("buffered", len(s.pending)))
		return ReasonMalformed
	}
	s.log.Debug("failed to read "+phase, zap.Error(err))
	return ReasonIOError
}

func (s *Session) consume(n int) {
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

func (s *Session) write(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) replyBestEffort(code byte) {
	if err := s.write(EncodeConnectReply(code)); err != nil {
		s.log.Debug("failed to write connect reply", zap.Error(err))
	}
}

// release closes both sockets
func (s *Session) release(target net.Conn) error {
	err := s.conn.Close()
	if target != nil {
		err = multierr.Append(err, target.Close())
	}
	return err
}

// prefixConn replays bytes the client sent ahead of the relay phase
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func (c *prefixConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
