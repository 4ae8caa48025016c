package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func refusingDialer() Dialer {
	return dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("dialer should not be called")
	})
}

func startSession(t *testing.T, dialer Dialer) (net.Conn, *Session, <-chan CloseReason) {
	t.Helper()

	client, server := net.Pipe()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	session := NewSession(server, dialer, nil)
	done := make(chan CloseReason, 1)
	go func() {
		done <- session.Run(context.Background())
	}()

	t.Cleanup(func() { client.Close() })
	return client, session, done
}

func waitReason(t *testing.T, done <-chan CloseReason) CloseReason {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return ReasonNone
	}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSessionSelectsNoAuth(t *testing.T) {
	tests := []struct {
		name    string
		methods []byte
	}{
		{"only no-auth", []byte{MethodNoAuth}},
		{"no-auth last", []byte{MethodUserPass, MethodGSSAPI, MethodNoAuth}},
		{"no-auth first", []byte{MethodNoAuth, MethodUserPass}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, session, done := startSession(t, refusingDialer())

			greeting := append([]byte{Version5, byte(len(tt.methods))}, tt.methods...)
			_, err := client.Write(greeting)
			require.NoError(t, err)

			assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))
			assert.Eventually(t, func() bool {
				return session.State() == StateAwaitingRequest
			}, time.Second, 5*time.Millisecond)

			client.Close()
			assert.Equal(t, ReasonIOError, waitReason(t, done))
			assert.Equal(t, StateClosed, session.State())
		})
	}
}

func TestSessionEOFMidMessage(t *testing.T) {
	tests := []struct {
		name       string
		greeting   bool
		partial    []byte
		wantReason CloseReason
	}{
		{"truncated greeting", false, []byte{0x05, 0x03, 0x00}, ReasonMalformed},
		{"greeting header only", false, []byte{0x05}, ReasonMalformed},
		{"truncated request", true, []byte{0x05, 0x01, 0x00, 0x01, 127, 0}, ReasonMalformed},
		{"truncated domain", true, []byte{0x05, 0x01, 0x00, 0x03, 0x0b, 'e', 'x'}, ReasonMalformed},
		{"clean eof before request", true, nil, ReasonIOError},
		{"clean eof before greeting", false, nil, ReasonIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, done := startSession(t, refusingDialer())

			if tt.greeting {
				_, err := client.Write([]byte{0x05, 0x01, 0x00})
				require.NoError(t, err)
				readN(t, client, 2)
			}
			if len(tt.partial) > 0 {
				_, err := client.Write(tt.partial)
				require.NoError(t, err)
			}
			client.Close()

			assert.Equal(t, tt.wantReason, waitReason(t, done))
		})
	}
}

func TestSessionRejectsWithoutNoAuth(t *testing.T) {
	client, _, done := startSession(t, refusingDialer())

	_, err := client.Write([]byte{Version5, 0x02, MethodGSSAPI, MethodUserPass})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x05, 0xFF}, readN(t, client, 2))
	assertClosed(t, client)
	assert.Equal(t, ReasonAuthFailed, waitReason(t, done))
}

func TestSessionVersionMismatch(t *testing.T) {
	client, _, done := startSession(t, refusingDialer())

	_, err := client.Write([]byte{0x04, 0x01, 0x00})
	require.NoError(t, err)

	// No reply is sent for a foreign protocol version
	assertClosed(t, client)
	assert.Equal(t, ReasonVersionMismatch, waitReason(t, done))
}

func TestSessionRequestRejections(t *testing.T) {
	tests := []struct {
		name       string
		request    []byte
		wantReply  byte
		wantReason CloseReason
	}{
		{
			name:       "bind",
			request:    []byte{0x05, CmdBind, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantReply:  ReplyCommandNotSupported,
			wantReason: ReasonUnsupportedCommand,
		},
		{
			name:       "udp associate",
			request:    []byte{0x05, CmdUDPAssociate, 0x00, 0x01, 0, 0, 0, 0, 0x00, 0x00},
			wantReply:  ReplyCommandNotSupported,
			wantReason: ReasonUnsupportedCommand,
		},
		{
			name:       "unknown address type",
			request:    []byte{0x05, CmdConnect, 0x00, 0x09, 1, 2, 3, 4},
			wantReply:  ReplyAddrTypeNotSupported,
			wantReason: ReasonUnsupportedAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, done := startSession(t, refusingDialer())

			_, err := client.Write([]byte{0x05, 0x01, 0x00})
			require.NoError(t, err)
			readN(t, client, 2)

			_, err = client.Write(tt.request)
			require.NoError(t, err)

			reply := readN(t, client, ConnectReplySize)
			assert.Equal(t, EncodeConnectReply(tt.wantReply), reply)
			assertClosed(t, client)
			assert.Equal(t, tt.wantReason, waitReason(t, done))
		})
	}
}

func TestSessionDialFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantReply byte
	}{
		{
			name:      "connection refused",
			err:       &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			wantReply: ReplyConnectionRefused,
		},
		{
			name:      "resolution failure",
			err:       &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}},
			wantReply: ReplyConnectionRefused,
		},
		{
			name:      "policy refusal",
			err:       ErrNotAllowed,
			wantReply: ReplyNotAllowed,
		},
		{
			name:      "non transport error",
			err:       errors.New("no route configured"),
			wantReply: ReplyGeneralFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dialed string
			dialer := dialerFunc(func(_ context.Context, _ string, address string) (net.Conn, error) {
				dialed = address
				return nil, tt.err
			})
			client, _, done := startSession(t, dialer)

			request := append(append([]byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 12}, []byte("nope.invalid")...), 0x00, 0x50)
			_, err := client.Write(request)
			require.NoError(t, err)

			assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))
			assert.Equal(t, EncodeConnectReply(tt.wantReply), readN(t, client, ConnectReplySize))
			assert.Equal(t, ReasonDialFailed, waitReason(t, done))
			assert.Equal(t, "nope.invalid:80", dialed)
		})
	}
}

func TestSessionRelaysSplitHandshake(t *testing.T) {
	targetSide, targetApp := net.Pipe()
	defer targetApp.Close()
	require.NoError(t, targetApp.SetDeadline(time.Now().Add(5*time.Second)))

	dialed := make(chan string, 1)
	dialer := dialerFunc(func(_ context.Context, network, address string) (net.Conn, error) {
		dialed <- network + " " + address
		return targetSide, nil
	})
	client, session, done := startSession(t, dialer)

	// Greeting split across two writes
	_, err := client.Write([]byte{0x05})
	require.NoError(t, err)
	_, err = client.Write([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))

	// Request split mid-address, with the first payload bytes pipelined after it
	request := append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, []byte("example.com")...), 0x01, 0xBB)
	_, err = client.Write(request[:7])
	require.NoError(t, err)
	go client.Write(append(request[7:], []byte("GET /")...))

	assert.Equal(t, "tcp example.com:443", <-dialed)
	assert.Equal(t, EncodeConnectReply(ReplySucceeded), readN(t, client, ConnectReplySize))
	assert.Equal(t, "GET /", string(readN(t, targetApp, 5)))
	assert.Equal(t, StateRelaying, session.State())

	go targetApp.Write([]byte("200 OK"))
	assert.Equal(t, "200 OK", string(readN(t, client, 6)))

	client.Close()
	_, err = io.ReadAll(targetApp)
	assert.NoError(t, err)

	assert.Equal(t, ReasonDone, waitReason(t, done))
	assert.Equal(t, StateClosed, session.State())
}

func TestSessionCancelledBetweenPhases(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := NewSession(server, refusingDialer(), nil)
	done := make(chan CloseReason, 1)
	go func() { done <- session.Run(ctx) }()

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, readN(t, client, 2))

	assert.Equal(t, ReasonCancelled, waitReason(t, done))
}

func TestDialReplyCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want byte
	}{
		{"nil", nil, ReplySucceeded},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ReplyConnectionRefused},
		{"network unreachable", &net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, ReplyNetworkUnreachable},
		{"host unreachable", &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, ReplyHostUnreachable},
		{"dns error", &net.DNSError{Err: "no such host", Name: "x"}, ReplyConnectionRefused},
		{"not allowed", ErrNotAllowed, ReplyNotAllowed},
		{"cancelled", context.Canceled, ReplyGeneralFailure},
		{"plain error", errors.New("boom"), ReplyGeneralFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DialReplyCode(tt.err); got != tt.want {
				t.Errorf("DialReplyCode(%v) = 0x%02x, want 0x%02x", tt.err, got, tt.want)
			}
		})
	}
}
