package socks5

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer echoes every connection and half-closes after EOF
func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr)
}

func startTestServer(t *testing.T, metrics *Metrics) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(&Config{HandshakeTimeout: 2 * time.Second}, nil, metrics)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx, ln)
	}()
	<-server.Ready()

	t.Cleanup(cancel)
	return server, cancel, errCh
}

func socksConnect(t *testing.T, proxy net.Addr, target *net.TCPAddr) *net.TCPConn {
	t.Helper()

	conn, err := net.Dial("tcp", proxy.String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, target.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(target.Port))
	_, err = conn.Write(req)
	require.NoError(t, err)

	resp := make([]byte, ConnectReplySize)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, EncodeConnectReply(ReplySucceeded), resp)

	return conn.(*net.TCPConn)
}

func TestServerProxiesToTarget(t *testing.T) {
	echo := startEchoServer(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	server, _, _ := startTestServer(t, metrics)

	conn := socksConnect(t, server.Addr(), echo)
	defer conn.Close()

	_, err := conn.Write([]byte("hello socks"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hello socks", string(got))

	assert.Eventually(t, func() bool {
		return server.Stats().Relayed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := server.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(11), stats.BytesUpstream)
	assert.Equal(t, int64(11), stats.BytesDownstream)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.sessions.WithLabelValues("done")))
}

func TestServerIsolatesBadClients(t *testing.T) {
	echo := startEchoServer(t)
	server, _, _ := startTestServer(t, NewMetrics(nil))

	bad, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer bad.Close()
	_, err = bad.Write([]byte{0x04, 0x01, 0x00, 0x01, 0x00, 0x50})
	require.NoError(t, err)

	good := socksConnect(t, server.Addr(), echo)
	defer good.Close()

	_, err = good.Write([]byte("still works"))
	require.NoError(t, err)
	buf := make([]byte, len("still works"))
	_, err = io.ReadFull(good, buf)
	require.NoError(t, err)
	assert.Equal(t, "still works", string(buf))

	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServerShutdown(t *testing.T) {
	server, cancel, errCh := startTestServer(t, nil)
	addr := server.Addr().String()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, server.Wait(ctx))

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerWaitTimesOut(t *testing.T) {
	server, cancel, _ := startTestServer(t, NewMetrics(nil))

	// An idle client parks a session in AwaitingGreeting
	idle, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer idle.Close()

	assert.Eventually(t, func() bool {
		return server.Stats().Active == 1
	}, time.Second, 10*time.Millisecond)

	cancel()

	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	assert.Error(t, server.Wait(ctx))
}

// flakyListener fails Accept with EMFILE until failures runs out
type flakyListener struct {
	net.Listener
	failures atomic.Int32
	calls    atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}
	}
	return l.Listener.Accept()
}

func TestServerSurvivesAcceptErrors(t *testing.T) {
	echo := startEchoServer(t)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	server := NewServer(nil, nil, NewMetrics(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, ln) }()
	<-server.Ready()

	conn := socksConnect(t, server.Addr(), echo)
	defer conn.Close()

	_, err = conn.Write([]byte("after emfile"))
	require.NoError(t, err)
	buf := make([]byte, len("after emfile"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "after emfile", string(buf))
	assert.GreaterOrEqual(t, ln.calls.Load(), int32(4))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServerBackoffStopsOnCancel(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(1 << 30)

	server := NewServer(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx, ln) }()

	// Let the backoff grow to several hundred milliseconds
	time.Sleep(700 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("Serve() returned on accept error: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Serve() kept sleeping after cancel")
	}
}
