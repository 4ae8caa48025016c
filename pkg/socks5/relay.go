package socks5

import (
	"io"

	"golang.org/x/sync/errgroup"
)

// RelayStats holds the number of bytes copied in each direction
type RelayStats struct {
	Upstream   int64 // client -> target
	Downstream int64 // target -> client
}

// halfCloser is implemented by *net.TCPConn and *net.UnixConn
type halfCloser interface {
	CloseWrite() error
}

// Relay copies bytes between client and target until both directions reach
// end-of-stream. When a direction finishes, its destination is half-closed so
// the far side sees EOF. Relay returns after both directions finish; the
// first copy error, if any, is returned. Neither connection is fully closed.
func Relay(client, target io.ReadWriteCloser) (RelayStats, error) {
	var stats RelayStats
	var g errgroup.Group

	g.Go(func() error {
		n, err := pipe(target, client)
		stats.Upstream = n
		return err
	})

	g.Go(func() error {
		n, err := pipe(client, target)
		stats.Downstream = n
		return err
	})

	err := g.Wait()
	return stats, err
}

// pipe copies src into dst and then shuts down the write side of dst
func pipe(dst io.WriteCloser, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	closeWrite(dst)
	return n, err
}

// closeWrite half-closes w, falling back to a full close when the
// connection type has no write shutdown
func closeWrite(w io.WriteCloser) {
	if hc, ok := w.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = w.Close()
}
