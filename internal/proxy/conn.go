package proxy

import (
	"bufio"
	"errors"
	"net"
	"time"
)

var errHeaderTooLarge = errors.New("request header too large")

// bufferedConn drains bytes the request parser read ahead before reading
// from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// limitedConn caps how much can be read through it while the request head is
// being parsed. lift removes the cap once the head is complete.
type limitedConn struct {
	net.Conn
	remaining int
	lifted    bool
}

func (c *limitedConn) Read(p []byte) (int, error) {
	if c.lifted {
		return c.Conn.Read(p)
	}
	if c.remaining <= 0 {
		return 0, errHeaderTooLarge
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.Conn.Read(p)
	c.remaining -= n
	return n, err
}

func (c *limitedConn) lift() {
	c.lifted = true
}

// deadlineWriter pushes back its own write deadline and the read deadline of
// from before every write. Copying from into it fails once either side
// stalls for timeout.
type deadlineWriter struct {
	net.Conn
	from    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	deadline := time.Now().Add(w.timeout)
	_ = w.from.SetReadDeadline(deadline)
	_ = w.SetWriteDeadline(deadline)
	return w.Conn.Write(p)
}
