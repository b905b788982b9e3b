package obfs

import (
	"net"
	"sync"
)

const scratchSize = 32 * 1024

var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, scratchSize)
		return &b
	},
}

// Flip returns b with every bit inverted. Flip(Flip(b)) == b.
func Flip(b byte) byte {
	return ^b
}

// FlipBytes applies Flip to every byte of p in place.
func FlipBytes(p []byte) {
	for i := range p {
		p[i] = ^p[i]
	}
}

// Conn decodes bytes read from the wrapped connection and encodes bytes
// written to it.
type Conn struct {
	net.Conn
}

// Wrap returns c unchanged when enabled is false, otherwise c wrapped in a
// single codec layer.
func Wrap(c net.Conn, enabled bool) net.Conn {
	if !enabled {
		return c
	}
	return &Conn{Conn: c}
}

// Read reads from the underlying connection and decodes the bytes read.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	FlipBytes(p[:n])
	return n, err
}

// Write encodes p into a scratch buffer and writes it to the underlying
// connection. p itself is left untouched.
func (c *Conn) Write(p []byte) (int, error) {
	bp := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(bp)
	buf := *bp

	var written int
	for len(p) > 0 {
		chunk := copy(buf, p)
		FlipBytes(buf[:chunk])
		n, err := c.Conn.Write(buf[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// Listener wraps every accepted connection in a Conn.
type Listener struct {
	net.Listener
}

// Accept waits for the next connection and wraps it.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c}, nil
}
