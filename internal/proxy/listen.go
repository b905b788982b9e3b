package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/die-net/bitproxy/internal/obfs"
)

// ListenOptions selects the layers stacked on a proxy listening socket.
type ListenOptions struct {
	KeepAlive net.KeepAliveConfig
	// ReusePort sets SO_REUSEPORT so several processes can share the port.
	ReusePort bool
	// ReverseBit wraps accepted conns in the bit-inverting codec, below any
	// HTTP parsing.
	ReverseBit bool
	// TLSConfig, when set, terminates TLS on accepted conns.
	TLSConfig *tls.Config
}

// Listen binds addr and returns a listener whose accepted conns have
// keepalive applied and, per opts, the obfuscation codec or TLS on top.
func Listen(ctx context.Context, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = controlReusePort
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	ln = &KeepAliveListener{Listener: ln, KeepAliveConfig: opts.KeepAlive}

	if opts.ReverseBit {
		ln = &obfs.Listener{Listener: ln}
	}
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	return ln, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
