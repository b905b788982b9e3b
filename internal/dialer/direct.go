package dialer

import (
	"context"
	"net"
)

type directDialer struct {
	d net.Dialer
}

// NewDirectDialer dials origins itself, with cfg's timeout and keepalive.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{d: net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, newError("direct", address, err)
	}
	return conn, nil
}
