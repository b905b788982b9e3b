package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by every Dialer.
type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds TLS, CONNECT, SOCKS5 and SSH handshakes with
	// an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	SSHKeyPath        string
	SSHKnownHostsPath string
}
