package proxy

import (
	"time"

	"github.com/die-net/bitproxy/internal/dialer"
)

// Config is the read-only configuration of one proxy listener.
type Config struct {
	// Name labels log lines, e.g. "http" or "https".
	Name string
	// Auth is the shared secret required in Proxy-Authorization. Empty
	// disables authentication.
	Auth string

	// NegotiationTimeout bounds reading the request head and flushing an
	// error response.
	NegotiationTimeout time.Duration
	// IdleTimeout tears down a relay with no traffic in either direction
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	Dialer  dialer.Dialer
	Verbose bool

	// Metrics is optional.
	Metrics *Metrics
}
