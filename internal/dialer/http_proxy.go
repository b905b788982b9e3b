package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/die-net/bitproxy/internal/obfs"
)

// HTTPProxyDialer dials through an upstream HTTP proxy with CONNECT.
//
// For https:// the proxy connection is TLS. For obfs+http:// every byte to
// and from the proxy passes through the bit-inverting codec, which is what a
// bitproxy plaintext listener with reverse_bit expects.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer constructs a CONNECT dialer for proxyURL. A non-empty
// username adds Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	switch proxyURL.Scheme {
	case "http", "https", "obfs+http":
	default:
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirectDialer(cfg),
	}, nil
}

// ProxyURL returns the configured proxy URL.
func (f *HTTPProxyDialer) ProxyURL() *url.URL {
	return f.proxyURL
}

// DialContext connects to address through the proxy. CONNECT negotiation
// completes before it returns; NegotiationTimeout bounds it when set.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, newError(f.proxyURL.Scheme, address, fmt.Errorf("unsupported network %q", network))
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyURL.Host)
	if err != nil {
		return nil, newError(f.proxyURL.Scheme, address, fmt.Errorf("reach proxy: %w", err))
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	switch f.proxyURL.Scheme {
	case "https":
		tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, newError(f.proxyURL.Scheme, address, fmt.Errorf("tls handshake: %w", err))
		}
		c = tlsConn
	case "obfs+http":
		c = obfs.Wrap(c, true)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		_ = c.Close()
		return nil, newError(f.proxyURL.Scheme, address, fmt.Errorf("write connect: %w", err))
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = c.Close()
		return nil, newError(f.proxyURL.Scheme, address, fmt.Errorf("read connect reply: %w", err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = c.Close()
		return nil, newError(f.proxyURL.Scheme, address, &connectStatusError{status: resp.Status, code: resp.StatusCode})
	}
	if br.Buffered() > 0 {
		// The origin spoke before we did; keep those bytes.
		c = &bufferedConn{Conn: c, r: br}
	}

	if !stop() {
		_ = c.Close()
		return nil, newError(f.proxyURL.Scheme, address, ctx.Err())
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
