package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer dials through an upstream SOCKS5 proxy (RFC 1928), with
// optional username/password authentication (RFC 1929).
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 CONNECT dialer. A non-empty
// username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

// DialContext connects to address through the SOCKS5 proxy. A failed
// CONNECT keeps the proxy's reply code, so Classify can tell a refused
// origin from one that timed out.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, newError("socks5", address, fmt.Errorf("unsupported network %q", network))
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, newError("socks5", address, fmt.Errorf("reach proxy: %w", err))
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err = f.handshake(c, address)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return nil, newError("socks5", address, err)
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (f *SOCKS5ProxyDialer) handshake(c net.Conn, address string) error {
	offer := []byte{txsocks5.MethodNone}
	if f.username != "" {
		offer = []byte{txsocks5.MethodUsernamePassword, txsocks5.MethodNone}
	}
	if _, err := txsocks5.NewNegotiationRequest(offer).WriteTo(c); err != nil {
		return fmt.Errorf("send methods: %w", err)
	}
	chosen, err := txsocks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read method: %w", err)
	}

	switch {
	case chosen.Method == txsocks5.MethodNone:
	case chosen.Method == txsocks5.MethodUsernamePassword && f.username != "":
		creds := txsocks5.NewUserPassNegotiationRequest([]byte(f.username), []byte(f.password))
		if _, err := creds.WriteTo(c); err != nil {
			return fmt.Errorf("send credentials: %w", err)
		}
		status, err := txsocks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read auth status: %w", err)
		}
		if status.Status != txsocks5.UserPassStatusSuccess {
			return errUpstreamAuth
		}
	case chosen.Method == txsocks5.MethodUsernamePassword, chosen.Method == txsocks5.MethodUnsupportAll:
		return fmt.Errorf("%w: no acceptable auth method", errUpstreamAuth)
	default:
		return fmt.Errorf("unexpected auth method %#x", chosen.Method)
	}

	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		// NewRequest adds the length prefix itself.
		host = host[1:]
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(c); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	reply, err := txsocks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if reply.Rep != txsocks5.RepSuccess {
		return &socksReplyError{code: reply.Rep}
	}
	return nil
}
