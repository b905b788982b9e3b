package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// SSHProxyDialer opens origin connections as "direct-tcpip" channels on a
// single SSH connection to the upstream host, the same thing "ssh -W" does.
//
// The SSH connection is made lazily and shared by every session. When a
// channel open fails for a reason other than the server rejecting it, the
// connection is assumed dead, replaced once and the open retried.
type SSHProxyDialer struct {
	addr             string
	clientConfig     *ssh.ClientConfig
	handshakeTimeout time.Duration
	direct           Dialer
	agentConn        io.Closer

	mu      sync.Mutex
	current *ssh.Client
	connect singleflight.Group
}

// NewSSHProxyDialer builds a dialer for the SSH server at sshAddr. It
// authenticates as username with cfg.SSHKeyPath and/or password and checks
// the server against cfg.SSHKnownHostsPath.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh upstream: missing address")
	}
	if username == "" {
		return nil, errors.New("ssh upstream: missing username")
	}

	var methods []ssh.AuthMethod
	keyAuth, agentConn, err := sshKeyAuth(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	if keyAuth != nil {
		methods = append(methods, keyAuth)
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh upstream: need a password in the url or an ssh_key")
	}

	hostKeyCallback, err := sshHostKeyCheck(cfg.SSHKnownHostsPath)
	if err != nil {
		if agentConn != nil {
			_ = agentConn.Close()
		}
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	return &SSHProxyDialer{
		addr: sshAddr,
		clientConfig: &ssh.ClientConfig{
			User:            username,
			Auth:            methods,
			HostKeyCallback: hostKeyCallback,
		},
		handshakeTimeout: cfg.NegotiationTimeout,
		direct:           NewDirectDialer(cfg),
		agentConn:        agentConn,
	}, nil
}

// DialContext opens a channel to address.
func (f *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, newError("ssh", address, fmt.Errorf("unsupported network %q", network))
	}

	client, err := f.client(ctx)
	if err != nil {
		return nil, newError("ssh", address, err)
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err == nil {
		return conn, nil
	}

	var rejected *ssh.OpenChannelError
	if errors.As(err, &rejected) || ctx.Err() != nil {
		return nil, newError("ssh", address, err)
	}

	f.discard(client)
	client, cerr := f.client(ctx)
	if cerr != nil {
		return nil, newError("ssh", address, fmt.Errorf("%w (reconnect: %w)", err, cerr))
	}
	conn, err = client.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, newError("ssh", address, err)
	}
	return conn, nil
}

// Close drops the shared SSH connection and the agent socket.
func (f *SSHProxyDialer) Close() error {
	f.mu.Lock()
	client := f.current
	f.current = nil
	f.mu.Unlock()

	var err error
	if client != nil {
		err = client.Close()
	}
	if f.agentConn != nil {
		_ = f.agentConn.Close()
	}
	return err
}

// client returns the shared connection, making it if needed. Concurrent
// callers share one handshake, which runs detached from any caller's ctx.
func (f *SSHProxyDialer) client(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	c := f.current
	f.mu.Unlock()
	if c != nil {
		return c, nil
	}

	res := f.connect.DoChan(f.addr, func() (any, error) {
		c, err := f.handshake(context.Background())
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.current = c
		f.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*ssh.Client), nil
	}
}

func (f *SSHProxyDialer) handshake(ctx context.Context) (*ssh.Client, error) {
	conn, err := f.direct.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("reach ssh server: %w", err)
	}
	if f.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.handshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, f.addr, f.clientConfig)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", errUpstreamAuth, err)
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// discard forgets stale and closes it, unless another caller already
// replaced it.
func (f *SSHProxyDialer) discard(stale *ssh.Client) {
	f.mu.Lock()
	if f.current == stale {
		f.current = nil
	}
	f.mu.Unlock()
	_ = stale.Close()
}
