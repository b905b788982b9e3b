package testutil

import (
	"context"
	"net"
	"slices"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// SOCKS5Server is a loopback SOCKS5 proxy for exercising the socks5://
// upstream.
type SOCKS5Server struct {
	// Username and Password, when set, are required (RFC 1929).
	Username string
	Password string
	// Reply, when non-zero, answers every CONNECT with this failure code
	// instead of dialing.
	Reply byte
}

// Start serves until the test ends and returns the listener.
func (s SOCKS5Server) Start(t *testing.T) net.Listener {
	t.Helper()
	return serveAll(t, s.handle)
}

func (s SOCKS5Server) handle(c net.Conn) {
	offer, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return
	}

	method := txsocks5.MethodNone
	if s.Username != "" {
		method = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(offer.Methods, method) {
		_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(c)
		return
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(c); err != nil {
		return
	}

	if method == txsocks5.MethodUsernamePassword {
		creds, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(creds.Uname) != s.Username || string(creds.Passwd) != s.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil {
		return
	}
	if req.Cmd != txsocks5.CmdConnect {
		writeSOCKS5Reply(c, txsocks5.RepCommandNotSupported)
		return
	}
	if s.Reply != 0 {
		writeSOCKS5Reply(c, s.Reply)
		return
	}

	var d net.Dialer
	dst, err := d.DialContext(context.Background(), "tcp", req.Address())
	if err != nil {
		writeSOCKS5Reply(c, txsocks5.RepConnectionRefused)
		return
	}
	writeSOCKS5Reply(c, txsocks5.RepSuccess)
	splice(c, dst)
}

func writeSOCKS5Reply(c net.Conn, rep byte) {
	_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0, 0}).WriteTo(c)
}
