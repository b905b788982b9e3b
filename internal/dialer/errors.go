package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/crypto/ssh"
)

// Reason says why an upstream dial failed, in terms a proxy client cares
// about.
type Reason int

const (
	ReasonOther Reason = iota
	// ReasonTimeout: the origin or upstream proxy did not answer in time.
	ReasonTimeout
	// ReasonRefused: something answered and said no.
	ReasonRefused
	// ReasonUnreachable: name resolution or routing failed.
	ReasonUnreachable
	// ReasonAuth: the upstream proxy rejected our credentials.
	ReasonAuth
	// ReasonProtocol: the upstream proxy spoke something unexpected.
	ReasonProtocol
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonRefused:
		return "refused"
	case ReasonUnreachable:
		return "unreachable"
	case ReasonAuth:
		return "upstream_auth"
	case ReasonProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Error is returned by every Dialer in this package when a dial fails.
type Error struct {
	// Via is the upstream scheme the dial went through, e.g. "direct" or
	// "socks5".
	Via    string
	Target string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s dial %s: %v", e.Via, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(via, target string, err error) *Error {
	return &Error{Via: via, Target: target, Reason: Classify(err), Err: err}
}

// Classify maps a dial error to a Reason. It understands errors from this
// package, context and net errors, SOCKS5 reply codes, SSH channel
// rejections and HTTP CONNECT statuses.
func Classify(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}

	var (
		reply   *socksReplyError
		openErr *ssh.OpenChannelError
		status  *connectStatusError
		dnsErr  *net.DNSError
		netErr  net.Error
	)
	switch {
	case err == nil:
		return ReasonOther
	case errors.As(err, &reply):
		return reply.reason()
	case errors.As(err, &openErr):
		return channelRejectReason(openErr)
	case errors.As(err, &status):
		return status.reason()
	case errors.Is(err, errUpstreamAuth):
		return ReasonAuth
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnreachable
	default:
		return ReasonOther
	}
}

// IsTimeout reports whether err should reach a proxy client as a gateway
// timeout rather than a bad gateway.
func IsTimeout(err error) bool {
	return Classify(err) == ReasonTimeout
}

var errUpstreamAuth = errors.New("upstream proxy rejected credentials")

// socksReplyError carries a non-success SOCKS5 CONNECT reply code.
type socksReplyError struct {
	code byte
}

func (e *socksReplyError) Error() string {
	return fmt.Sprintf("socks5 reply %#x", e.code)
}

func (e *socksReplyError) reason() Reason {
	switch e.code {
	case txsocks5.RepTTLExpired:
		return ReasonTimeout
	case txsocks5.RepConnectionRefused, txsocks5.RepNotAllowed:
		return ReasonRefused
	case txsocks5.RepNetworkUnreachable, txsocks5.RepHostUnreachable:
		return ReasonUnreachable
	default:
		return ReasonProtocol
	}
}

// connectStatusError carries a non-2xx answer to an HTTP CONNECT. A chained
// bitproxy answers 504 and 502 the same way this one does, so those pass
// through.
type connectStatusError struct {
	status string
	code   int
}

func (e *connectStatusError) Error() string {
	return "connect refused by upstream: " + e.status
}

func (e *connectStatusError) reason() Reason {
	switch e.code {
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ReasonTimeout
	case http.StatusProxyAuthRequired:
		return ReasonAuth
	case http.StatusForbidden:
		return ReasonRefused
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return ReasonUnreachable
	default:
		return ReasonProtocol
	}
}

// channelRejectReason reads an SSH direct-tcpip rejection. OpenSSH puts the
// strerror of its own connect in the message.
func channelRejectReason(e *ssh.OpenChannelError) Reason {
	msg := strings.ToLower(e.Message)
	switch e.Reason {
	case ssh.Prohibited:
		return ReasonRefused
	case ssh.ConnectionFailed:
		switch {
		case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
			return ReasonTimeout
		case strings.Contains(msg, "refused"):
			return ReasonRefused
		default:
			return ReasonUnreachable
		}
	default:
		return ReasonProtocol
	}
}
