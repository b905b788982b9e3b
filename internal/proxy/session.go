package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/die-net/bitproxy/internal/dialer"
)

type state int

const (
	stateAwaitRequest state = iota
	stateAuthCheck
	stateConnectUpstream
	stateRelaying
	stateClosed
	stateError
)

func (s state) String() string {
	switch s {
	case stateAwaitRequest:
		return "AWAIT_REQUEST"
	case stateAuthCheck:
		return "AUTH_CHECK"
	case stateConnectUpstream:
		return "CONNECT_UPSTREAM"
	case stateRelaying:
		return "RELAYING"
	case stateClosed:
		return "CLOSED"
	case stateError:
		return "ERROR"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

const maxRequestHeaderBytes = 64 << 10

var errClientGone = errors.New("client closed before sending a request")

// session drives one accepted connection from request to teardown. It owns
// client and, once dialed, upstream.
type session struct {
	cfg *Config

	client   net.Conn
	limit    *limitedConn
	br       *bufio.Reader
	upstream net.Conn

	state         state
	err           error
	authenticated bool
	connect       bool
	targetHost    string
	targetPort    int
	req           *http.Request
}

func newSession(cfg *Config, client net.Conn) *session {
	limit := &limitedConn{Conn: client, remaining: maxRequestHeaderBytes}
	return &session{
		cfg:    cfg,
		client: client,
		limit:  limit,
		br:     bufio.NewReader(limit),
		state:  stateAwaitRequest,
	}
}

// run steps the state machine until CLOSED or ERROR and releases both conns.
// The returned error is the one that moved the session to ERROR.
func (s *session) run(ctx context.Context) error {
	defer s.close()

	stop := context.AfterFunc(ctx, func() {
		_ = s.client.Close()
	})
	defer stop()

	for {
		var err error
		switch s.state {
		case stateAwaitRequest:
			err = s.readRequest()
		case stateAuthCheck:
			err = s.checkAuth()
		case stateConnectUpstream:
			err = s.connectUpstream(ctx)
		case stateRelaying:
			err = s.relay(ctx)
		case stateClosed:
			return nil
		case stateError:
			return s.err
		}
		if err != nil {
			s.fail(err)
		}
	}
}

func (s *session) readRequest() error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	req, err := http.ReadRequest(s.br)
	if err != nil {
		var ne net.Error
		switch {
		case errors.Is(err, io.EOF):
			return errClientGone
		case errors.As(err, &ne) && ne.Timeout():
			return fmt.Errorf("read request: %w", err)
		case errors.Is(err, errHeaderTooLarge):
			return withStatus(http.StatusRequestHeaderFieldsTooLarge, err)
		default:
			return withStatus(http.StatusBadRequest, fmt.Errorf("malformed request: %w", err))
		}
	}
	_ = s.client.SetReadDeadline(time.Time{})
	s.limit.lift()
	s.req = req

	if req.Method == http.MethodConnect {
		s.connect = true
		target := req.URL.Host
		if target == "" {
			target = req.Host
		}
		s.targetHost, s.targetPort, err = splitTarget(target, 443)
	} else {
		switch req.URL.Scheme {
		case "", "http":
		default:
			return withStatus(http.StatusBadRequest, fmt.Errorf("unsupported scheme %q", req.URL.Scheme))
		}
		target := req.URL.Host
		if target == "" {
			target = req.Host
		}
		s.targetHost, s.targetPort, err = splitTarget(target, 80)
	}
	if err != nil {
		return withStatus(http.StatusBadRequest, err)
	}

	s.state = stateAuthCheck
	return nil
}

func (s *session) checkAuth() error {
	if s.cfg.Auth != "" {
		cred := s.req.Header.Get("Proxy-Authorization")
		if cred == "" {
			return withStatus(http.StatusProxyAuthRequired, errors.New("missing proxy credential"))
		}
		if !credentialMatches(cred, s.cfg.Auth) {
			return withStatus(http.StatusProxyAuthRequired, errors.New("invalid proxy credential"))
		}
	}
	s.authenticated = true
	s.state = stateConnectUpstream
	return nil
}

func (s *session) connectUpstream(ctx context.Context) error {
	if !s.authenticated {
		return errors.New("dial attempted before authentication")
	}

	target := net.JoinHostPort(s.targetHost, strconv.Itoa(s.targetPort))
	start := time.Now()
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	s.cfg.Metrics.observeDial(s.cfg.Name, time.Since(start).Seconds())
	if err != nil {
		s.cfg.Metrics.dialFailed(s.cfg.Name, dialer.Classify(err))
		return withStatus(dialErrorStatus(err), err)
	}
	s.upstream = up

	if s.connect {
		if err := s.writeClient(connectEstablished); err != nil {
			return fmt.Errorf("write connect reply: %w", err)
		}
	} else if err := s.forwardRequest(); err != nil {
		return err
	}

	s.state = stateRelaying
	return nil
}

// forwardRequest sends the parsed plain-mode request to the origin in
// origin-form, minus hop-by-hop headers and with Connection: close, so the
// origin ends the exchange after one response.
func (s *session) forwardRequest() error {
	req := s.req

	if httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue") {
		if err := s.writeClient("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return fmt.Errorf("write 100 continue: %w", err)
		}
		req.Header.Del("Expect")
	}

	removeHopByHopHeaders(req.Header)
	req.Close = true
	if _, ok := req.Header["User-Agent"]; !ok {
		// Keep Request.Write from adding its own User-Agent.
		req.Header["User-Agent"] = []string{""}
	}

	timeout := s.cfg.IdleTimeout
	if timeout <= 0 {
		timeout = s.cfg.NegotiationTimeout
	}
	var w io.Writer = s.upstream
	if timeout > 0 {
		w = &deadlineWriter{Conn: s.upstream, from: s.client, timeout: timeout}
		deadline := time.Now().Add(timeout)
		_ = s.client.SetReadDeadline(deadline)
		_ = s.upstream.SetWriteDeadline(deadline)
		defer func() {
			_ = s.client.SetReadDeadline(time.Time{})
			_ = s.upstream.SetWriteDeadline(time.Time{})
		}()
	}

	if err := req.Write(w); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// The client stalled mid-body or the origin stopped reading.
			// No response is sent for either.
			return fmt.Errorf("forward request: %w: %w", errIdle, err)
		}
		return withStatus(http.StatusBadGateway, fmt.Errorf("forward request: %w", err))
	}
	return nil
}

func (s *session) relay(ctx context.Context) error {
	client := s.client
	if s.br.Buffered() > 0 {
		client = &bufferedConn{Conn: s.client, r: s.br}
	}
	if err := CopyBidirectional(ctx, client, s.upstream, s.cfg.IdleTimeout); err != nil {
		return err
	}
	s.state = stateClosed
	return nil
}

// fail moves the session to ERROR and, if the error carries a status and
// the tunnel is not yet up, tells the client.
func (s *session) fail(err error) {
	prev := s.state
	s.state = stateError
	s.err = fmt.Errorf("%s: %w", prev, err)

	var se *statusError
	if prev == stateRelaying || !errors.As(err, &se) {
		return
	}

	var extra http.Header
	if se.code == http.StatusProxyAuthRequired {
		extra = http.Header{"Proxy-Authenticate": {`Basic realm="bitproxy"`}}
	}
	if s.cfg.NegotiationTimeout > 0 {
		_ = s.client.SetWriteDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	_ = writeError(s.client, se.code, extra, se.err.Error())
}

func (s *session) writeClient(msg string) error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = s.client.SetWriteDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
		defer s.client.SetWriteDeadline(time.Time{}) //nolint:errcheck // Best effort reset.
	}
	_, err := io.WriteString(s.client, msg)
	return err
}

func (s *session) close() {
	_ = s.client.Close()
	if s.upstream != nil {
		_ = s.upstream.Close()
	}
}

// dialErrorStatus picks 504 for dials that ran out of time, including an
// upstream proxy reporting that it did, and 502 for everything else.
func dialErrorStatus(err error) int {
	if dialer.IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// splitTarget splits host[:port], applying defaultPort when none is given.
func splitTarget(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, errors.New("missing target host")
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		if strings.ContainsAny(host, "[]") || (strings.Contains(host, ":") && net.ParseIP(host) == nil) {
			return "", 0, fmt.Errorf("invalid target %q", hostport)
		}
		portStr = strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid target %q: empty host", hostport)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid target %q: bad port", hostport)
	}
	return host, port, nil
}
