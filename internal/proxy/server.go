package proxy

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrServerClosed is returned by Serve after Close or once the server's
// context is done.
var ErrServerClosed = errors.New("proxy: server closed")

// Server accepts proxy clients on one listener and runs a session per
// connection.
type Server struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a Server whose sessions are canceled when ctx is done.
func NewServer(ctx context.Context, cfg Config) *Server {
	ctx, cancel := context.WithCancel(ctx)
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Serve accepts connections from ln until it is closed. ln is closed when
// the server's context is done.
func (s *Server) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() || isTemporary(err) {
				delay := bo.NextBackOff()
				log.Printf("%s proxy: accept: %v; retrying in %v", s.cfg.Name, err, delay)
				select {
				case <-time.After(delay):
					continue
				case <-s.ctx.Done():
					return ErrServerClosed
				}
			}
			return err
		}
		bo.Reset()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return ErrServerClosed
		}
		s.wg.Go(func() {
			s.handleConn(c)
		})
		s.mu.Unlock()
	}
}

func (s *Server) handleConn(c net.Conn) {
	s.cfg.Metrics.sessionStarted(s.cfg.Name)
	sess := newSession(&s.cfg, c)
	err := sess.run(s.ctx)
	s.cfg.Metrics.sessionFinished(s.cfg.Name, err)
	if err != nil && s.cfg.Verbose && !errors.Is(err, errClientGone) {
		log.Printf("%s proxy: %s: %v", s.cfg.Name, c.RemoteAddr(), err)
	}
}

// Close cancels all sessions and waits for them to finish. Listeners passed
// to Serve are closed as well, and connections they still hand over are
// dropped.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
