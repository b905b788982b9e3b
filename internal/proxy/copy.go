package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until either direction
// ends, then closes both. Canceling ctx closes both immediately.
//
// With idleTimeout > 0 the relay fails once neither direction has moved a
// byte for that long.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	touch := func() {}
	if idleTimeout > 0 {
		touch = func() {
			dl := time.Now().Add(idleTimeout)
			_ = left.SetDeadline(dl)
			_ = right.SetDeadline(dl)
		}
		touch()
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return copyLeg(left, right, idleTimeout > 0, touch)
	})
	g.Go(func() error {
		defer closeBoth()
		return copyLeg(right, left, idleTimeout > 0, touch)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// copyLeg copies src to dst. Errors caused by the other leg closing the
// conns are not reported.
func copyLeg(dst, src net.Conn, idle bool, touch func()) error {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)
	buf := *bp

	var err error
	if idle {
		err = copyTouching(dst, src, buf, touch)
	} else {
		_, err = io.CopyBuffer(dst, src, buf)
	}

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return nil
	case errors.Is(err, errIdle):
		return err
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return errIdle
		}
		return fmt.Errorf("relay %s -> %s: %w", src.RemoteAddr(), dst.RemoteAddr(), err)
	}
}

var errIdle = errors.New("relay idle timeout")

func copyTouching(dst io.Writer, src io.Reader, buf []byte, touch func()) error {
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			touch()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
