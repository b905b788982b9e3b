package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

// ServeOnce hands the first connection accepted on a loopback listener to
// handler and closes it when handler returns. At test cleanup the listener
// and connection are closed and handler is waited for.
func ServeOnce(t *testing.T, handler func(net.Conn)) net.Listener {
	t.Helper()

	ln := listenLoopback(t)

	var (
		mu      sync.Mutex
		current net.Conn
		stopped bool
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer c.Close()

		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		current = c
		mu.Unlock()

		handler(c)
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		stopped = true
		if current != nil {
			_ = current.Close()
		}
		mu.Unlock()
		<-done
	})
	return ln
}

// serveAll runs handle for every connection accepted on a loopback
// listener. At test cleanup the listener and any open connections are
// closed and all handlers are waited for.
func serveAll(t *testing.T, handle func(net.Conn)) net.Listener {
	t.Helper()

	ln := listenLoopback(t)

	var (
		mu      sync.Mutex
		open    = make(map[net.Conn]struct{})
		stopped bool
		wg      sync.WaitGroup
	)
	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			if stopped {
				mu.Unlock()
				_ = c.Close()
				return
			}
			open[c] = struct{}{}
			mu.Unlock()

			wg.Go(func() {
				defer func() {
					mu.Lock()
					delete(open, c)
					mu.Unlock()
					_ = c.Close()
				}()
				handle(c)
			})
		}
	})

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		stopped = true
		for c := range open {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

// splice copies a and b into each other until either side stops, then
// closes both.
func splice(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		defer closeBoth()
		_, _ = io.Copy(a, b)
	})
	wg.Go(func() {
		defer closeBoth()
		_, _ = io.Copy(b, a)
	})
	wg.Wait()
}
