package obfs

import (
	"bytes"
	"io"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestFlipSelfInverse(t *testing.T) {
	t.Parallel()

	for i := 0; i < 256; i++ {
		b := byte(i)
		if got := Flip(Flip(b)); got != b {
			t.Fatalf("Flip(Flip(%#x)) = %#x", b, got)
		}
		if Flip(b) == b {
			t.Fatalf("Flip(%#x) is a fixed point", b)
		}
	}
}

func TestFlipBytesBijective(t *testing.T) {
	t.Parallel()

	seen := make(map[byte]bool, 256)
	p := make([]byte, 256)
	for i := range p {
		p[i] = byte(i)
	}
	FlipBytes(p)
	for _, b := range p {
		if seen[b] {
			t.Fatalf("duplicate output %#x", b)
		}
		seen[b] = true
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if got := Wrap(a, false); got != a {
		t.Fatalf("Wrap disabled returned %T", got)
	}
	if _, ok := Wrap(a, true).(*Conn); !ok {
		t.Fatalf("Wrap enabled did not return *Conn")
	}
}

func TestConnWireBytesAreFlipped(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	enc := &Conn{Conn: a}
	msg := []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	orig := append([]byte(nil), msg...)

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := enc.Write(msg)
		return err
	})

	raw := make([]byte, len(msg))
	if _, err := io.ReadFull(b, raw); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(msg, orig) {
		t.Fatalf("Write mutated caller buffer")
	}
	for i := range raw {
		if raw[i] != ^orig[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, raw[i], ^orig[i])
		}
	}
}

func TestConnRoundTripLarge(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	left := &Conn{Conn: a}
	right := &Conn{Conn: b}

	// Larger than the scratch buffer so Write has to chunk.
	msg := make([]byte, 3*scratchSize+17)
	for i := range msg {
		msg[i] = byte(i * 31)
	}

	g := errgroup.Group{}
	g.Go(func() error {
		n, err := left.Write(msg)
		if err == nil && n != len(msg) {
			err = io.ErrShortWrite
		}
		return err
	})

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(right, got); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round trip mismatch")
	}
}

func TestListenerWrapsAccepted(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ol := &Listener{Listener: ln}
	defer ol.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Write([]byte{0x00, 0xff, 0x0f})
		return err
	})

	c, err := ol.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, ok := c.(*Conn); !ok {
		t.Fatalf("accepted conn is %T", c)
	}

	buf := make([]byte, 3)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0xff, 0x00, 0xf0}) {
		t.Fatalf("got %x", buf)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
