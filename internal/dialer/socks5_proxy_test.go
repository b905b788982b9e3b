package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/bitproxy/internal/testutil"
)

func TestSOCKS5ProxyDialerDial(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			upLn := testutil.SOCKS5Server{Username: tt.user, Password: tt.pass}.Start(t)

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), tt.user, tt.pass)
			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			testutil.AssertEcho(t, conn, conn, []byte("hello"))
		})
	}
}

func TestSOCKS5ProxyDialerWrongPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := testutil.SOCKS5Server{Username: "user", Password: "pass"}.Start(t)

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "user", "wrong")
	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := Classify(err); got != ReasonAuth {
		t.Fatalf("reason %v, want %v (%v)", got, ReasonAuth, err)
	}
}

func TestSOCKS5ProxyDialerReplyCodes(t *testing.T) {
	tests := []struct {
		reply byte
		want  Reason
	}{
		{txsocks5.RepTTLExpired, ReasonTimeout},
		{txsocks5.RepConnectionRefused, ReasonRefused},
		{txsocks5.RepNotAllowed, ReasonRefused},
		{txsocks5.RepHostUnreachable, ReasonUnreachable},
		{txsocks5.RepNetworkUnreachable, ReasonUnreachable},
		{txsocks5.RepServerFailure, ReasonProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			upLn := testutil.SOCKS5Server{Reply: tt.reply}.Start(t)

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")
			_, err := f.DialContext(ctx, "tcp", "example.com:443")

			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if de.Via != "socks5" || de.Target != "example.com:443" {
				t.Errorf("error names %s %s", de.Via, de.Target)
			}
			if de.Reason != tt.want {
				t.Errorf("reply %#x: reason %v, want %v", tt.reply, de.Reason, tt.want)
			}
			if got := IsTimeout(err); got != (tt.want == ReasonTimeout) {
				t.Errorf("IsTimeout = %v", got)
			}
		})
	}
}

func TestSOCKS5ProxyDialerContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	upLn := testutil.ServeOnce(t, func(c net.Conn) {
		<-release
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	dialCtx, dialCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer dialCancel()
	_, err := f.DialContext(dialCtx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected a timeout, got %v", err)
	}
}
